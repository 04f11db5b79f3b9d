// Package hypervisor defines the capability interface the rest of the
// monitor programs against, and the KVM implementation of it.
//
// spec.md §9 calls out the source's reserved-but-unused KVM subclass;
// this package is the re-architected replacement: a small interface
// any virtualization backend can satisfy, so the Pager, VCPU and
// chunk manager never reference /dev/kvm directly. Production code
// uses KVM; tests use Fake.
package hypervisor

import "unsafe"

// MemoryRegion mirrors struct kvm_userspace_memory_region.
type MemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Regs mirrors struct kvm_regs (general purpose registers).
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDTR/IDTR).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs (special/segment registers).
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                       DTable
	CR0, CR2, CR3, CR4, CR8        uint64
	EFER                           uint64
	ApicBase                       uint64
	InterruptBitmap                [(256 + 63) / 64]uint64
}

// MSR is one machine-specific-register read/write entry.
type MSR struct {
	Index uint32
	Data  uint64
}

// RunData is the layout of the kernel/userspace shared run page
// (struct kvm_run, trimmed to the fields this monitor inspects).
type RunData struct {
	RequestInterruptWindow uint8
	_                      [7]uint8

	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8

	CR8      uint64
	ApicBase uint64

	Data [32]uint64
}

// ExitReason enumerates the VM exit reasons the dispatcher classifies (spec §4.G).
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitInternalError ExitReason = 17
)

// VM is a handle to a created virtual machine.
type VM interface {
	// RegisterMemory installs or updates a guest-physical memory slot.
	RegisterMemory(region MemoryRegion) error
	// UnregisterMemory removes a previously registered slot.
	UnregisterMemory(slot uint32) error
	// CreateVCPU creates one new virtual CPU and returns its handle.
	CreateVCPU(id int) (VCPU, error)
	// Close releases the VM and all its VCPUs.
	Close() error
}

// VCPU is a handle to a single virtual CPU.
type VCPU interface {
	// Run enters the hypervisor; it returns once the guest exits back
	// to userspace (HLT, exception, shutdown, ...).
	Run() error
	// RunData returns the shared exit-information structure for the
	// most recent Run call.
	RunData() *RunData
	GetRegs() (Regs, error)
	SetRegs(Regs) error
	GetSregs() (Sregs, error)
	SetSregs(Sregs) error
	GetMSRs(indices []uint32) ([]MSR, error)
	SetMSRs(msrs []MSR) error
	// SetSingleStep toggles the debug control register so the next
	// instruction generates a #DB exit.
	SetSingleStep(on bool) error
	Close() error
}

// Device is the process-wide hypervisor device handle (e.g. /dev/kvm).
// It is the only process-wide mutable state the monitor carries (spec §9).
type Device interface {
	// APIVersion returns the hypervisor's reported API version.
	APIVersion() (int, error)
	// SupportedMSRs lists the MSR indices the host accepts for
	// GetMSRs/SetMSRs (elkvm_dump_valid_msrs in the original source).
	SupportedMSRs() ([]uint32, error)
	// CreateVM creates a new VM instance.
	CreateVM() (VM, error)
	// VCPUMMapSize returns the size, in bytes, of the shared run
	// structure each VCPU must mmap.
	VCPUMMapSize() (int, error)
	// Close closes the device handle.
	Close() error
}

// hostPointer is a small helper shared by backends for turning a raw
// host buffer into the UserspaceAddr field of a MemoryRegion.
func hostPointer(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
