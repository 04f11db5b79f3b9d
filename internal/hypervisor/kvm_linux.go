//go:build linux

package hypervisor

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request numbers, grounded in avagin-gvisor's
// pkg/sentry/platform/kvm and the gokvm-style wrappers in the pack's
// other_examples: these are the architecture-independent ioctl
// numbers defined by <linux/kvm.h>.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmGetMSRIndexList     = 0xC004AE02
	kvmCreateVCPU          = 0xAE41
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmRun                 = 0xAE80
	kvmGetMSRs             = 0xC008AE88
	kvmSetMSRs             = 0x4008AE89
	kvmSetGuestDebug       = 0x4048AE9B
	kvmSetUserMemoryRegion = 0x4020AE46
)

const expectedAPIVersion = 12

type kvmDevice struct {
	fd int
}

// OpenDevice opens /dev/kvm. This is the single process-wide handle
// described in spec §5: opened at init, closed at teardown, never
// serialized because the kernel demultiplexes by VM/VCPU fd.
func OpenDevice() (Device, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/kvm: %w", err)
	}

	d := &kvmDevice{fd: fd}
	version, err := d.APIVersion()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if version != expectedAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("unexpected KVM API version %d, want %d", version, expectedAPIVersion)
	}
	return d, nil
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return r, errno
		}
		return r, nil
	}
}

func (d *kvmDevice) APIVersion() (int, error) {
	r, err := ioctl(d.fd, kvmGetAPIVersion, 0)
	return int(int32(r)), err
}

func (d *kvmDevice) SupportedMSRs() ([]uint32, error) {
	// First call with n_msrs == 0 would normally report the required
	// size; real host kernels cap the list well below 512 entries.
	const maxMSRs = 512
	buf := make([]uint32, 1+maxMSRs) // struct kvm_msr_list: nmsrs, then indices.
	buf[0] = maxMSRs
	r, err := ioctl(d.fd, kvmGetMSRIndexList, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST: %w", err)
	}
	n := buf[0]
	_ = r
	out := make([]uint32, n)
	copy(out, buf[1:1+n])
	return out, nil
}

func (d *kvmDevice) VCPUMMapSize() (int, error) {
	r, err := ioctl(d.fd, kvmGetVCPUMMapSize, 0)
	return int(r), err
}

func (d *kvmDevice) CreateVM() (VM, error) {
	r, err := ioctl(d.fd, kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	mmapSize, err := d.VCPUMMapSize()
	if err != nil {
		return nil, err
	}
	return &kvmVM{fd: int(r), runStructSize: mmapSize}, nil
}

func (d *kvmDevice) Close() error {
	return unix.Close(d.fd)
}

type kvmVM struct {
	mu            sync.Mutex
	fd            int
	runStructSize int
	nextSlot      uint32
}

func (v *kvmVM) RegisterMemory(region MemoryRegion) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := ioctl(v.fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION(slot=%d): %w", region.Slot, err)
	}
	return nil
}

func (v *kvmVM) UnregisterMemory(slot uint32) error {
	region := MemoryRegion{Slot: slot, MemorySize: 0}
	return v.RegisterMemory(region)
}

func (v *kvmVM) CreateVCPU(id int) (VCPU, error) {
	r, err := ioctl(v.fd, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU(%d): %w", id, err)
	}
	fd := int(r)

	mmap, err := unix.Mmap(fd, 0, v.runStructSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap vcpu run struct: %w", err)
	}

	return &kvmVCPU{fd: fd, run: (*RunData)(unsafe.Pointer(&mmap[0])), mmap: mmap}, nil
}

func (v *kvmVM) Close() error {
	return unix.Close(v.fd)
}

type kvmVCPU struct {
	fd   int
	run  *RunData
	mmap []byte
}

func (c *kvmVCPU) Run() error {
	_, err := ioctl(c.fd, kvmRun, 0)
	if err != nil {
		return fmt.Errorf("KVM_RUN: %w", err)
	}
	return nil
}

func (c *kvmVCPU) RunData() *RunData { return c.run }

func (c *kvmVCPU) GetRegs() (Regs, error) {
	var regs Regs
	_, err := ioctl(c.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	return regs, err
}

func (c *kvmVCPU) SetRegs(regs Regs) error {
	_, err := ioctl(c.fd, kvmSetRegs, uintptr(unsafe.Pointer(&regs)))
	return err
}

func (c *kvmVCPU) GetSregs() (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(c.fd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	return sregs, err
}

func (c *kvmVCPU) SetSregs(sregs Sregs) error {
	_, err := ioctl(c.fd, kvmSetSregs, uintptr(unsafe.Pointer(&sregs)))
	return err
}

// msrEntry mirrors struct kvm_msr_entry; the struct kvm_msrs buffers
// built below are an 8-byte header followed by nmsrs of these.
type msrEntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

func (c *kvmVCPU) GetMSRs(indices []uint32) ([]MSR, error) {
	entries := make([]msrEntry, len(indices))
	for i, idx := range indices {
		entries[i].Index = idx
	}
	hdr := struct {
		NMSRs uint32
		Pad   uint32
	}{NMSRs: uint32(len(entries))}

	buf := make([]byte, 8+len(entries)*16)
	copy(buf, (*[8]byte)(unsafe.Pointer(&hdr))[:])
	if len(entries) > 0 {
		copy(buf[8:], unsafe.Slice((*byte)(unsafe.Pointer(&entries[0])), len(entries)*16))
	}

	_, err := ioctl(c.fd, kvmGetMSRs, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_MSRS: %w", err)
	}

	out := make([]MSR, len(entries))
	raw := unsafe.Slice((*msrEntry)(unsafe.Pointer(&buf[8])), len(entries))
	for i, e := range raw {
		out[i] = MSR{Index: e.Index, Data: e.Data}
	}
	return out, nil
}

func (c *kvmVCPU) SetMSRs(msrs []MSR) error {
	entries := make([]msrEntry, len(msrs))
	for i, m := range msrs {
		entries[i] = msrEntry{Index: m.Index, Data: m.Data}
	}
	hdr := struct {
		NMSRs uint32
		Pad   uint32
	}{NMSRs: uint32(len(entries))}

	buf := make([]byte, 8+len(entries)*16)
	copy(buf, (*[8]byte)(unsafe.Pointer(&hdr))[:])
	if len(entries) > 0 {
		copy(buf[8:], unsafe.Slice((*byte)(unsafe.Pointer(&entries[0])), len(entries)*16))
	}

	_, err := ioctl(c.fd, kvmSetMSRs, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return fmt.Errorf("KVM_SET_MSRS: %w", err)
	}
	return nil
}

func (c *kvmVCPU) SetSingleStep(on bool) error {
	// struct kvm_guest_debug { __u32 control; __u32 pad; struct kvm_guest_debug_arch arch; }
	const debugEnable = 1
	const singleStep = 1 << 16
	var control uint32
	if on {
		control = debugEnable | singleStep
	}
	buf := make([]byte, 8+8*8) // control+pad, then arch.debugreg[8] (8 bytes each, zeroed)
	copy(buf, (*[4]byte)(unsafe.Pointer(&control))[:])
	_, err := ioctl(c.fd, kvmSetGuestDebug, uintptr(unsafe.Pointer(&buf[0])))
	return err
}

func (c *kvmVCPU) Close() error {
	if c.mmap != nil {
		unix.Munmap(c.mmap)
	}
	return unix.Close(c.fd)
}
