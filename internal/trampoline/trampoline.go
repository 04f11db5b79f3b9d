// Package trampoline loads the three flat binary blobs that make a
// guest bootable without a real kernel — the IDT entry stubs, the
// SYSCALL entry stub, and the signal-return trampoline — and wires
// their addresses into the guest's descriptor tables and MSRs
// (spec §4.F tie-break note, §6 "Trampoline blobs").
package trampoline

import (
	"fmt"
	"os"

	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/vcpu"
	"github.com/elkvm/monitor/internal/vmerr"
)

// MSR indices the trampoline installer writes (elkvm-internal.h in
// the original source names these STAR/LSTAR/SFMASK).
const (
	MSRStar   uint32 = 0xC0000081
	MSRLStar  uint32 = 0xC0000082
	MSRCStar  uint32 = 0xC0000083
	MSRSFMask uint32 = 0xC0000084
	MSREFER   uint32 = 0xC0000080

	eferSCE = 1 << 0 // SYSCALL/SYSRET enable.
)

// Blobs holds the three loaded trampoline entry points.
type Blobs struct {
	ISREntry     uint64
	SyscallEntry uint64
	SignalEntry  uint64
}

// Load reads the three flat binary files named by path, copies each
// verbatim into its own executable region, and returns their guest
// entry addresses (spec §6: "a raw sequence of bytes copied verbatim
// into a region and mapped executable").
func Load(isrPath, entryPath, signalPath string, guestBase uint64, p *pager.Pager, rm *region.Manager) (*Blobs, error) {
	isrAddr, err := loadBlob(isrPath, guestBase, p, rm)
	if err != nil {
		return nil, err
	}
	entryAddr, err := loadBlob(entryPath, guestBase+0x10000, p, rm)
	if err != nil {
		return nil, err
	}
	signalAddr, err := loadBlob(signalPath, guestBase+0x20000, p, rm)
	if err != nil {
		return nil, err
	}
	return &Blobs{ISREntry: isrAddr, SyscallEntry: entryAddr, SignalEntry: signalAddr}, nil
}

func loadBlob(path string, guestAddr uint64, p *pager.Pager, rm *region.Manager) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, vmerr.New(vmerr.Format, "trampoline.loadBlob", fmt.Errorf("read %s: %w", path, err))
	}
	if len(data) == 0 {
		return 0, vmerr.New(vmerr.Format, "trampoline.loadBlob", fmt.Errorf("%s is empty", path))
	}

	size := roundUpPage(uint64(len(data)))
	r, err := rm.AllocateRegion(size, "trampoline")
	if err != nil {
		return 0, vmerr.New(vmerr.Resource, "trampoline.loadBlob", err)
	}
	copy(hostBytes(r.HostBase, len(data)), data)

	if err := p.MapRegion(r.HostBase, guestAddr, int(size/pager.PageSize), pager.Opts{Exec: true}); err != nil {
		return 0, err
	}
	r.SetGuestAddr(guestAddr)
	return guestAddr, nil
}

// InstallSyscallEntry sets EFER.SCE and writes the LSTAR and SFMASK
// MSRs so that a guest `syscall` instruction enters at
// blobs.SyscallEntry; STAR is not written here. Writing
// LSTAR before the entry blob has been loaded is a programmer error
// (spec §4.F); the caller is required to have called Load first, and
// this function refuses a zero address outright rather than silently
// arming a jump to guest address 0.
func InstallSyscallEntry(c *vcpu.VCPU, blobs *Blobs, supported []uint32) error {
	if blobs == nil || blobs.SyscallEntry == 0 {
		return vmerr.New(vmerr.Fatal, "trampoline.InstallSyscallEntry", fmt.Errorf("syscall trampoline not loaded"))
	}
	if !msrSupported(supported, MSRLStar) {
		return vmerr.New(vmerr.Resource, "trampoline.InstallSyscallEntry", fmt.Errorf("host does not support LSTAR"))
	}

	efer, err := c.GetMSR(MSREFER)
	if err != nil {
		return err
	}
	if err := c.SetMSR(MSREFER, efer|eferSCE); err != nil {
		return err
	}
	if err := c.SetMSR(MSRLStar, blobs.SyscallEntry); err != nil {
		return err
	}
	if err := c.SetMSR(MSRSFMask, 0); err != nil {
		return err
	}
	return nil
}

func msrSupported(supported []uint32, want uint32) bool {
	for _, idx := range supported {
		if idx == want {
			return true
		}
	}
	return false
}

// InstallIDT points the guest's IDT base at the loaded ISR stub table
// via the VCPU's special registers (spec: "wiring entry trampolines
// (IDT, GDT, TSS, SYSCALL LSTAR)").
func InstallIDT(c *vcpu.VCPU, blobs *Blobs, limit uint16) error {
	sregs := c.GetSregs()
	sregs.IDT = hypervisor.DTable{Base: blobs.ISREntry, Limit: limit}
	return c.SetSregs(sregs)
}

func roundUpPage(n uint64) uint64 {
	return (n + pager.PageSize - 1) &^ (pager.PageSize - 1)
}
