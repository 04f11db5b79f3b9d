// Package interrupt services the exceptions and debug traps the guest
// kernel trampoline routes through HLT: page faults, debug traps, and
// the general/stack-protection faults that are always fatal (spec §4.I).
package interrupt

import (
	"fmt"
	"log/slog"

	"github.com/elkvm/monitor/internal/vcpu"
	"github.com/elkvm/monitor/internal/vmerr"
)

// Vector numbers the IDT trampoline pushes onto the guest kernel stack
// before HLT, alongside the error code (spec §6 "Hypercall ABI" type 2).
type Vector uint64

const (
	VectorDebug             Vector = 1
	VectorPageFault         Vector = 14
	VectorStackSegmentFault Vector = 12
	VectorGeneralProtection Vector = 13
)

// DebugHook is notified on a #DB trap so a breakpoint manager can
// inspect state before the monitor resumes the guest (spec §4.J).
type DebugHook interface {
	NotifyTrap(c *vcpu.VCPU) error
}

// lowMemoryGuard is the spec's "pfla <= 0x1000" SIGSEGV threshold:
// faults at or below the zero page are never legitimate stack growth.
const lowMemoryGuard = 0x1000

// Handler services exceptions and debug traps for one VM.
type Handler struct {
	log   *slog.Logger
	debug DebugHook
}

// New creates an interrupt handler. debug may be nil if no debug hook
// is attached.
func New(log *slog.Logger, debug DebugHook) *Handler {
	return &Handler{log: log, debug: debug}
}

// HandleInterrupt reads (vector, error_code) the trampoline pushed
// onto the guest kernel stack (via the VCPU's kernel stack pointer
// convention) and routes by vector. debugTrap is true when the caller
// already knows this is a #DB exit (the DEBUG exit reason, distinct
// from the explicit HypercallInterrupt hypercall path).
func (h *Handler) HandleInterrupt(c *vcpu.VCPU, debugTrap bool) error {
	vector, errCode, err := popFrame(c)
	if err != nil {
		return err
	}

	switch Vector(vector) {
	case VectorPageFault:
		return h.handlePageFault(c, errCode)
	case VectorDebug:
		return h.HandleDebugTrap(c)
	case VectorStackSegmentFault, VectorGeneralProtection:
		h.log.Error("fatal cpu fault", "vector", vector, "error_code", fmt.Sprintf("0x%x", errCode), "rip", fmt.Sprintf("0x%x", c.GetReg(vcpu.RIP)))
		return vmerr.New(vmerr.Fatal, "interrupt.HandleInterrupt", fmt.Errorf("vector %d", vector))
	default:
		h.log.Error("unhandled fault vector", "vector", vector, "error_code", fmt.Sprintf("0x%x", errCode))
		return vmerr.New(vmerr.Fatal, "interrupt.HandleInterrupt", fmt.Errorf("unhandled vector %d", vector))
	}
}

// HandleDebugTrap services a #DB exit: notify the debug hook, if any,
// then let the dispatcher resume the guest (spec: "push rip back and
// IRET", which in this design means simply not advancing rip further
// than the trampoline already has).
func (h *Handler) HandleDebugTrap(c *vcpu.VCPU) error {
	if h.debug == nil {
		return nil
	}
	return h.debug.NotifyTrap(c)
}

// handlePageFault implements the #PF routing table in spec §4.I.
func (h *Handler) handlePageFault(c *vcpu.VCPU, errCode uint64) error {
	pfla := c.GetReg(vcpu.CR2)

	if c.HandleStackExpansion(errCode, false) {
		return nil // retried: the dispatcher re-enters the hypervisor.
	}

	if pfla <= lowMemoryGuard {
		h.log.Info("sigsegv: fault at or below the zero page", "pfla", fmt.Sprintf("0x%x", pfla))
		return vmerr.NewGuestExit(128 + 11) // conventional SIGSEGV exit status.
	}

	h.log.Error("unrecoverable page fault", "pfla", fmt.Sprintf("0x%x", pfla), "error_code", fmt.Sprintf("0x%x", errCode), "rip", fmt.Sprintf("0x%x", c.GetReg(vcpu.RIP)))
	return vmerr.New(vmerr.Fatal, "interrupt.handlePageFault", fmt.Errorf("pfla 0x%x", pfla))
}

// popFrame reads the (vector, error_code) pair the trampoline pushed
// onto the guest kernel stack before HLT.
func popFrame(c *vcpu.VCPU) (vector, errCode uint64, err error) {
	errCode, err = c.Pop()
	if err != nil {
		return 0, 0, vmerr.New(vmerr.Translation, "interrupt.popFrame", err)
	}
	vector, err = c.Pop()
	if err != nil {
		return 0, 0, vmerr.New(vmerr.Translation, "interrupt.popFrame", err)
	}
	return vector, errCode, nil
}
