// Package debughook defines the breakpoint-hit contract and a default
// interactive implementation of it. The wire encoding for a remote
// gdb stub is explicitly out of scope (spec §1, §4.J); this package
// only specifies and implements the local hook points.
package debughook

import (
	"fmt"
	"log/slog"

	"github.com/elkvm/monitor/internal/vcpu"
)

// RegisterSnapshot is the read_registers()/write_registers() payload.
type RegisterSnapshot struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Target is the adapter a wire-protocol collaborator (e.g. a gdb
// remote stub) programs against (spec §4.J).
type Target interface {
	ReadMemory(guestV uint64, length int) ([]byte, error)
	WriteMemory(guestV uint64, data []byte) error
	ReadRegisters() RegisterSnapshot
	WriteRegisters(RegisterSnapshot) error
	StepOne() error
	Continue() error
	InsertBreakpoint(guestV uint64) error
	RemoveBreakpoint(guestV uint64) error
}

// vcpuTarget adapts one VCPU (plus the pager it shares with the rest
// of the VM) to the Target contract.
type vcpuTarget struct {
	cpu       *vcpu.VCPU
	readHost  func(guestV uint64, length int) ([]byte, error)
	writeHost func(guestV uint64, data []byte) error
}

// NewTarget adapts a VCPU into a debughook.Target. readHost/writeHost
// are supplied by the caller so this package does not need to import
// the pager directly for a handful of byte copies.
func NewTarget(cpu *vcpu.VCPU, readHost func(uint64, int) ([]byte, error), writeHost func(uint64, []byte) error) Target {
	return &vcpuTarget{cpu: cpu, readHost: readHost, writeHost: writeHost}
}

func (t *vcpuTarget) ReadMemory(guestV uint64, length int) ([]byte, error) {
	return t.readHost(guestV, length)
}

func (t *vcpuTarget) WriteMemory(guestV uint64, data []byte) error {
	return t.writeHost(guestV, data)
}

func (t *vcpuTarget) ReadRegisters() RegisterSnapshot {
	c := t.cpu
	return RegisterSnapshot{
		RAX: c.GetReg(vcpu.RAX), RBX: c.GetReg(vcpu.RBX), RCX: c.GetReg(vcpu.RCX), RDX: c.GetReg(vcpu.RDX),
		RSI: c.GetReg(vcpu.RSI), RDI: c.GetReg(vcpu.RDI), RSP: c.GetReg(vcpu.RSP), RBP: c.GetReg(vcpu.RBP),
		R8: c.GetReg(vcpu.R8), R9: c.GetReg(vcpu.R9), R10: c.GetReg(vcpu.R10), R11: c.GetReg(vcpu.R11),
		R12: c.GetReg(vcpu.R12), R13: c.GetReg(vcpu.R13), R14: c.GetReg(vcpu.R14), R15: c.GetReg(vcpu.R15),
		RIP: c.GetReg(vcpu.RIP), RFLAGS: c.GetReg(vcpu.RFLAGS),
	}
}

func (t *vcpuTarget) WriteRegisters(s RegisterSnapshot) error {
	for _, kv := range []struct {
		r vcpu.Reg
		v uint64
	}{
		{vcpu.RAX, s.RAX}, {vcpu.RBX, s.RBX}, {vcpu.RCX, s.RCX}, {vcpu.RDX, s.RDX},
		{vcpu.RSI, s.RSI}, {vcpu.RDI, s.RDI}, {vcpu.RSP, s.RSP}, {vcpu.RBP, s.RBP},
		{vcpu.R8, s.R8}, {vcpu.R9, s.R9}, {vcpu.R10, s.R10}, {vcpu.R11, s.R11},
		{vcpu.R12, s.R12}, {vcpu.R13, s.R13}, {vcpu.R14, s.R14}, {vcpu.R15, s.R15},
		{vcpu.RIP, s.RIP}, {vcpu.RFLAGS, s.RFLAGS},
	} {
		if err := t.cpu.SetReg(kv.r, kv.v); err != nil {
			return err
		}
	}
	return nil
}

func (t *vcpuTarget) StepOne() error { return t.cpu.SingleStep(true) }

func (t *vcpuTarget) Continue() error { return t.cpu.SingleStep(false) }

func (t *vcpuTarget) InsertBreakpoint(guestV uint64) error { return t.cpu.SetSoftwareBreakpoint(guestV) }

func (t *vcpuTarget) RemoveBreakpoint(guestV uint64) error { return t.cpu.RemoveSoftwareBreakpoint(guestV) }

// Hook is the dispatch-level BreakpointHit/NotifyTrap implementation:
// it logs the trap and, if a Target-aware shell is attached, hands
// control to it.
type Hook struct {
	log       *slog.Logger
	readHost  func(uint64, int) ([]byte, error)
	writeHost func(uint64, []byte) error
	shell     func(Target) error
}

// New creates a Hook with no interactive shell attached; BreakpointHit
// and NotifyTrap just log the trap and let the guest continue.
// readHost/writeHost back a Target's memory access once a shell is attached.
func New(log *slog.Logger, readHost func(uint64, int) ([]byte, error), writeHost func(uint64, []byte) error) *Hook {
	return &Hook{log: log, readHost: readHost, writeHost: writeHost}
}

// Attach installs a shell function invoked with a Target each time a
// breakpoint or debug trap fires.
func (h *Hook) Attach(shell func(Target) error) { h.shell = shell }

// BreakpointHit services the explicit HypercallDebug hypercall (spec
// §6: hypercall type 3).
func (h *Hook) BreakpointHit(c *vcpu.VCPU) error {
	h.log.Info("breakpoint hit", "rip", fmt.Sprintf("0x%x", c.GetReg(vcpu.RIP)))
	return h.notify(c)
}

// NotifyTrap services a #DB exception routed by the interrupt handler.
func (h *Hook) NotifyTrap(c *vcpu.VCPU) error {
	h.log.Debug("debug trap", "rip", fmt.Sprintf("0x%x", c.GetReg(vcpu.RIP)))
	return h.notify(c)
}

func (h *Hook) notify(c *vcpu.VCPU) error {
	if h.shell == nil {
		return nil
	}
	target := NewTarget(c, h.readHost, h.writeHost)
	return h.shell(target)
}
