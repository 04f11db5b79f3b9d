// Package dispatch drives the run loop: enter the hypervisor, classify
// the exit reason, and route to a hypercall, interrupt, or syscall
// handler (spec §4.G).
package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/vcpu"
	"github.com/elkvm/monitor/internal/vmerr"
)

// HypercallType is the low byte of rax at the HLT the trampoline
// issues to enter the monitor (spec §6 "Hypercall ABI").
type HypercallType uint8

const (
	HypercallSyscall   HypercallType = 1
	HypercallInterrupt HypercallType = 2
	HypercallDebug     HypercallType = 3
)

// Syscaller services a HypercallSyscall hypercall.
type Syscaller interface {
	Syscall(c *vcpu.VCPU) error
}

// Interrupter services a HypercallInterrupt hypercall or an EXCEPTION/
// DEBUG exit (spec §4.I).
type Interrupter interface {
	HandleInterrupt(c *vcpu.VCPU, debugTrap bool) error
	HandleDebugTrap(c *vcpu.VCPU) error
}

// Debugger receives the explicit HypercallDebug breakpoint hit.
type Debugger interface {
	BreakpointHit(c *vcpu.VCPU) error
}

// Loop owns one VCPU's run-classify-handle cycle.
type Loop struct {
	log    *slog.Logger
	cpu    *vcpu.VCPU
	sys    Syscaller
	interp Interrupter
	dbg    Debugger
}

// New builds a dispatch loop for one VCPU.
func New(log *slog.Logger, cpu *vcpu.VCPU, sys Syscaller, interp Interrupter, dbg Debugger) *Loop {
	return &Loop{log: log, cpu: cpu, sys: sys, interp: interp, dbg: dbg}
}

// Run drives the VCPU until the guest calls exit_group or a handler
// reports Fatal, returning the guest's exit status.
func (l *Loop) Run() (int, error) {
	for {
		reason, err := l.cpu.Run()
		if err != nil {
			return 0, err
		}

		status, done, err := l.handle(reason)
		if err != nil {
			return 0, err
		}
		if done {
			return status, nil
		}
		l.cpu.Resume()
	}
}

// handle classifies one exit and dispatches it per the table in spec §4.G.
func (l *Loop) handle(reason hypervisor.ExitReason) (status int, done bool, err error) {
	switch reason {
	case hypervisor.ExitHLT:
		return l.handleHypercall()

	case hypervisor.ExitIO, hypervisor.ExitMMIO:
		l.log.Debug("unused exit reason, continuing", "reason", reason)
		return 0, false, nil

	case hypervisor.ExitShutdown, hypervisor.ExitFailEntry:
		return 0, true, vmerr.New(vmerr.Fatal, "dispatch.handle", fmt.Errorf("vm shutdown, reason=%v", reason))

	case hypervisor.ExitIntr, hypervisor.ExitIRQWindowOpen:
		return 0, false, nil

	case hypervisor.ExitDebug:
		if err := l.interp.HandleDebugTrap(l.cpu); err != nil {
			return 0, true, err
		}
		return 0, false, nil

	case hypervisor.ExitException:
		if err := l.interp.HandleInterrupt(l.cpu, false); err != nil {
			if ex, ok := vmerr.AsExit(err); ok {
				return ex.Status, true, nil
			}
			return 0, true, err
		}
		return 0, false, nil

	case hypervisor.ExitInternalError:
		return 0, true, vmerr.New(vmerr.Fatal, "dispatch.handle", fmt.Errorf("internal hypervisor error"))

	default:
		return 0, true, vmerr.New(vmerr.Fatal, "dispatch.handle", fmt.Errorf("unclassified exit reason %v", reason))
	}
}

// classify reads the low byte of rax to determine the hypercall type
// the trampoline requested (spec §6).
func classify(c *vcpu.VCPU) HypercallType {
	return HypercallType(c.GetReg(vcpu.RAX) & 0xff)
}

func (l *Loop) handleHypercall() (status int, done bool, err error) {
	switch classify(l.cpu) {
	case HypercallSyscall:
		if err := l.sys.Syscall(l.cpu); err != nil {
			if ex, ok := vmerr.AsExit(err); ok {
				return ex.Status, true, nil
			}
			return 0, true, err
		}
		return 0, false, nil

	case HypercallInterrupt:
		if err := l.interp.HandleInterrupt(l.cpu, false); err != nil {
			if ex, ok := vmerr.AsExit(err); ok {
				return ex.Status, true, nil
			}
			return 0, true, err
		}
		return 0, false, nil

	case HypercallDebug:
		if l.dbg == nil {
			l.log.Warn("debug hypercall with no debugger attached")
			return 0, false, nil
		}
		if err := l.dbg.BreakpointHit(l.cpu); err != nil {
			return 0, true, err
		}
		return 0, false, nil

	default:
		return 0, true, vmerr.New(vmerr.Fatal, "dispatch.handleHypercall", fmt.Errorf("unknown hypercall type in rax"))
	}
}
