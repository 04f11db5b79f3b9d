// Package vcpu wraps one virtual CPU: its register state machine,
// suspension into the hypervisor, and single-step/breakpoint control
// (spec §3 "VCPU state", §4.F).
package vcpu

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/elkvm/monitor/internal/guest"
	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/vmerr"
)

// Reg names one general-purpose or control register.
type Reg int

const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	RFLAGS
	CR2
)

// State is the VCPU run state machine: Idle -> Running -> Exited(reason) -> Idle (spec §4.F).
type State uint32

const (
	Idle State = iota
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// VCPU is the monitor-side handle for one hypervisor VCPU.
type VCPU struct {
	ID int

	log   *slog.Logger
	hv    hypervisor.VCPU
	pager *pager.Pager
	stack *guest.Stack

	state atomic.Uint32

	regs      hypervisor.Regs
	sregs     hypervisor.Sregs
	cr2       uint64
	exitCause hypervisor.ExitReason

	breakpoints map[uint64]byte // guest address -> original byte.
}

// New wraps a hypervisor VCPU.
func New(id int, log *slog.Logger, hv hypervisor.VCPU, p *pager.Pager, stack *guest.Stack) *VCPU {
	return &VCPU{ID: id, log: log, hv: hv, pager: p, stack: stack, breakpoints: make(map[uint64]byte)}
}

func (c *VCPU) State() State { return State(c.state.Load()) }

func (c *VCPU) setState(s State) { c.state.Store(uint32(s)) }

// Run enters the hypervisor. On return, the register snapshot has
// been refreshed and the state is Exited until the caller services
// the exit and transitions back to Idle.
func (c *VCPU) Run() (hypervisor.ExitReason, error) {
	if c.State() != Idle {
		return 0, vmerr.New(vmerr.Fatal, "vcpu.Run", fmt.Errorf("vcpu %d not idle (state=%s)", c.ID, c.State()))
	}
	c.setState(Running)

	if err := c.hv.SetRegs(c.regs); err != nil {
		c.setState(Idle)
		return 0, vmerr.New(vmerr.Resource, "vcpu.Run", err)
	}

	if err := c.hv.Run(); err != nil {
		c.setState(Idle)
		return 0, vmerr.New(vmerr.Fatal, "vcpu.Run", err)
	}

	regs, err := c.hv.GetRegs()
	if err != nil {
		c.setState(Idle)
		return 0, vmerr.New(vmerr.Resource, "vcpu.Run", err)
	}
	c.regs = regs

	sregs, err := c.hv.GetSregs()
	if err == nil {
		c.sregs = sregs
		c.cr2 = sregs.CR2
	}

	c.exitCause = hypervisor.ExitReason(c.hv.RunData().ExitReason)
	c.setState(Exited)
	return c.exitCause, nil
}

// Resume transitions an Exited VCPU back to Idle once its exit has
// been fully handled.
func (c *VCPU) Resume() {
	c.setState(Idle)
}

// GetReg reads a cached register. Valid any time.
func (c *VCPU) GetReg(r Reg) uint64 {
	switch r {
	case RAX:
		return c.regs.RAX
	case RBX:
		return c.regs.RBX
	case RCX:
		return c.regs.RCX
	case RDX:
		return c.regs.RDX
	case RSI:
		return c.regs.RSI
	case RDI:
		return c.regs.RDI
	case RSP:
		return c.regs.RSP
	case RBP:
		return c.regs.RBP
	case R8:
		return c.regs.R8
	case R9:
		return c.regs.R9
	case R10:
		return c.regs.R10
	case R11:
		return c.regs.R11
	case R12:
		return c.regs.R12
	case R13:
		return c.regs.R13
	case R14:
		return c.regs.R14
	case R15:
		return c.regs.R15
	case RIP:
		return c.regs.RIP
	case RFLAGS:
		return c.regs.RFLAGS
	case CR2:
		return c.cr2
	default:
		return 0
	}
}

// SetReg writes a register. Per spec §4.F, mutating RIP (or any
// register) while Running is forbidden: the caller must suspend
// (i.e. be handling an Exited state) first.
func (c *VCPU) SetReg(r Reg, v uint64) error {
	if c.State() == Running {
		return vmerr.New(vmerr.Fatal, "vcpu.SetReg", fmt.Errorf("cannot mutate registers while running"))
	}
	switch r {
	case RAX:
		c.regs.RAX = v
	case RBX:
		c.regs.RBX = v
	case RCX:
		c.regs.RCX = v
	case RDX:
		c.regs.RDX = v
	case RSI:
		c.regs.RSI = v
	case RDI:
		c.regs.RDI = v
	case RSP:
		c.regs.RSP = v
	case RBP:
		c.regs.RBP = v
	case R8:
		c.regs.R8 = v
	case R9:
		c.regs.R9 = v
	case R10:
		c.regs.R10 = v
	case R11:
		c.regs.R11 = v
	case R12:
		c.regs.R12 = v
	case R13:
		c.regs.R13 = v
	case R14:
		c.regs.R14 = v
	case R15:
		c.regs.R15 = v
	case RIP:
		c.regs.RIP = v
	case RFLAGS:
		c.regs.RFLAGS = v
	case CR2:
		c.cr2 = v
	}
	return nil
}

// GetSregs/SetSregs expose the full special-register block, needed by
// the trampoline installer (GDT/IDT/TSS descriptors) and the debug hook.
func (c *VCPU) GetSregs() hypervisor.Sregs { return c.sregs }

func (c *VCPU) SetSregs(s hypervisor.Sregs) error {
	if c.State() == Running {
		return vmerr.New(vmerr.Fatal, "vcpu.SetSregs", fmt.Errorf("cannot mutate sregs while running"))
	}
	c.sregs = s
	return c.hv.SetSregs(s)
}

// GetMSR/SetMSR read/write one machine-specific register.
func (c *VCPU) GetMSR(index uint32) (uint64, error) {
	out, err := c.hv.GetMSRs([]uint32{index})
	if err != nil || len(out) == 0 {
		return 0, vmerr.New(vmerr.Resource, "vcpu.GetMSR", err)
	}
	return out[0].Data, nil
}

// SetMSR writes one MSR. This layer only performs the write; the check
// that refuses to arm LSTAR before the SYSCALL trampoline is loaded
// (spec §4.F) lives in trampoline.InstallSyscallEntry, which returns
// an error.
func (c *VCPU) SetMSR(index uint32, data uint64) error {
	if err := c.hv.SetMSRs([]hypervisor.MSR{{Index: index, Data: data}}); err != nil {
		return vmerr.New(vmerr.Resource, "vcpu.SetMSR", err)
	}
	return nil
}

// Push/Pop delegate to the Stack, which writes through the Pager.
func (c *VCPU) Push(val uint64) error {
	rsp := c.GetReg(RSP)
	if err := c.stack.Push(&rsp, val); err != nil {
		return err
	}
	return c.SetReg(RSP, rsp)
}

func (c *VCPU) Pop() (uint64, error) {
	rsp := c.GetReg(RSP)
	val, err := c.stack.Pop(&rsp)
	if err != nil {
		return 0, err
	}
	if err := c.SetReg(RSP, rsp); err != nil {
		return 0, err
	}
	return val, nil
}

// SingleStep enables or disables single-instruction execution.
func (c *VCPU) SingleStep(on bool) error {
	if err := c.hv.SetSingleStep(on); err != nil {
		return vmerr.New(vmerr.Resource, "vcpu.SingleStep", err)
	}
	return nil
}

// SetSoftwareBreakpoint writes 0xCC at guestV, remembering the
// original byte so it can be restored later (spec §4.F).
func (c *VCPU) SetSoftwareBreakpoint(guestV uint64) error {
	host, ok := c.pager.HostPointer(guestV)
	if !ok {
		return vmerr.New(vmerr.Translation, "vcpu.SetSoftwareBreakpoint", fmt.Errorf("0x%x unmapped", guestV))
	}
	b := hostByte(host)
	c.breakpoints[guestV] = *b
	*b = 0xCC
	return nil
}

// RemoveSoftwareBreakpoint restores the original byte at guestV.
func (c *VCPU) RemoveSoftwareBreakpoint(guestV uint64) error {
	orig, ok := c.breakpoints[guestV]
	if !ok {
		return vmerr.New(vmerr.Resource, "vcpu.RemoveSoftwareBreakpoint", fmt.Errorf("no breakpoint at 0x%x", guestV))
	}
	host, ok := c.pager.HostPointer(guestV)
	if !ok {
		return vmerr.New(vmerr.Translation, "vcpu.RemoveSoftwareBreakpoint", fmt.Errorf("0x%x unmapped", guestV))
	}
	*hostByte(host) = orig
	delete(c.breakpoints, guestV)
	return nil
}

// HandleStackExpansion checks whether the current CR2 indicates a
// stack-growth fault and, if so, grows the stack and returns true so
// the caller can retry the faulting instruction (spec §4.F, §4.I).
// errCode is not consulted; debug only controls whether a failed
// growth is logged.
func (c *VCPU) HandleStackExpansion(errCode uint64, debug bool) bool {
	pfla := c.cr2
	if !c.stack.IsStackExpansion(pfla) {
		return false
	}
	if err := c.stack.Grow(pfla); err != nil {
		if debug {
			c.log.Error("stack growth failed", "pfla", fmt.Sprintf("0x%x", pfla), "err", err)
		}
		return false
	}
	return true
}
