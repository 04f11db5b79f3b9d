package dispatch

import (
	"os"
	"testing"

	"github.com/elkvm/monitor/internal/guest"
	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/logging"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/vcpu"
	"github.com/elkvm/monitor/internal/vmerr"
)

func newTestCPU(t *testing.T) (*vcpu.VCPU, *hypervisor.FakeVCPU) {
	t.Helper()
	log := logging.New(os.Stderr)

	hv := hypervisor.NewFake()
	vm, err := hv.CreateVM()
	if err != nil {
		t.Fatalf("create vm: %v", err)
	}
	p, err := pager.New(log, vm, 16*pager.PageSize)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	rm := region.New(log)

	userChunkID, err := p.CreateChunk(64*guest.StackGrow, pager.ELKVMUserChunkOffset)
	if err != nil {
		t.Fatalf("create user chunk: %v", err)
	}
	chunk, _ := p.GetChunk(userChunkID)
	rm.AddChunk(userChunkID, chunk.HostPtr(), chunk.Size, "user")

	stack, err := guest.NewStack(p, rm)
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}

	hvVCPU, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("create vcpu: %v", err)
	}
	fake := hvVCPU.(*hypervisor.FakeVCPU)

	return vcpu.New(0, log, hvVCPU, p, stack), fake
}

type stubSyscaller struct {
	err error
}

func (s *stubSyscaller) Syscall(c *vcpu.VCPU) error { return s.err }

type stubInterrupter struct {
	err error
}

func (s *stubInterrupter) HandleInterrupt(c *vcpu.VCPU, debugTrap bool) error { return s.err }
func (s *stubInterrupter) HandleDebugTrap(c *vcpu.VCPU) error                 { return s.err }

type stubDebugger struct {
	hit bool
	err error
}

func (s *stubDebugger) BreakpointHit(c *vcpu.VCPU) error {
	s.hit = true
	return s.err
}

func TestLoopHLTSyscallExits(t *testing.T) {
	cpu, fake := newTestCPU(t)
	fake.Exits = []hypervisor.ExitReason{hypervisor.ExitHLT}
	if err := cpu.SetReg(vcpu.RAX, uint64(HypercallSyscall)); err != nil {
		t.Fatalf("set rax: %v", err)
	}

	log := logging.New(os.Stderr)
	sys := &stubSyscaller{err: vmerr.NewGuestExit(0)}
	loop := New(log, cpu, sys, &stubInterrupter{}, &stubDebugger{})

	status, err := loop.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != 0 {
		t.Fatalf("got status %d, want 0", status)
	}
}

func TestLoopIgnoresIntrThenHandlesHLT(t *testing.T) {
	cpu, fake := newTestCPU(t)
	fake.Exits = []hypervisor.ExitReason{hypervisor.ExitIntr, hypervisor.ExitHLT, hypervisor.ExitException}
	if err := cpu.SetReg(vcpu.RAX, uint64(HypercallDebug)); err != nil {
		t.Fatalf("set rax: %v", err)
	}

	log := logging.New(os.Stderr)
	dbg := &stubDebugger{}
	loop := New(log, cpu, &stubSyscaller{}, &stubInterrupter{err: vmerr.NewGuestExit(0)}, dbg)

	if _, err := loop.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !dbg.hit {
		t.Fatalf("expected debugger to observe the breakpoint hypercall")
	}
}

func TestLoopShutdownIsFatal(t *testing.T) {
	cpu, fake := newTestCPU(t)
	fake.Exits = []hypervisor.ExitReason{hypervisor.ExitShutdown}

	log := logging.New(os.Stderr)
	loop := New(log, cpu, &stubSyscaller{}, &stubInterrupter{}, &stubDebugger{})

	if _, err := loop.Run(); err == nil {
		t.Fatalf("expected shutdown exit to return an error")
	}
}

func TestClassifyReadsLowByteOfRAX(t *testing.T) {
	cpu, _ := newTestCPU(t)
	if err := cpu.SetReg(vcpu.RAX, 0x1122334400000002); err != nil {
		t.Fatalf("set rax: %v", err)
	}
	if got := classify(cpu); got != HypercallInterrupt {
		t.Fatalf("got %v, want HypercallInterrupt", got)
	}
}
