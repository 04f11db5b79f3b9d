package debughook

import (
	"bytes"
	"os"
	"testing"

	"github.com/elkvm/monitor/internal/guest"
	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/logging"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/vcpu"
)

func newTestCPU(t *testing.T) *vcpu.VCPU {
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
	return vcpu.New(0, log, hvVCPU, p, stack)
}

type memFile struct {
	data map[uint64][]byte
}

func (m *memFile) read(guestV uint64, length int) ([]byte, error) {
	return m.data[guestV], nil
}

func (m *memFile) write(guestV uint64, data []byte) error {
	if m.data == nil {
		m.data = make(map[uint64][]byte)
	}
	m.data[guestV] = append([]byte(nil), data...)
	return nil
}

func TestBreakpointHitWithNoShellJustLogs(t *testing.T) {
	c := newTestCPU(t)
	mem := &memFile{}
	log := logging.New(os.Stderr)
	h := New(log, mem.read, mem.write)

	if err := h.BreakpointHit(c); err != nil {
		t.Fatalf("breakpoint hit: %v", err)
	}
}

func TestAttachedShellReceivesTarget(t *testing.T) {
	c := newTestCPU(t)
	if err := c.SetReg(vcpu.RIP, 0x1234); err != nil {
		t.Fatalf("set rip: %v", err)
	}
	mem := &memFile{}
	log := logging.New(os.Stderr)
	h := New(log, mem.read, mem.write)

	var sawRIP uint64
	h.Attach(func(target Target) error {
		sawRIP = target.ReadRegisters().RIP
		return nil
	})

	if err := h.NotifyTrap(c); err != nil {
		t.Fatalf("notify trap: %v", err)
	}
	if sawRIP != 0x1234 {
		t.Fatalf("got rip=0x%x, want 0x1234", sawRIP)
	}
}

func TestShellContinueCommandReturns(t *testing.T) {
	rw := &loopback{in: bytes.NewBufferString("continue\r")}
	shell := NewShell(rw, "(test) ")

	target := &recordingTarget{}
	if err := shell.Run(target); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !target.continued {
		t.Fatalf("expected continue to reach the target")
	}
}

// loopback feeds in to the terminal's reads and discards anything it writes.
type loopback struct {
	in *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return len(p), nil }

type recordingTarget struct {
	continued bool
}

func (r *recordingTarget) ReadMemory(uint64, int) ([]byte, error)    { return nil, nil }
func (r *recordingTarget) WriteMemory(uint64, []byte) error          { return nil }
func (r *recordingTarget) ReadRegisters() RegisterSnapshot           { return RegisterSnapshot{} }
func (r *recordingTarget) WriteRegisters(RegisterSnapshot) error     { return nil }
func (r *recordingTarget) StepOne() error                            { return nil }
func (r *recordingTarget) Continue() error                           { r.continued = true; return nil }
func (r *recordingTarget) InsertBreakpoint(uint64) error             { return nil }
func (r *recordingTarget) RemoveBreakpoint(uint64) error             { return nil }
