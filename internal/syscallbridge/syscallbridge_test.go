package syscallbridge

import (
	"encoding/binary"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/elkvm/monitor/internal/guest"
	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/logging"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/vcpu"
	"github.com/elkvm/monitor/internal/vmerr"
)

func newTestBridge(t *testing.T) (*Bridge, *vcpu.VCPU) {
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
	heapBase := pager.ELKVMUserChunkOffset + 32*guest.StackGrow
	heap, err := guest.NewHeap(p, rm, heapBase, 4*pager.PageSize)
	if err != nil {
		t.Fatalf("new heap: %v", err)
	}

	hvVCPU, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("create vcpu: %v", err)
	}
	cpu := vcpu.New(0, log, hvVCPU, p, stack)
	if err := cpu.SetReg(vcpu.RIP, guest.LinuxStackBase-guest.StackGrow); err != nil {
		t.Fatalf("set rip: %v", err)
	}

	signals := guest.NewSignals()
	b := New(log, p, heap, signals)
	return b, cpu
}

func TestSyscallExitGroupReturnsGuestExit(t *testing.T) {
	b, cpu := newTestBridge(t)
	if err := cpu.SetReg(vcpu.RAX, uint64(unix.SYS_EXIT_GROUP)); err != nil {
		t.Fatalf("set rax: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDI, 7); err != nil {
		t.Fatalf("set rdi: %v", err)
	}

	err := b.Syscall(cpu)
	ex, ok := vmerr.AsExit(err)
	if !ok {
		t.Fatalf("expected a GuestExit error, got %v", err)
	}
	if ex.Status != 7 {
		t.Fatalf("got exit status %d, want 7", ex.Status)
	}
}

func TestSyscallUnknownNumberReturnsENOSYS(t *testing.T) {
	b, cpu := newTestBridge(t)
	rip := cpu.GetReg(vcpu.RIP)
	if err := cpu.SetReg(vcpu.RAX, 0xffffff); err != nil {
		t.Fatalf("set rax: %v", err)
	}

	if err := b.Syscall(cpu); err != nil {
		t.Fatalf("syscall: %v", err)
	}
	if got := int64(cpu.GetReg(vcpu.RAX)); got != -int64(unix.ENOSYS) {
		t.Fatalf("got rax=%d, want -ENOSYS", got)
	}
	if got := cpu.GetReg(vcpu.RIP); got != rip+hltSize {
		t.Fatalf("rip not advanced past the HLT: got 0x%x", got)
	}
}

func TestSyscallMmapGoesThroughHeap(t *testing.T) {
	b, cpu := newTestBridge(t)
	if err := cpu.SetReg(vcpu.RAX, uint64(unix.SYS_MMAP)); err != nil {
		t.Fatalf("set rax: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDI, 0); err != nil { // addr: let the heap pick one.
		t.Fatalf("set rdi: %v", err)
	}
	if err := cpu.SetReg(vcpu.RSI, pager.PageSize); err != nil { // length
		t.Fatalf("set rsi: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDX, 0x3); err != nil { // PROT_READ|PROT_WRITE
		t.Fatalf("set rdx: %v", err)
	}
	if err := cpu.SetReg(vcpu.R10, 0x22); err != nil { // MAP_PRIVATE|MAP_ANONYMOUS
		t.Fatalf("set r10: %v", err)
	}
	if err := cpu.SetReg(vcpu.R8, ^uint64(0)); err != nil { // fd = -1
		t.Fatalf("set r8: %v", err)
	}

	if err := b.Syscall(cpu); err != nil {
		t.Fatalf("syscall: %v", err)
	}
	ret := int64(cpu.GetReg(vcpu.RAX))
	if ret <= 0 {
		t.Fatalf("got mmap return %d, want a positive guest address", ret)
	}
	if _, ok := b.heap.FindMapping(uint64(ret)); !ok {
		t.Fatalf("heap has no record of the mapping at 0x%x", ret)
	}
}

func TestSyscallMprotectUpdatesRecordedMapping(t *testing.T) {
	b, cpu := newTestBridge(t)
	m, err := b.heap.Mmap(0, pager.PageSize, 0x3, 0x22, -1, 0) // PROT_READ|PROT_WRITE
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	if err := cpu.SetReg(vcpu.RAX, uint64(unix.SYS_MPROTECT)); err != nil {
		t.Fatalf("set rax: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDI, m.GuestP); err != nil {
		t.Fatalf("set rdi: %v", err)
	}
	if err := cpu.SetReg(vcpu.RSI, pager.PageSize); err != nil {
		t.Fatalf("set rsi: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDX, 0x1); err != nil { // PROT_READ only
		t.Fatalf("set rdx: %v", err)
	}

	if err := b.Syscall(cpu); err != nil {
		t.Fatalf("syscall: %v", err)
	}
	if got := int64(cpu.GetReg(vcpu.RAX)); got != 0 {
		t.Fatalf("got rax=%d, want 0", got)
	}
	got, ok := b.heap.FindMapping(m.GuestP)
	if !ok {
		t.Fatalf("mapping disappeared after mprotect")
	}
	if got.Prot != 0x1 {
		t.Fatalf("got prot=%#x, want 0x1", got.Prot)
	}
}

func TestSyscallMprotectOnUnknownAddressReturnsEINVAL(t *testing.T) {
	b, cpu := newTestBridge(t)
	if err := cpu.SetReg(vcpu.RAX, uint64(unix.SYS_MPROTECT)); err != nil {
		t.Fatalf("set rax: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDI, 0xdeadb000); err != nil {
		t.Fatalf("set rdi: %v", err)
	}
	if err := cpu.SetReg(vcpu.RSI, pager.PageSize); err != nil {
		t.Fatalf("set rsi: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDX, 0x1); err != nil {
		t.Fatalf("set rdx: %v", err)
	}

	if err := b.Syscall(cpu); err != nil {
		t.Fatalf("syscall: %v", err)
	}
	if got := int64(cpu.GetReg(vcpu.RAX)); got != -int64(unix.EINVAL) {
		t.Fatalf("got rax=%d, want -EINVAL", got)
	}
}

func TestSigactionRoundTripsThroughSignals(t *testing.T) {
	b, cpu := newTestBridge(t)

	// Build a kernel_sigaction-shaped struct at a guest address the
	// stack region already backs, below the current top.
	actAddr := guest.LinuxStackBase - 64
	host, ok := b.pager.HostPointer(actAddr)
	if !ok {
		t.Fatalf("test address not mapped")
	}
	buf := hostBytes(host, sigactionSize)
	for i := range buf {
		buf[i] = 0
	}
	// handler = 0x4000, flags = 0, restorer = 0x5000, mask = 0
	binary.LittleEndian.PutUint64(buf[0:8], 0x4000)
	binary.LittleEndian.PutUint64(buf[16:24], 0x5000)

	if err := cpu.SetReg(vcpu.RAX, uint64(unix.SYS_RT_SIGACTION)); err != nil {
		t.Fatalf("set rax: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDI, 10); err != nil { // signum
		t.Fatalf("set rdi: %v", err)
	}
	if err := cpu.SetReg(vcpu.RSI, actAddr); err != nil { // new act
		t.Fatalf("set rsi: %v", err)
	}
	if err := cpu.SetReg(vcpu.RDX, 0); err != nil { // no old act requested
		t.Fatalf("set rdx: %v", err)
	}

	if err := b.Syscall(cpu); err != nil {
		t.Fatalf("syscall: %v", err)
	}

	act, ok := b.signals.Handler(10)
	if !ok {
		t.Fatalf("expected signal 10 to have a registered handler")
	}
	if act.Handler != 0x4000 || act.Restorer != 0x5000 {
		t.Fatalf("got %+v, want handler=0x4000 restorer=0x5000", act)
	}
}
