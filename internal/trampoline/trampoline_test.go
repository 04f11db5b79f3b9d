package trampoline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/elkvm/monitor/internal/guest"
	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/logging"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/vcpu"
)

func newTestCPU(t *testing.T) (*vcpu.VCPU, *pager.Pager, *region.Manager, *hypervisor.Fake) {
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
	return vcpu.New(0, log, hvVCPU, p, stack), p, rm, hv
}

func writeBlob(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadMapsThreeBlobsAtDistinctAddresses(t *testing.T) {
	_, p, rm, _ := newTestCPU(t)
	dir := t.TempDir()

	isr := writeBlob(t, dir, "isr.bin", []byte{0xCC, 0xCC})
	entry := writeBlob(t, dir, "entry.bin", []byte{0x0F, 0x05})
	signal := writeBlob(t, dir, "signal.bin", []byte{0xC3})

	blobs, err := Load(isr, entry, signal, pager.ELKVMUserChunkOffset, p, rm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if blobs.ISREntry == 0 || blobs.SyscallEntry == 0 || blobs.SignalEntry == 0 {
		t.Fatalf("got zero entry address in %+v", blobs)
	}
	if blobs.ISREntry == blobs.SyscallEntry || blobs.SyscallEntry == blobs.SignalEntry {
		t.Fatalf("expected three distinct guest addresses, got %+v", blobs)
	}

	host, ok := p.HostPointer(blobs.SyscallEntry)
	if !ok {
		t.Fatalf("syscall entry not mapped")
	}
	if got := hostBytes(host, 2); got[0] != 0x0F || got[1] != 0x05 {
		t.Fatalf("got bytes %x at syscall entry, want the loaded blob", got)
	}
}

func TestLoadRejectsEmptyBlob(t *testing.T) {
	_, p, rm, _ := newTestCPU(t)
	dir := t.TempDir()

	isr := writeBlob(t, dir, "isr.bin", []byte{0xCC})
	entry := writeBlob(t, dir, "entry.bin", nil)
	signal := writeBlob(t, dir, "signal.bin", []byte{0xC3})

	if _, err := Load(isr, entry, signal, pager.ELKVMUserChunkOffset, p, rm); err == nil {
		t.Fatalf("expected loading an empty blob to fail")
	}
}

func TestInstallSyscallEntryRefusesUnloadedBlobs(t *testing.T) {
	cpu, _, _, _ := newTestCPU(t)
	if err := InstallSyscallEntry(cpu, &Blobs{}, []uint32{MSRLStar}); err == nil {
		t.Fatalf("expected a zero SyscallEntry to be rejected")
	}
}

func TestInstallSyscallEntryRefusesUnsupportedMSR(t *testing.T) {
	cpu, p, rm, _ := newTestCPU(t)
	dir := t.TempDir()
	isr := writeBlob(t, dir, "isr.bin", []byte{0xCC})
	entry := writeBlob(t, dir, "entry.bin", []byte{0x0F, 0x05})
	signal := writeBlob(t, dir, "signal.bin", []byte{0xC3})

	blobs, err := Load(isr, entry, signal, pager.ELKVMUserChunkOffset, p, rm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := InstallSyscallEntry(cpu, blobs, nil); err == nil {
		t.Fatalf("expected a host with no supported MSRs to reject LSTAR install")
	}
}

func TestInstallSyscallEntrySucceedsWhenSupported(t *testing.T) {
	cpu, p, rm, _ := newTestCPU(t)
	dir := t.TempDir()
	isr := writeBlob(t, dir, "isr.bin", []byte{0xCC})
	entry := writeBlob(t, dir, "entry.bin", []byte{0x0F, 0x05})
	signal := writeBlob(t, dir, "signal.bin", []byte{0xC3})

	blobs, err := Load(isr, entry, signal, pager.ELKVMUserChunkOffset, p, rm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := InstallSyscallEntry(cpu, blobs, []uint32{MSRLStar, MSREFER, MSRSFMask}); err != nil {
		t.Fatalf("install syscall entry: %v", err)
	}
}
