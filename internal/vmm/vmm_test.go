package vmm

import (
	"os"
	"testing"

	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/logging"
)

func TestNewSnapshotsRlimitsAndCreatesUserChunk(t *testing.T) {
	log := logging.New(os.Stderr)
	device := hypervisor.NewFake()

	vm, err := New(log, device)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	limits := vm.InitialLimits()
	if len(limits) == 0 {
		t.Fatalf("expected at least one rlimit to be captured")
	}
	if _, ok := vm.pager.GetChunk(vm.userChunk); !ok {
		t.Fatalf("expected the user chunk to exist")
	}
}

func TestRemapChunkDelegatesToPager(t *testing.T) {
	log := logging.New(os.Stderr)
	device := hypervisor.NewFake()

	vm, err := New(log, device)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := vm.RemapChunk(vm.userChunk, userChunkSize*2); err != nil {
		t.Fatalf("remap chunk: %v", err)
	}
	chunk, ok := vm.pager.GetChunk(vm.userChunk)
	if !ok {
		t.Fatalf("expected the user chunk to still exist")
	}
	if chunk.Size != userChunkSize*2 {
		t.Fatalf("got size %d, want %d", chunk.Size, userChunkSize*2)
	}
}

func TestRunWithNoBootedVCPUIsFatal(t *testing.T) {
	log := logging.New(os.Stderr)
	device := hypervisor.NewFake()

	vm, err := New(log, device)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := vm.Run(); err == nil {
		t.Fatalf("expected Run with no booted vcpu to fail")
	}
}
