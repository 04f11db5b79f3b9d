package guest

import (
	"os"
	"testing"

	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/logging"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
)

func newTestPager(t *testing.T) (*pager.Pager, *region.Manager) {
	t.Helper()
	log := logging.New(os.Stderr)
	vm, err := hypervisor.NewFake().CreateVM()
	if err != nil {
		t.Fatalf("create fake vm: %v", err)
	}
	p, err := pager.New(log, vm, 16*pager.PageSize)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	rm := region.New(log)

	userChunkID, err := p.CreateChunk(64*StackGrow, pager.ELKVMUserChunkOffset)
	if err != nil {
		t.Fatalf("create user chunk: %v", err)
	}
	chunk, _ := p.GetChunk(userChunkID)
	rm.AddChunk(userChunkID, chunk.HostPtr(), chunk.Size, "user")

	return p, rm
}

func TestStackGrowthIdempotence(t *testing.T) {
	p, rm := newTestPager(t)
	s, err := NewStack(p, rm)
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}

	bottomBefore := s.bottom
	pfla := bottomBefore - 1 // one byte below the current bottom.

	if !s.IsStackExpansion(pfla) {
		t.Fatalf("expected pfla to be a stack-expansion fault")
	}
	if err := s.Grow(pfla); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if s.bottom != bottomBefore-StackGrow {
		t.Fatalf("bottom did not move by exactly one StackGrow region")
	}

	// The same faulting address is no longer a stack-expansion fault:
	// the second fault at the same address must not allocate again.
	if s.IsStackExpansion(pfla) {
		t.Fatalf("second fault at the same address should already be mapped")
	}
}

func TestStackPushPop(t *testing.T) {
	p, rm := newTestPager(t)
	s, err := NewStack(p, rm)
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}

	rsp := s.Top()
	if err := s.Push(&rsp, 0xdeadbeefcafebabe); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := s.Pop(&rsp)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got != 0xdeadbeefcafebabe {
		t.Fatalf("got 0x%x, want 0xdeadbeefcafebabe", got)
	}
	if rsp != s.Top() {
		t.Fatalf("rsp not restored after matching push/pop")
	}
}
