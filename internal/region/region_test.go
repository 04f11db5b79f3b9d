package region

import (
	"os"
	"testing"
	"unsafe"

	"github.com/elkvm/monitor/internal/logging"
	"github.com/elkvm/monitor/internal/pager"
)

func newTestManager(t *testing.T, size uint64) (*Manager, uintptr) {
	t.Helper()
	buf := make([]byte, size)
	m := New(logging.New(os.Stderr))
	base := uintptr(0)
	if len(buf) > 0 {
		base = uintptr(unsafe.Pointer(&buf[0]))
	}
	m.AddChunk(0, base, size, "test")
	return m, base
}

func TestAllocateRegionSplitsFirstFit(t *testing.T) {
	m, base := newTestManager(t, 4*pager.PageSize)

	r, err := m.AllocateRegion(pager.PageSize, "a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if r.Size != pager.PageSize {
		t.Fatalf("got size %d, want %d", r.Size, pager.PageSize)
	}
	if r.HostBase != base {
		t.Fatalf("expected first-fit head at chunk base")
	}
	if r.Free {
		t.Fatalf("allocated region must not be free")
	}
}

func TestAllocateRegionRoundsUpToPage(t *testing.T) {
	m, _ := newTestManager(t, 4*pager.PageSize)

	r, err := m.AllocateRegion(1, "small")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if r.Size != pager.PageSize {
		t.Fatalf("got %d, want rounded-up %d", r.Size, pager.PageSize)
	}
}

func TestFreeRegionZeroesAndReturnsToPool(t *testing.T) {
	m, _ := newTestManager(t, 2*pager.PageSize)

	r, err := m.AllocateRegion(pager.PageSize, "a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b := hostBytes(r.HostBase, r.Size)
	for i := range b {
		b[i] = 0xAA
	}

	freedBase := r.HostBase
	if err := m.FreeRegion(r.HostBase, r.Size); err != nil {
		t.Fatalf("free: %v", err)
	}
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed after free: %#x", i, v)
		}
	}

	r2, err := m.AllocateRegion(pager.PageSize, "b")
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if r2.HostBase != freedBase {
		t.Fatalf("expected freed region to be reused")
	}
}

func TestRegionDisjointness(t *testing.T) {
	m, _ := newTestManager(t, 4*pager.PageSize)

	r1, err := m.AllocateRegion(pager.PageSize, "a")
	if err != nil {
		t.Fatalf("allocate r1: %v", err)
	}
	r2, err := m.AllocateRegion(pager.PageSize, "b")
	if err != nil {
		t.Fatalf("allocate r2: %v", err)
	}

	if r1.HostBase == r2.HostBase {
		t.Fatalf("two live regions share a host base")
	}
	end1 := r1.HostBase + uintptr(r1.Size)
	if r2.HostBase >= r1.HostBase && r2.HostBase < end1 {
		t.Fatalf("regions overlap")
	}
}

func TestFindRegion(t *testing.T) {
	m, _ := newTestManager(t, 4*pager.PageSize)

	r, err := m.AllocateRegion(pager.PageSize, "a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	found, ok := m.FindRegion(r.HostBase)
	if !ok || found.ID != r.ID {
		t.Fatalf("FindRegion did not find allocated region")
	}

	found, ok = m.FindRegion(r.HostBase + uintptr(r.Size) - 1)
	if !ok || found.ID != r.ID {
		t.Fatalf("FindRegion did not find region for last byte")
	}
}

func TestAllocateRegionExhaustion(t *testing.T) {
	m, _ := newTestManager(t, pager.PageSize)

	if _, err := m.AllocateRegion(pager.PageSize, "a"); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := m.AllocateRegion(pager.PageSize, "b"); err == nil {
		t.Fatalf("expected resource exhaustion error")
	}
}
