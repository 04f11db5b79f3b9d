package guest

import (
	"testing"

	"github.com/elkvm/monitor/internal/pager"
)

func TestMappingPagesRoundsUp(t *testing.T) {
	cases := []struct {
		length uint64
		want   uint64
	}{
		{0, 0},
		{1, 1},
		{pager.PageSize, 1},
		{pager.PageSize + 1, 2},
		{3 * pager.PageSize, 3},
	}
	for _, c := range cases {
		m := &Mapping{Length: c.length}
		if got := m.Pages(); got != c.want {
			t.Errorf("Pages(%d) = %d, want %d", c.length, got, c.want)
		}
	}
}

func TestHeapMmapAndRemove(t *testing.T) {
	p, rm := newTestPager(t)
	h, err := NewHeap(p, rm, pager.ELKVMUserChunkOffset+StackGrow, StackGrow)
	if err != nil {
		t.Fatalf("new heap: %v", err)
	}

	m, err := h.Mmap(0, 8192, 0x3 /* RW */, 0, -1, 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if m.Length != 8192 {
		t.Fatalf("got length %d, want 8192", m.Length)
	}

	found, ok := h.FindMapping(m.GuestP)
	if !ok || found != m {
		t.Fatalf("FindMapping did not return the inserted mapping")
	}

	if err := h.RemoveMapping(m.GuestP); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := h.FindMapping(m.GuestP); ok {
		t.Fatalf("mapping still found after removal")
	}

	host, ok := p.HostPointer(m.GuestP)
	if ok {
		t.Fatalf("guest address 0x%x still translates to host %#x after munmap", m.GuestP, host)
	}
}

func TestHeapAddMappingRejectsOverlap(t *testing.T) {
	p, rm := newTestPager(t)
	h, err := NewHeap(p, rm, pager.ELKVMUserChunkOffset+StackGrow, StackGrow)
	if err != nil {
		t.Fatalf("new heap: %v", err)
	}

	base := pager.ELKVMUserChunkOffset + 10*pager.PageSize
	if err := h.AddMapping(&Mapping{GuestP: base, Length: pager.PageSize}); err != nil {
		t.Fatalf("first mapping: %v", err)
	}
	if err := h.AddMapping(&Mapping{GuestP: base, Length: pager.PageSize}); err == nil {
		t.Fatalf("expected overlap error")
	}
}
