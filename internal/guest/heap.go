package guest

import (
	"fmt"
	"sort"

	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/vmerr"
)

// Mapping records one mmap-style allocation: (host_p, guest_p,
// length, protection, flags, fd, offset). It serves mprotect/munmap
// lookups (spec §3 "Mapping").
type Mapping struct {
	HostP  uintptr
	GuestP uint64
	Length uint64
	Prot   int32
	Flags  int32
	FD     int32
	Offset int64

	region *region.Region
}

// Pages computes ceil(Length / PageSize). Spec §9 Open Question (i)
// flags the original's truncating `size &~ PAGESIZE` as almost
// certainly wrong; this is the corrected version.
func (m *Mapping) Pages() uint64 {
	return (m.Length + pager.PageSize - 1) / pager.PageSize
}

// Heap tracks the current program break and the active mmap mappings
// for one address space (spec §3 "Heap descriptor").
type Heap struct {
	pager *pager.Pager
	rm    *region.Manager

	region   *region.Region // the region the break lives within.
	brk      uint64
	mappings []*Mapping // sorted, non-overlapping by GuestP.
}

// NewHeap allocates the initial heap region and positions the break
// at its start.
func NewHeap(p *pager.Pager, rm *region.Manager, guestBase uint64, initialSize uint64) (*Heap, error) {
	r, err := rm.AllocateRegion(initialSize, "heap")
	if err != nil {
		return nil, vmerr.New(vmerr.Resource, "guest.NewHeap", err)
	}
	if err := p.MapRegion(r.HostBase, guestBase, int(initialSize/pager.PageSize), pager.Opts{Write: true}); err != nil {
		return nil, err
	}
	r.SetGuestAddr(guestBase)

	return &Heap{pager: p, rm: rm, region: r, brk: guestBase}, nil
}

// Brk returns the current program break.
func (h *Heap) Brk() uint64 { return h.brk }

// SetBrk moves the break, validating it stays within the heap region
// (spec §3 invariant).
func (h *Heap) SetBrk(newBrk uint64) (uint64, error) {
	if newBrk < h.region.GuestVirt || newBrk > h.region.GuestVirt+h.region.Size {
		return h.brk, vmerr.New(vmerr.Resource, "guest.Heap.SetBrk", fmt.Errorf("0x%x outside heap region", newBrk))
	}
	h.brk = newBrk
	return h.brk, nil
}

// AddMapping inserts a new mapping, keeping the list sorted and
// asserting non-overlap.
func (h *Heap) AddMapping(m *Mapping) error {
	i := sort.Search(len(h.mappings), func(i int) bool { return h.mappings[i].GuestP >= m.GuestP })
	if i < len(h.mappings) && h.mappings[i].GuestP < m.GuestP+m.Length {
		return vmerr.New(vmerr.Conflict, "guest.Heap.AddMapping", fmt.Errorf("overlaps existing mapping at 0x%x", h.mappings[i].GuestP))
	}
	if i > 0 {
		prev := h.mappings[i-1]
		if prev.GuestP+prev.Length > m.GuestP {
			return vmerr.New(vmerr.Conflict, "guest.Heap.AddMapping", fmt.Errorf("overlaps existing mapping at 0x%x", prev.GuestP))
		}
	}
	h.mappings = append(h.mappings, nil)
	copy(h.mappings[i+1:], h.mappings[i:])
	h.mappings[i] = m
	return nil
}

// FindMapping returns the mapping containing the given guest address,
// used to serve mprotect/munmap requests (spec §3).
func (h *Heap) FindMapping(guestP uint64) (*Mapping, bool) {
	for _, m := range h.mappings {
		if guestP >= m.GuestP && guestP < m.GuestP+m.Length {
			return m, true
		}
	}
	return nil, false
}

// RemoveMapping deletes the mapping starting at guestP, freeing its
// backing region and unmapping its page-table entries.
func (h *Heap) RemoveMapping(guestP uint64) error {
	for i, m := range h.mappings {
		if m.GuestP != guestP {
			continue
		}
		if err := h.pager.Unmap(m.GuestP, int(m.Pages())); err != nil {
			return err
		}
		if m.region != nil {
			if err := h.rm.FreeRegion(m.region.HostBase, m.region.Size); err != nil {
				return err
			}
		}
		h.mappings = append(h.mappings[:i], h.mappings[i+1:]...)
		return nil
	}
	return vmerr.New(vmerr.Resource, "guest.Heap.RemoveMapping", fmt.Errorf("no mapping at 0x%x", guestP))
}

// Mmap allocates a region, maps it at a chosen guest address (if
// addr==0, the next address above the last mapping is used) and
// records a Mapping. This backs the default (unintercepted) mmap
// syscall and the "post" side of an intercepted one.
func (h *Heap) Mmap(addr uint64, length uint64, prot, flags int32, fd int32, offset int64) (*Mapping, error) {
	length = roundUpPage(length)

	r, err := h.rm.AllocateRegion(length, "mmap")
	if err != nil {
		return nil, vmerr.New(vmerr.Resource, "guest.Heap.Mmap", err)
	}

	if addr == 0 {
		addr = h.nextFreeGuestAddr(length)
	}

	opts := pager.Opts{
		Write: prot&0x2 != 0, // PROT_WRITE
		Exec:  prot&0x4 != 0, // PROT_EXEC
	}
	if err := h.pager.MapRegion(r.HostBase, addr, int(length/pager.PageSize), opts); err != nil {
		return nil, err
	}
	r.SetGuestAddr(addr)

	m := &Mapping{HostP: r.HostBase, GuestP: addr, Length: length, Prot: prot, Flags: flags, FD: fd, Offset: offset, region: r}
	if err := h.AddMapping(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Protect re-derives page-table permissions for the mapping containing
// guestP from a new prot value and updates the mapping's bookkeeping,
// backing the mprotect syscall (spec §3 "Mapping").
func (h *Heap) Protect(guestP uint64, prot int32) error {
	m, ok := h.FindMapping(guestP)
	if !ok {
		return vmerr.New(vmerr.Resource, "guest.Heap.Protect", fmt.Errorf("no mapping at 0x%x", guestP))
	}
	opts := pager.Opts{
		Write: prot&0x2 != 0, // PROT_WRITE
		Exec:  prot&0x4 != 0, // PROT_EXEC
	}
	if err := h.pager.MapRegion(m.HostP, m.GuestP, int(m.Pages()), opts); err != nil {
		return err
	}
	m.Prot = prot
	return nil
}

func (h *Heap) nextFreeGuestAddr(length uint64) uint64 {
	base := h.region.GuestVirt + h.region.Size
	for _, m := range h.mappings {
		if end := m.GuestP + m.Length; end > base {
			base = end
		}
	}
	return roundUpPage(base)
}

func roundUpPage(n uint64) uint64 {
	return (n + pager.PageSize - 1) &^ (pager.PageSize - 1)
}
