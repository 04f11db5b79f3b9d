// Package region implements the region manager: a bump/free-list
// allocator over chunk-backed host memory, the "which region contains
// this address?" queries, and region naming/tagging (spec §3, §4.B).
package region

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/vmerr"
)

// ID identifies a region within the manager's arena.
type ID int

// Region is a named interval [guestVirt, guestVirt+size) with a
// host-side backing pointer and a free flag (spec §3).
type Region struct {
	ID        ID
	ChunkID   pager.ChunkID
	HostBase  uintptr
	GuestVirt uint64 // 0 if not yet mapped into the page tables.
	Size      uint64
	Tag       string
	Free      bool
}

// ContainsHost reports whether p falls within the region's host bytes.
func (r *Region) ContainsHost(p uintptr) bool {
	return p >= r.HostBase && p < r.HostBase+uintptr(r.Size)
}

// ContainsGuest reports whether v falls within the region's guest-virtual range.
func (r *Region) ContainsGuest(v uint64) bool {
	return r.GuestVirt != 0 && v >= r.GuestVirt && v < r.GuestVirt+r.Size
}

// Manager tracks free and used regions, partitioned per chunk.
type Manager struct {
	mu  sync.Mutex
	log *slog.Logger

	regions []*Region // arena; index == ID.
	nextID  ID
}

// New creates an empty region manager.
func New(log *slog.Logger) *Manager {
	return &Manager{log: log}
}

// AddChunk registers an entire chunk's host byte range as one large
// free region, available for allocation.
func (m *Manager) AddChunk(chunkID pager.ChunkID, hostBase uintptr, size uint64, tag string) ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &Region{ID: m.nextID, ChunkID: chunkID, HostBase: hostBase, Size: size, Tag: tag, Free: true}
	m.nextID++
	m.regions = append(m.regions, r)
	return r.ID
}

// AllocateRegion rounds size up to a page multiple, picks the first
// free region whose size is large enough (first-fit), and splits off
// a page-aligned head of exactly the requested size.
func (m *Manager) AllocateRegion(size uint64, tag string) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size = roundUpPage(size)

	for _, r := range m.regions {
		if !r.Free || r.Size < size {
			continue
		}
		if r.Size == size {
			r.Free = false
			r.Tag = tag
			return r, nil
		}
		head := m.sliceBegin(r, size)
		head.Tag = tag
		head.Free = false
		return head, nil
	}
	return nil, vmerr.New(vmerr.Resource, "region.AllocateRegion", fmt.Errorf("no free region large enough for %d bytes", size))
}

// sliceBegin yields a page-aligned head of exactly size bytes from r,
// shrinking r forward by the same amount (spec §4.B). Callers must
// hold m.mu.
func (m *Manager) sliceBegin(r *Region, size uint64) *Region {
	head := &Region{
		ID:       m.nextID,
		ChunkID:  r.ChunkID,
		HostBase: r.HostBase,
		Size:     size,
		Free:     true,
	}
	m.nextID++
	r.HostBase += uintptr(size)
	r.Size -= size
	m.regions = append(m.regions, head)
	return head
}

// FreeRegion flips a live region back to free, zeroes its bytes, and
// opportunistically coalesces with an adjacent free region in the
// same chunk.
func (m *Manager) FreeRegion(hostP uintptr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if r.Free || r.HostBase != hostP || r.Size != size {
			continue
		}
		r.Free = true
		r.GuestVirt = 0
		r.Tag = ""
		zero(r.HostBase, r.Size)
		m.coalesce(r)
		return nil
	}
	return vmerr.New(vmerr.Resource, "region.FreeRegion", fmt.Errorf("no live region at %#x size %d", hostP, size))
}

func (m *Manager) coalesce(r *Region) {
	for _, other := range m.regions {
		if other == r || !other.Free || other.ChunkID != r.ChunkID {
			continue
		}
		if other.HostBase == r.HostBase+uintptr(r.Size) {
			r.Size += other.Size
			other.Size = 0
		} else if r.HostBase == other.HostBase+uintptr(other.Size) {
			r.HostBase = other.HostBase
			r.Size += other.Size
			other.Size = 0
		}
	}
	// Drop any zero-sized husks left by a coalesce.
	live := m.regions[:0]
	for _, x := range m.regions {
		if x.Size > 0 {
			live = append(live, x)
		}
	}
	m.regions = live
}

// FindRegion linear-searches for the live or free region containing
// the given host address.
func (m *Manager) FindRegion(hostP uintptr) (*Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.ContainsHost(hostP) {
			return r, true
		}
	}
	return nil, false
}

// FindByGuest finds the region backing a mapped guest-virtual address.
func (m *Manager) FindByGuest(guestVirt uint64) (*Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if !r.Free && r.ContainsGuest(guestVirt) {
			return r, true
		}
	}
	return nil, false
}

// SetGuestAddr records the guest-virtual base once a region has been
// mapped into the page tables.
func (r *Region) SetGuestAddr(v uint64) { r.GuestVirt = v }

func roundUpPage(n uint64) uint64 {
	const pageSize = 4096
	return (n + pageSize - 1) &^ (pageSize - 1)
}

func zero(hostBase uintptr, size uint64) {
	b := hostBytes(hostBase, size)
	for i := range b {
		b[i] = 0
	}
}
