// Package pager owns guest physical memory chunks and the 4-level
// x86-64 page table tree, and translates guest-virtual addresses to
// host pointers and guest-physical frames (spec §3, §4.A).
package pager

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/vmerr"
)

const (
	// PageSize is the x86-64 base page size.
	PageSize = 4096
	pteCount = 512 // entries per page-table level

	// PTE permission/attribute bits.
	ptePresent  = 1 << 0
	pteWrite    = 1 << 1
	pteUser     = 1 << 2
	pteNoExec   = 1 << 63
	pteFrameFmt = 0x000ffffffffff000 // bits 12-51: physical frame

	// ELKVMUserChunkOffset is the guest-physical base of the "user
	// chunk" (spec §3: one system chunk at physical 0, one user chunk
	// at a configurable offset). Named after the original ELKVM_USER_CHUNK_OFFSET.
	ELKVMUserChunkOffset = 1024 * 1024 * 1024
)

// ChunkID identifies a Chunk within a Pager's arena.
type ChunkID int

// Chunk is a contiguous, page-aligned host buffer registered with the
// hypervisor as a guest-physical memory slot (spec §3).
type Chunk struct {
	ID        ChunkID
	Slot      uint32
	Host      []byte
	GuestPhys uint64
	Size      uint64
}

func (c *Chunk) containsPhys(phys uint64) bool {
	return phys >= c.GuestPhys && phys < c.GuestPhys+c.Size
}

// HostPtr returns the host address of the start of the chunk's
// backing buffer, for callers (the region manager) that need to seed
// a free-region pool over it.
func (c *Chunk) HostPtr() uintptr {
	return hostPtr(c.Host)
}

// Opts carries permission bits for a page-table mapping (spec §4.A).
type Opts struct {
	Write bool
	User  bool
	Exec  bool
}

// Pager is the owner of chunk memory and the guest page tables.
//
// Per spec §5, a Pager must be protected by the caller's per-VM mutex
// when more than one VCPU is active; the mutex lives here so
// single-VCPU configurations still get correctness for free, at the
// cost of one uncontended lock per call.
type Pager struct {
	mu sync.Mutex

	log *slog.Logger
	vm  hypervisor.VM

	chunks   []*Chunk
	nextSlot uint32

	// root is the host address of the PML4, inside the system chunk.
	root uintptr

	// highWater bumps forward inside the system chunk whenever an
	// intermediate page-table page must be allocated.
	highWater uintptr
	sysChunk  *Chunk
}

// New creates a Pager bound to a hypervisor VM. It immediately
// allocates the "system chunk" at guest-physical 0, which backs the
// page-table tree itself and other kernel-only structures (GDT, IDT,
// TSS, trampolines).
func New(log *slog.Logger, vm hypervisor.VM, systemChunkSize uint64) (*Pager, error) {
	p := &Pager{log: log, vm: vm}

	sysChunk, err := p.createChunkLocked(systemChunkSize, 0)
	if err != nil {
		return nil, err
	}
	p.sysChunk = sysChunk

	// Root PML4 lives at the very start of the system chunk.
	p.root = p.hostBase(sysChunk)
	p.highWater = p.root + PageSize
	zero(sysChunk.Host[:PageSize])

	return p, nil
}

func (p *Pager) hostBase(c *Chunk) uintptr {
	return hostPtr(c.Host)
}

// CreateChunk allocates a page-aligned host buffer and registers it
// with the hypervisor at the given guest-physical base.
func (p *Pager) CreateChunk(size, guestPhysBase uint64) (ChunkID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.createChunkLocked(size, guestPhysBase)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

func (p *Pager) createChunkLocked(size, guestPhysBase uint64) (*Chunk, error) {
	size = roundUpPage(size)

	host, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, vmerr.New(vmerr.Resource, "pager.CreateChunk", fmt.Errorf("mmap %d bytes: %w", size, err))
	}

	slot := p.nextSlot
	p.nextSlot++

	region := hypervisor.MemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysBase,
		MemorySize:    size,
		UserspaceAddr: uint64(hostPtr(host)),
	}
	if err := p.vm.RegisterMemory(region); err != nil {
		unix.Munmap(host)
		return nil, vmerr.New(vmerr.Resource, "pager.CreateChunk", err)
	}

	c := &Chunk{
		ID:        ChunkID(len(p.chunks)),
		Slot:      slot,
		Host:      host,
		GuestPhys: guestPhysBase,
		Size:      size,
	}
	p.chunks = append(p.chunks, c)
	p.log.Debug("chunk created", "id", c.ID, "slot", slot, "guest_phys", fmt.Sprintf("0x%x", guestPhysBase), "size", size)
	return c, nil
}

// ChunkRemap atomically unregisters, reallocates and re-registers a
// chunk with a new size; all previous contents are discarded (spec §3, §8 scenario 5).
func (p *Pager) ChunkRemap(id ChunkID, newSize uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(id) < 0 || int(id) >= len(p.chunks) {
		return vmerr.New(vmerr.Resource, "pager.ChunkRemap", fmt.Errorf("invalid chunk id %d", id))
	}
	old := p.chunks[id]

	if err := p.vm.UnregisterMemory(old.Slot); err != nil {
		return vmerr.New(vmerr.Resource, "pager.ChunkRemap", err)
	}
	unix.Munmap(old.Host)

	newSize = roundUpPage(newSize)
	host, err := unix.Mmap(-1, 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return vmerr.New(vmerr.Resource, "pager.ChunkRemap", fmt.Errorf("mmap %d bytes: %w", newSize, err))
	}

	region := hypervisor.MemoryRegion{
		Slot:          old.Slot,
		GuestPhysAddr: old.GuestPhys,
		MemorySize:    newSize,
		UserspaceAddr: uint64(hostPtr(host)),
	}
	if err := p.vm.RegisterMemory(region); err != nil {
		unix.Munmap(host)
		return vmerr.New(vmerr.Resource, "pager.ChunkRemap", err)
	}

	old.Host = host
	old.Size = newSize
	p.log.Info("chunk remapped", "id", id, "new_size", newSize)
	return nil
}

// GetChunk returns chunk i for enumeration/debugging.
func (p *Pager) GetChunk(i ChunkID) (*Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(i) < 0 || int(i) >= len(p.chunks) {
		return nil, false
	}
	return p.chunks[i], true
}

// ChunkCount returns the number of registered chunks.
func (p *Pager) ChunkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

// isCanonical rejects guest-virtual addresses with a non-canonical
// upper half (bits 63:48 must equal bit 47), per spec §4.A.
func isCanonical(v uint64) bool {
	top := v >> 47
	return top == 0 || top == 0x1ffff
}

func roundUpPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
