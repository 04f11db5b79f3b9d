package pager

import (
	"fmt"
	"unsafe"

	"github.com/elkvm/monitor/internal/vmerr"
)

// pte is one page-table entry: present/write/user/exec bits plus a
// guest-physical frame number (spec §3 "Page-table tree").
type pte uint64

func (e pte) present() bool { return e&ptePresent != 0 }
func (e pte) frame() uint64 { return uint64(e) & pteFrameFmt }

func makePTE(phys uint64, opts Opts) pte {
	v := (phys &^ (PageSize - 1)) | ptePresent
	if opts.Write {
		v |= pteWrite
	}
	if opts.User {
		v |= pteUser
	}
	if !opts.Exec {
		v |= pteNoExec
	}
	return pte(v)
}

func hostPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// physToHost walks the chunk list to find the host buffer backing a
// guest-physical address. Callers must hold p.mu.
func (p *Pager) physToHost(phys uint64) (uintptr, bool) {
	for _, c := range p.chunks {
		if c.containsPhys(phys) {
			return p.hostBase(c) + uintptr(phys-c.GuestPhys), true
		}
	}
	return 0, false
}

// hostToPhys is the inverse of physToHost, used when registering a
// host pointer's backing page as a page-table frame.
func (p *Pager) hostToPhys(host uintptr) (uint64, bool) {
	for _, c := range p.chunks {
		base := p.hostBase(c)
		if host >= base && host < base+uintptr(c.Size) {
			return c.GuestPhys + uint64(host-base), true
		}
	}
	return 0, false
}

// tableAt returns the 512-entry page table whose host address is host.
func tableAt(host uintptr) *[pteCount]pte {
	return (*[pteCount]pte)(unsafe.Pointer(host))
}

// allocTable bumps the system chunk's high-water mark by one page and
// returns its host address, zeroed and ready to hold 512 PTEs.
// Callers must hold p.mu.
func (p *Pager) allocTable() (uintptr, error) {
	end := p.hostBase(p.sysChunk) + uintptr(p.sysChunk.Size)
	if p.highWater+PageSize > end {
		return 0, vmerr.New(vmerr.Resource, "pager.allocTable", fmt.Errorf("system chunk exhausted"))
	}
	addr := p.highWater
	p.highWater += PageSize
	zero(unsafe.Slice((*byte)(unsafe.Pointer(addr)), PageSize))
	return addr, nil
}

func index(v uint64, level int) int {
	return int((v >> uint(12+9*level)) & 0x1ff)
}

// walkCreate walks the 4-level tree from root, allocating any missing
// intermediate table from the system chunk, and returns the host
// address of the leaf PTE slot for guestVirt. Callers must hold p.mu.
func (p *Pager) walkCreate(root uintptr, guestVirt uint64) (*pte, error) {
	table := tableAt(root)
	for level := 3; level >= 1; level-- {
		i := index(guestVirt, level)
		entry := table[i]
		var next uintptr
		if entry.present() {
			host, ok := p.physToHost(entry.frame())
			if !ok {
				return nil, vmerr.New(vmerr.Conflict, "pager.walkCreate", fmt.Errorf("dangling intermediate entry"))
			}
			next = host
		} else {
			allocated, err := p.allocTable()
			if err != nil {
				return nil, err
			}
			phys, ok := p.hostToPhys(allocated)
			if !ok {
				return nil, vmerr.New(vmerr.Resource, "pager.walkCreate", fmt.Errorf("allocated table has no guest-physical backing"))
			}
			table[i] = makePTE(phys, Opts{Write: true, User: true, Exec: true})
			next = allocated
		}
		table = tableAt(next)
	}
	i := index(guestVirt, 0)
	return &table[i], nil
}

// walk looks up the leaf PTE for guestVirt without allocating.
// Callers must hold p.mu.
func (p *Pager) walk(guestVirt uint64) (*pte, bool) {
	table := tableAt(p.root)
	for level := 3; level >= 1; level-- {
		entry := table[index(guestVirt, level)]
		if !entry.present() {
			return nil, false
		}
		host, ok := p.physToHost(entry.frame())
		if !ok {
			return nil, false
		}
		table = tableAt(host)
	}
	e := &table[index(guestVirt, 0)]
	if !e.present() {
		return nil, false
	}
	return e, true
}

// mapPage installs one PTE for guestVirt -> the page backing hostP.
// Idempotent if the existing entry already matches; a mismatched
// existing entry is overwritten (the later call wins) and a warning
// is logged.
func (p *Pager) mapPage(hostP uintptr, guestVirt uint64, opts Opts) error {
	if !isCanonical(guestVirt) {
		return vmerr.New(vmerr.Resource, "pager.mapPage", fmt.Errorf("non-canonical guest address 0x%x", guestVirt))
	}
	phys, ok := p.hostToPhys(hostP)
	if !ok {
		return vmerr.New(vmerr.Resource, "pager.mapPage", fmt.Errorf("host pointer not backed by any chunk"))
	}

	slot, err := p.walkCreate(p.root, guestVirt)
	if err != nil {
		return err
	}
	want := makePTE(phys, opts)
	if slot.present() {
		if *slot == want {
			return nil
		}
		p.log.Warn("overwriting existing page-table entry", "guest_virt", fmt.Sprintf("0x%x", guestVirt))
	}
	*slot = want
	return nil
}

// MapUserPage maps one user-accessible page.
func (p *Pager) MapUserPage(hostP uintptr, guestVirt uint64, opts Opts) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	opts.User = true
	return p.mapPage(hostP, guestVirt, opts)
}

// MapKernelPage maps one ring-0-only page and returns the guest
// virtual address used (equal to guestVirt, unless 0 was passed to
// request an address — kernel pages always use an explicit address in
// this implementation).
func (p *Pager) MapKernelPage(hostP uintptr, guestVirt uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	opts := Opts{Write: true, User: false, Exec: true}
	if err := p.mapPage(hostP, guestVirt, opts); err != nil {
		return 0, err
	}
	return guestVirt, nil
}

// MapRegion maps npages contiguous pages starting at hostBase/guestBase.
func (p *Pager) MapRegion(hostBase uintptr, guestBase uint64, npages int, opts Opts) error {
	for i := 0; i < npages; i++ {
		off := uintptr(i) * PageSize
		if err := p.MapUserPage(hostBase+off, guestBase+uint64(off), opts); err != nil {
			return err
		}
	}
	return nil
}

// Unmap clears npages PTEs starting at guestVirt. Intermediate tables
// are not reclaimed (spec §4.A: bounded leak, not a correctness issue).
func (p *Pager) Unmap(guestVirt uint64, npages int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < npages; i++ {
		v := guestVirt + uint64(i)*PageSize
		if e, ok := p.walk(v); ok {
			*e = 0
		}
	}
	return nil
}

// HostPointer walks the table and translates guestVirt to a host
// address, or returns ok=false if unmapped.
func (p *Pager) HostPointer(guestVirt uint64) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.walk(guestVirt)
	if !ok {
		return 0, false
	}
	host, ok := p.physToHost(e.frame())
	if !ok {
		return 0, false
	}
	return host + uintptr(guestVirt&(PageSize-1)), true
}

// DumpPageTables prints the populated top-level entries for debugging.
func (p *Pager) DumpPageTables() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := fmt.Sprintf("PML4 @ host 0x%x\n", p.root)
	table := tableAt(p.root)
	for i, e := range table {
		if e.present() {
			s += fmt.Sprintf("  [%3d] -> phys 0x%x\n", i, e.frame())
		}
	}
	return s
}
