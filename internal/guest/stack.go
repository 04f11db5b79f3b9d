// Package guest builds and manages everything that lives inside the
// guest's address space once the page tables exist: the stack (with
// on-demand growth), the heap (mmap/brk bookkeeping), the ELF loader
// and the argv/envp/auxv environment builder (spec §3, §4.C-E).
package guest

import (
	"encoding/binary"
	"fmt"

	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/vmerr"
)

const (
	// LinuxStackBase is the top of the user stack on 64-bit Linux:
	// the original puts it at bit 47 (LINUX_64_STACK_BASE).
	LinuxStackBase uint64 = 0x0000_8000_0000_0000

	// StackGrow is the size of each stack-expansion region
	// (ELKVM_STACK_GROW in the original).
	StackGrow uint64 = 2 * 1024 * 1024

	// stackFloor bounds how far down automatic growth will go, to
	// catch runaway recursion instead of silently consuming all guest
	// memory.
	stackFloor uint64 = LinuxStackBase - 256*StackGrow

	kernelStackSize uint64 = 2 * pager.PageSize
)

// Stack is the per-VCPU user stack plus its ring-0 kernel stack
// (spec §3 "Stack descriptor", §4.C).
type Stack struct {
	pager *pager.Pager
	rm    *region.Manager

	regions []*region.Region // ordered low-to-high guest address.
	bottom  uint64           // lowest currently mapped guest address.

	kernelStack *region.Region
}

// NewStack allocates and maps the initial stack region (its top at
// LinuxStackBase) and a fixed-size kernel stack used during ring-0
// transitions.
func NewStack(p *pager.Pager, rm *region.Manager) (*Stack, error) {
	s := &Stack{pager: p, rm: rm}

	first, err := rm.AllocateRegion(StackGrow, "stack")
	if err != nil {
		return nil, vmerr.New(vmerr.Resource, "guest.NewStack", err)
	}
	guestBase := LinuxStackBase - StackGrow
	if err := p.MapRegion(first.HostBase, guestBase, int(StackGrow/pager.PageSize), pager.Opts{Write: true, Exec: false}); err != nil {
		return nil, err
	}
	first.SetGuestAddr(guestBase)
	s.regions = append(s.regions, first)
	s.bottom = guestBase

	kstack, err := rm.AllocateRegion(kernelStackSize, "kernel-stack")
	if err != nil {
		return nil, vmerr.New(vmerr.Resource, "guest.NewStack", err)
	}
	s.kernelStack = kstack

	return s, nil
}

// Top returns the initial stack pointer value (the top of the stack,
// before any pushes).
func (s *Stack) Top() uint64 { return LinuxStackBase }

// KernelBase returns the host address of the kernel stack region's
// base. NewStack does not map this region into the guest page tables.
func (s *Stack) KernelBase() uintptr { return s.kernelStack.HostBase }

// KernelTop returns the host address one past the end of the kernel
// stack.
func (s *Stack) KernelTop() uintptr { return s.kernelStack.HostBase + uintptr(kernelStackSize) }

// Push writes val at *rsp-8 and updates *rsp, through the pager.
func (s *Stack) Push(rsp *uint64, val uint64) error {
	*rsp -= 8
	host, ok := s.pager.HostPointer(*rsp)
	if !ok {
		return vmerr.New(vmerr.Translation, "guest.Stack.Push", fmt.Errorf("rsp 0x%x unmapped", *rsp))
	}
	binary.LittleEndian.PutUint64(hostBytes(host, 8), val)
	return nil
}

// Pop reads the value at *rsp and advances *rsp by 8.
func (s *Stack) Pop(rsp *uint64) (uint64, error) {
	host, ok := s.pager.HostPointer(*rsp)
	if !ok {
		return 0, vmerr.New(vmerr.Translation, "guest.Stack.Pop", fmt.Errorf("rsp 0x%x unmapped", *rsp))
	}
	val := binary.LittleEndian.Uint64(hostBytes(host, 8))
	*rsp += 8
	return val, nil
}

// IsStackExpansion reports whether a faulting address is within one
// page below the current stack bottom and above the configured floor
// (spec §3 invariant).
func (s *Stack) IsStackExpansion(pfla uint64) bool {
	if pfla < stackFloor || pfla >= s.bottom {
		return false
	}
	return s.bottom-pfla <= pager.PageSize
}

// Grow allocates one more StackGrow-sized region, maps it immediately
// below the current bottom, and advances the bottom. Repeated faults
// at the same address cause exactly one allocation, because after the
// first Grow the faulting address is no longer below the (new) bottom
// (spec §8 "Stack growth idempotence").
func (s *Stack) Grow(pfla uint64) error {
	if !s.IsStackExpansion(pfla) {
		return vmerr.New(vmerr.Fatal, "guest.Stack.Grow", fmt.Errorf("0x%x is not a stack-expansion fault", pfla))
	}

	r, err := s.rm.AllocateRegion(StackGrow, "stack")
	if err != nil {
		return vmerr.New(vmerr.Resource, "guest.Stack.Grow", err)
	}
	newBottom := s.bottom - StackGrow
	if err := s.pager.MapRegion(r.HostBase, newBottom, int(StackGrow/pager.PageSize), pager.Opts{Write: true, Exec: false}); err != nil {
		return err
	}
	r.SetGuestAddr(newBottom)
	s.regions = append([]*region.Region{r}, s.regions...)
	s.bottom = newBottom
	return nil
}
