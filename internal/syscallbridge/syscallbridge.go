// Package syscallbridge unpacks the guest's pending syscall, translates
// pointer arguments through the pager, invokes a pluggable handler
// table, and writes the result back into the guest's registers
// (spec §4.H, §6 "System-call handler table").
//
// Argument translation follows the table-driven shape of
// avagin-gvisor's syscall tables (pkg/sentry/syscalls/linux): each
// entry names which of the six argument slots are guest pointers, so
// the default passthrough path can translate exactly those and leave
// scalar arguments untouched.
package syscallbridge

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/elkvm/monitor/internal/guest"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/vcpu"
	"github.com/elkvm/monitor/internal/vmerr"
)

// hltSize is the width, in bytes, of the HLT instruction the
// trampoline executes; rip is advanced past it after the syscall completes.
const hltSize = 1

// ArgKind classifies one of the six syscall argument slots.
type ArgKind int

const (
	ArgValue ArgKind = iota
	ArgPointer
)

// Handler services one syscall number with already-unpacked, not yet
// translated, raw argument words. Implementations that need pointer
// arguments call b.Translate themselves.
type Handler func(b *Bridge, c *vcpu.VCPU, args [6]uint64) (ret int64, errno unix.Errno)

// Entry is one row of the handler table (spec §6).
type Entry struct {
	Name    string
	Num     uintptr // host syscall number; the guest ABI matches the host's.
	PtrArgs [6]ArgKind
	Handle  Handler // nil means "default passthrough".
}

// Bridge owns the handler table and the resources handlers may need
// (pointer translation, the heap for mmap_before/after, the signal
// bookkeeping table for sigaction/sigprocmask).
type Bridge struct {
	log     *slog.Logger
	pager   *pager.Pager
	heap    *guest.Heap
	signals *guest.Signals

	table map[uint64]*Entry
}

// New builds a syscall bridge with the default handler table installed.
func New(log *slog.Logger, p *pager.Pager, h *guest.Heap, signals *guest.Signals) *Bridge {
	b := &Bridge{log: log, pager: p, heap: h, signals: signals, table: make(map[uint64]*Entry)}
	for i := range defaultTable {
		e := defaultTable[i]
		b.table[uint64(e.Num)] = &e
	}
	return b
}

// Override replaces or installs the handler for a syscall number,
// letting a monitor front end customize the table described in spec §6.
func (b *Bridge) Override(num uint64, name string, fn Handler) {
	b.table[num] = &Entry{Name: name, Num: uintptr(num), Handle: fn}
}

// Translate resolves a guest pointer to a host pointer, failing with
// -EFAULT semantics (spec "Translation failure propagation").
func (b *Bridge) Translate(guestP uint64) (uintptr, unix.Errno) {
	if guestP == 0 {
		return 0, 0
	}
	host, ok := b.pager.HostPointer(guestP)
	if !ok {
		return 0, unix.EFAULT
	}
	return host, 0
}

// Syscall services the pending hypercall: reads rax and the six
// argument registers, dispatches, and writes rax/rip on return
// (spec §4.H steps 1-5).
func (b *Bridge) Syscall(c *vcpu.VCPU) error {
	num := c.GetReg(vcpu.RAX)
	args := [6]uint64{
		c.GetReg(vcpu.RDI), c.GetReg(vcpu.RSI), c.GetReg(vcpu.RDX),
		c.GetReg(vcpu.R10), c.GetReg(vcpu.R8), c.GetReg(vcpu.R9),
	}

	entry, ok := b.table[num]
	if !ok {
		b.log.Debug("unknown syscall, returning ENOSYS", "num", num)
		return b.finish(c, -int64(unix.ENOSYS))
	}

	handle := entry.Handle
	if handle == nil {
		handle = b.passthrough(entry)
	}

	ret, errno := handle(b, c, args)
	if errno != 0 {
		ret = -int64(errno)
	}

	if ex, isExit := asExitGroup(entry, args); isExit {
		return vmerr.NewGuestExit(ex)
	}

	return b.finish(c, ret)
}

// finish writes the return value to rax and advances rip past the HLT.
func (b *Bridge) finish(c *vcpu.VCPU, ret int64) error {
	if err := c.SetReg(vcpu.RAX, uint64(ret)); err != nil {
		return err
	}
	return c.SetReg(vcpu.RIP, c.GetReg(vcpu.RIP)+hltSize)
}

func asExitGroup(e *Entry, args [6]uint64) (int, bool) {
	if e.Name != "exit_group" {
		return 0, false
	}
	return int(int32(args[0])), true
}

// passthrough builds a default Handler that translates the entry's
// pointer argument slots and re-issues the syscall against the host
// kernel (spec "Handlers that are null fall back to a passthrough").
func (b *Bridge) passthrough(e *Entry) Handler {
	return func(b *Bridge, c *vcpu.VCPU, args [6]uint64) (int64, unix.Errno) {
		var hargs [6]uintptr
		for i, kind := range e.PtrArgs {
			if kind == ArgPointer {
				host, errno := b.Translate(args[i])
				if errno != 0 {
					return 0, errno
				}
				hargs[i] = host
			} else {
				hargs[i] = uintptr(args[i])
			}
		}
		r1, _, errno := unix.Syscall6(e.Num, hargs[0], hargs[1], hargs[2], hargs[3], hargs[4], hargs[5])
		return int64(r1), errno
	}
}
