package guest

import "github.com/elkvm/monitor/internal/region"

// Sigaction mirrors the fields of struct sigaction the monitor needs
// to remember on behalf of the guest (spec §6 sigaction/sigprocmask
// handler table entries).
type Sigaction struct {
	Handler  uint64
	Mask     uint64
	Flags    int32
	Restorer uint64
}

// Signals tracks the guest's registered signal handlers and the
// "cleanup" trampoline used to return from a delivered signal.
//
// Grounded in the original's `elkvm_signals sigs` and
// `elkvm_flat sighandler_cleanup` fields (vm.cc): actual signal
// delivery into a running guest is a spec Non-goal, but the
// bookkeeping those fields represent is in scope so sigaction/
// sigprocmask passthrough has somewhere to record state.
type Signals struct {
	handlers map[int]Sigaction
	blocked  uint64
	cleanup  *region.Region // holds the "signal" trampoline blob once loaded.
}

// NewSignals creates an empty signal table.
func NewSignals() *Signals {
	return &Signals{handlers: make(map[int]Sigaction)}
}

// SetHandler installs (or clears, with a zero-valued act) a handler
// for signum, returning the previous one.
func (s *Signals) SetHandler(signum int, act Sigaction) Sigaction {
	old := s.handlers[signum]
	s.handlers[signum] = act
	return old
}

// Handler returns the currently registered handler for signum.
func (s *Signals) Handler(signum int) (Sigaction, bool) {
	act, ok := s.handlers[signum]
	return act, ok
}

// SetMask overwrites the blocked-signal bitmask and returns the
// previous mask, mirroring sigprocmask's SIG_SETMASK behavior; the
// syscall bridge's sigprocmask handler is responsible for SIG_BLOCK/
// SIG_UNBLOCK bit arithmetic before calling this.
func (s *Signals) SetMask(mask uint64) uint64 {
	old := s.blocked
	s.blocked = mask
	return old
}

// Mask returns the currently blocked-signal bitmask.
func (s *Signals) Mask() uint64 { return s.blocked }

// SetCleanupTrampoline records the region backing the loaded "signal"
// trampoline blob (spec §6 "Trampoline blobs").
func (s *Signals) SetCleanupTrampoline(r *region.Region) { s.cleanup = r }

// CleanupEntry returns the guest address of the signal-return
// trampoline, or 0 if it has not been loaded.
func (s *Signals) CleanupEntry() uint64 {
	if s.cleanup == nil {
		return 0
	}
	return s.cleanup.GuestVirt
}
