package syscallbridge

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/elkvm/monitor/internal/guest"
	"github.com/elkvm/monitor/internal/vcpu"
)

// defaultTable enumerates the handler-table entries named in spec §6.
// Entries with Handle == nil use the pointer-aware passthrough built
// in passthrough(); a handful of syscalls need monitor-side bookkeeping
// (exit_group terminates the run loop, mmap goes through the heap) and
// get explicit handlers instead.
var defaultTable = []Entry{
	{Name: "read", Num: unix.SYS_READ, PtrArgs: [6]ArgKind{ArgValue, ArgPointer, ArgValue}},
	{Name: "write", Num: unix.SYS_WRITE, PtrArgs: [6]ArgKind{ArgValue, ArgPointer, ArgValue}},
	{Name: "open", Num: unix.SYS_OPEN, PtrArgs: [6]ArgKind{ArgPointer, ArgValue, ArgValue}},
	{Name: "close", Num: unix.SYS_CLOSE},
	{Name: "stat", Num: unix.SYS_STAT, PtrArgs: [6]ArgKind{ArgPointer, ArgPointer}},
	{Name: "fstat", Num: unix.SYS_FSTAT, PtrArgs: [6]ArgKind{ArgValue, ArgPointer}},
	{Name: "lstat", Num: unix.SYS_LSTAT, PtrArgs: [6]ArgKind{ArgPointer, ArgPointer}},
	{Name: "poll", Num: unix.SYS_POLL, PtrArgs: [6]ArgKind{ArgPointer, ArgValue, ArgValue}},
	{Name: "lseek", Num: unix.SYS_LSEEK},
	{Name: "mmap", Num: unix.SYS_MMAP, Handle: handleMmap},
	{Name: "mprotect", Num: unix.SYS_MPROTECT, Handle: handleMprotect},
	{Name: "munmap", Num: unix.SYS_MUNMAP, Handle: handleMunmap},
	{Name: "sigaction", Num: unix.SYS_RT_SIGACTION, Handle: handleSigaction},
	{Name: "sigprocmask", Num: unix.SYS_RT_SIGPROCMASK, Handle: handleSigprocmask},
	{Name: "ioctl", Num: unix.SYS_IOCTL},
	{Name: "readv", Num: unix.SYS_READV, PtrArgs: [6]ArgKind{ArgValue, ArgPointer, ArgValue}},
	{Name: "writev", Num: unix.SYS_WRITEV, PtrArgs: [6]ArgKind{ArgValue, ArgPointer, ArgValue}},
	{Name: "access", Num: unix.SYS_ACCESS, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "pipe", Num: unix.SYS_PIPE, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "dup", Num: unix.SYS_DUP},
	{Name: "nanosleep", Num: unix.SYS_NANOSLEEP, PtrArgs: [6]ArgKind{ArgPointer, ArgPointer}},
	{Name: "getpid", Num: unix.SYS_GETPID},
	{Name: "getuid", Num: unix.SYS_GETUID},
	{Name: "getgid", Num: unix.SYS_GETGID},
	{Name: "geteuid", Num: unix.SYS_GETEUID},
	{Name: "getegid", Num: unix.SYS_GETEGID},
	{Name: "uname", Num: unix.SYS_UNAME, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "fcntl", Num: unix.SYS_FCNTL},
	{Name: "truncate", Num: unix.SYS_TRUNCATE, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "ftruncate", Num: unix.SYS_FTRUNCATE},
	{Name: "getdents", Num: unix.SYS_GETDENTS64, PtrArgs: [6]ArgKind{ArgValue, ArgPointer}},
	{Name: "getcwd", Num: unix.SYS_GETCWD, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "mkdir", Num: unix.SYS_MKDIR, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "unlink", Num: unix.SYS_UNLINK, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "readlink", Num: unix.SYS_READLINK, PtrArgs: [6]ArgKind{ArgPointer, ArgPointer}},
	{Name: "gettimeofday", Num: unix.SYS_GETTIMEOFDAY, PtrArgs: [6]ArgKind{ArgPointer, ArgPointer}},
	{Name: "getrusage", Num: unix.SYS_GETRUSAGE, PtrArgs: [6]ArgKind{ArgValue, ArgPointer}},
	{Name: "times", Num: unix.SYS_TIMES, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "statfs", Num: unix.SYS_STATFS, PtrArgs: [6]ArgKind{ArgPointer, ArgPointer}},
	{Name: "gettid", Num: unix.SYS_GETTID},
	{Name: "time", Num: unix.SYS_TIME, PtrArgs: [6]ArgKind{ArgPointer}},
	{Name: "futex", Num: unix.SYS_FUTEX, PtrArgs: [6]ArgKind{ArgPointer, ArgValue, ArgValue, ArgPointer}},
	{Name: "clock_gettime", Num: unix.SYS_CLOCK_GETTIME, PtrArgs: [6]ArgKind{ArgValue, ArgPointer}},
	{Name: "exit_group", Num: unix.SYS_EXIT_GROUP, Handle: handleExitGroup},
	{Name: "tgkill", Num: unix.SYS_TGKILL},
	{Name: "openat", Num: unix.SYS_OPENAT, PtrArgs: [6]ArgKind{ArgValue, ArgPointer, ArgValue, ArgValue}},
	{Name: "arch_prctl", Num: unix.SYS_ARCH_PRCTL, Handle: handleArchPrctl},
}

// arch_prctl codes (asm/prctl.h); FS is the only width sigaction/stack
// setup actually exercises (the guest's TLS base).
const (
	archSetFS = 0x1002
	archGetFS = 0x1003
	archSetGS = 0x1001
	archGetGS = 0x1004
)

// FS_BASE/GS_BASE MSRs, written directly on the VCPU rather than
// through a virtual task state the way avagin-gvisor's ArchPrctl goes
// through arch.Context64.SetTLS: this bridge has no task abstraction,
// so arch_prctl becomes a straight MSR read/write (spec §6 "arch_prctl").
const (
	msrFSBase uint32 = 0xC0000100
	msrGSBase uint32 = 0xC0000101
)

func handleArchPrctl(b *Bridge, c *vcpu.VCPU, args [6]uint64) (int64, unix.Errno) {
	switch args[0] {
	case archGetFS:
		fsbase, err := c.GetMSR(msrFSBase)
		if err != nil {
			return 0, unix.EIO
		}
		host, errno := b.Translate(args[1])
		if errno != 0 {
			return 0, errno
		}
		binary.LittleEndian.PutUint64(hostBytes(host, 8), fsbase)
		return 0, 0
	case archSetFS:
		if err := c.SetMSR(msrFSBase, args[1]); err != nil {
			return 0, unix.EIO
		}
		return 0, 0
	case archGetGS:
		gsbase, err := c.GetMSR(msrGSBase)
		if err != nil {
			return 0, unix.EIO
		}
		host, errno := b.Translate(args[1])
		if errno != 0 {
			return 0, errno
		}
		binary.LittleEndian.PutUint64(hostBytes(host, 8), gsbase)
		return 0, 0
	case archSetGS:
		if err := c.SetMSR(msrGSBase, args[1]); err != nil {
			return 0, unix.EIO
		}
		return 0, 0
	default:
		return 0, unix.EINVAL
	}
}

// handleExitGroup never actually reaches the host kernel: Syscall
// recognizes the "exit_group" entry by name after the handler runs
// and translates it into a GuestExit, so this handler only needs to
// surface the status for that check.
func handleExitGroup(b *Bridge, c *vcpu.VCPU, args [6]uint64) (int64, unix.Errno) {
	return int64(int32(args[0])), 0
}

// handleMmap is the mmap_before/mmap_after pair collapsed into one
// call: the heap picks the guest address (pre) and the mapping is
// recorded before returning it to the guest (post), per spec §4.H.
func handleMmap(b *Bridge, c *vcpu.VCPU, args [6]uint64) (int64, unix.Errno) {
	if b.heap == nil {
		return 0, unix.ENOSYS
	}
	addr, length := args[0], args[1]
	prot, flags, fd, offset := int32(args[2]), int32(args[3]), int32(args[4]), int64(args[5])
	m, err := b.heap.Mmap(addr, length, prot, flags, fd, offset)
	if err != nil {
		return 0, unix.ENOMEM
	}
	return int64(m.GuestP), 0
}

// handleMprotect resolves args[0] to a recorded mapping via the heap
// and re-protects its pages rather than passing a guest address
// straight to the host's own mprotect (spec §3 "Mapping").
func handleMprotect(b *Bridge, c *vcpu.VCPU, args [6]uint64) (int64, unix.Errno) {
	if b.heap == nil {
		return 0, unix.ENOSYS
	}
	if err := b.heap.Protect(args[0], int32(args[2])); err != nil {
		return 0, unix.EINVAL
	}
	return 0, 0
}

func handleMunmap(b *Bridge, c *vcpu.VCPU, args [6]uint64) (int64, unix.Errno) {
	if b.heap == nil {
		return 0, unix.ENOSYS
	}
	if err := b.heap.RemoveMapping(args[0]); err != nil {
		return 0, unix.EINVAL
	}
	return 0, 0
}

// sigactionSize is the layout of struct sigaction on x86-64: handler,
// flags, restorer and mask each occupy one 8-byte slot, in that order.
const sigactionSize = 32

// handleSigaction records the guest's handler table entries in
// b.signals rather than touching the host's own signal disposition:
// signal delivery into a running guest is a spec Non-goal, but a
// guest that reads back what it just installed still needs the
// bookkeeping (spec §6 "sigaction").
func handleSigaction(b *Bridge, c *vcpu.VCPU, args [6]uint64) (int64, unix.Errno) {
	if b.signals == nil {
		return 0, unix.ENOSYS
	}
	signum, newP, oldP := int(int32(args[0])), args[1], args[2]

	old, hadOld := b.signals.Handler(signum)
	if oldP != 0 && hadOld {
		if errno := writeSigaction(b, oldP, old); errno != 0 {
			return 0, errno
		}
	}
	if newP != 0 {
		act, errno := readSigaction(b, newP)
		if errno != 0 {
			return 0, errno
		}
		b.signals.SetHandler(signum, act)
	}
	return 0, 0
}

// handleSigprocmask applies SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK bit
// arithmetic in front of Signals.SetMask, which only knows how to
// overwrite (spec §6 "sigprocmask").
func handleSigprocmask(b *Bridge, c *vcpu.VCPU, args [6]uint64) (int64, unix.Errno) {
	if b.signals == nil {
		return 0, unix.ENOSYS
	}
	how, setP, oldP := int32(args[0]), args[1], args[2]
	old := b.signals.Mask()

	if oldP != 0 {
		host, errno := b.Translate(oldP)
		if errno != 0 {
			return 0, errno
		}
		binary.LittleEndian.PutUint64(hostBytes(host, 8), old)
	}
	if setP == 0 {
		return 0, 0
	}
	host, errno := b.Translate(setP)
	if errno != 0 {
		return 0, errno
	}
	set := binary.LittleEndian.Uint64(hostBytes(host, 8))

	var combined uint64
	switch how {
	case unix.SIG_BLOCK:
		combined = old | set
	case unix.SIG_UNBLOCK:
		combined = old &^ set
	case unix.SIG_SETMASK:
		combined = set
	default:
		return 0, unix.EINVAL
	}
	b.signals.SetMask(combined)
	return 0, 0
}

func readSigaction(b *Bridge, guestP uint64) (guest.Sigaction, unix.Errno) {
	host, errno := b.Translate(guestP)
	if errno != 0 {
		return guest.Sigaction{}, errno
	}
	buf := hostBytes(host, sigactionSize)
	return guest.Sigaction{
		Handler:  binary.LittleEndian.Uint64(buf[0:8]),
		Flags:    int32(binary.LittleEndian.Uint64(buf[8:16])),
		Restorer: binary.LittleEndian.Uint64(buf[16:24]),
		Mask:     binary.LittleEndian.Uint64(buf[24:32]),
	}, 0
}

func writeSigaction(b *Bridge, guestP uint64, act guest.Sigaction) unix.Errno {
	host, errno := b.Translate(guestP)
	if errno != 0 {
		return errno
	}
	buf := hostBytes(host, sigactionSize)
	binary.LittleEndian.PutUint64(buf[0:8], act.Handler)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(act.Flags))
	binary.LittleEndian.PutUint64(buf[16:24], act.Restorer)
	binary.LittleEndian.PutUint64(buf[24:32], act.Mask)
	return 0
}
