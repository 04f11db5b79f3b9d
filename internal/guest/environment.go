package guest

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/vmerr"
)

// Auxv entry types this monitor sets, per spec §4.E.
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atEntry  = 9
	atRandom = 25
)

// AuxvEnv bundles the auxv values derived from the loaded ELF.
type AuxvEnv struct {
	Phdr, Phent, Phnum, Entry uint64
}

// BuildEnvironment composes the System V AMD64 initial stack: argc,
// argv pointers, envp pointers, auxv entries, then the string pool
// and 16 random bytes for AT_RANDOM, all within one dedicated region.
// It returns the guest rsp to install (spec §4.E).
func BuildEnvironment(p *pager.Pager, rm *region.Manager, argv, envp []string, aux AuxvEnv, size uint64) (uint64, error) {
	r, err := rm.AllocateRegion(size, "environment")
	if err != nil {
		return 0, vmerr.New(vmerr.Resource, "guest.BuildEnvironment", err)
	}

	guestBase := findEnvironmentBase(rm, size)
	if err := p.MapRegion(r.HostBase, guestBase, int(size/pager.PageSize), pager.Opts{Write: true}); err != nil {
		return 0, err
	}
	r.SetGuestAddr(guestBase)

	// Strings and AT_RANDOM bytes are placed at the top of the region,
	// working down, so that pointer tables below them have stable
	// offsets computed in one pass.
	top := guestBase + size
	writeString := func(s string) (uint64, error) {
		b := append([]byte(s), 0)
		top -= uint64(len(b))
		host, ok := p.HostPointer(top)
		if !ok {
			return 0, vmerr.New(vmerr.Translation, "guest.BuildEnvironment", fmt.Errorf("string pool overflowed region"))
		}
		copy(hostBytes(host, len(b)), b)
		return top, nil
	}

	var randBytes [16]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return 0, vmerr.New(vmerr.Resource, "guest.BuildEnvironment", err)
	}
	top -= 16
	randHost, ok := p.HostPointer(top)
	if !ok {
		return 0, vmerr.New(vmerr.Translation, "guest.BuildEnvironment", fmt.Errorf("AT_RANDOM placement overflowed region"))
	}
	copy(hostBytes(randHost, 16), randBytes[:])
	atRandomAddr := top

	argvPtrs := make([]uint64, len(argv))
	for i, s := range argv {
		addr, err := writeString(s)
		if err != nil {
			return 0, err
		}
		argvPtrs[i] = addr
	}
	envPtrs := make([]uint64, len(envp))
	for i, s := range envp {
		addr, err := writeString(s)
		if err != nil {
			return 0, err
		}
		envPtrs[i] = addr
	}

	// Now lay out argc/argv/envp/auxv at the bottom of the region, growing up.
	cursor := guestBase
	write64 := func(v uint64) error {
		host, ok := p.HostPointer(cursor)
		if !ok {
			return vmerr.New(vmerr.Translation, "guest.BuildEnvironment", fmt.Errorf("pointer table overflowed region"))
		}
		binary.LittleEndian.PutUint64(hostBytes(host, 8), v)
		cursor += 8
		return nil
	}

	if err := write64(uint64(len(argv))); err != nil {
		return 0, err
	}
	for _, a := range argvPtrs {
		if err := write64(a); err != nil {
			return 0, err
		}
	}
	if err := write64(0); err != nil {
		return 0, err
	}
	for _, e := range envPtrs {
		if err := write64(e); err != nil {
			return 0, err
		}
	}
	if err := write64(0); err != nil {
		return 0, err
	}

	auxvPairs := [][2]uint64{
		{atPhdr, aux.Phdr},
		{atPhent, aux.Phent},
		{atPhnum, aux.Phnum},
		{atPagesz, pager.PageSize},
		{atEntry, aux.Entry},
		{atRandom, atRandomAddr},
	}
	for _, pair := range auxvPairs {
		if err := write64(pair[0]); err != nil {
			return 0, err
		}
		if err := write64(pair[1]); err != nil {
			return 0, err
		}
	}
	if err := write64(atNull); err != nil {
		return 0, err
	}
	if err := write64(0); err != nil {
		return 0, err
	}

	if cursor > top {
		return 0, vmerr.New(vmerr.Resource, "guest.BuildEnvironment", fmt.Errorf("pointer tables collided with string pool"))
	}

	return guestBase, nil
}

// findEnvironmentBase picks a guest-virtual address for the
// environment region below the initial stack region, leaving a gap of
// one StackGrow region between the two.
func findEnvironmentBase(rm *region.Manager, size uint64) uint64 {
	// The environment region is placed directly below the initial
	// stack region; callers construct the Stack first, so this is a
	// fixed offset from LinuxStackBase - StackGrow, with headroom for
	// one more stack-growth region in between.
	return LinuxStackBase - StackGrow - StackGrow - size
}
