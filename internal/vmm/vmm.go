// Package vmm is the top-level VM owner: it wires the pager, region
// manager, guest stack/heap, trampolines, syscall bridge, interrupt
// handler and dispatcher into one runnable guest (spec §2 "Data
// flow", §5 "Concurrency & Resource Model").
package vmm

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/elkvm/monitor/internal/debughook"
	"github.com/elkvm/monitor/internal/dispatch"
	"github.com/elkvm/monitor/internal/guest"
	"github.com/elkvm/monitor/internal/hypervisor"
	"github.com/elkvm/monitor/internal/interrupt"
	"github.com/elkvm/monitor/internal/pager"
	"github.com/elkvm/monitor/internal/region"
	"github.com/elkvm/monitor/internal/syscallbridge"
	"github.com/elkvm/monitor/internal/trampoline"
	"github.com/elkvm/monitor/internal/vcpu"
	"github.com/elkvm/monitor/internal/vmerr"
)

const (
	systemChunkSize = 4 * 1024 * 1024
	userChunkSize   = 256 * 1024 * 1024
	heapInitialSize = 16 * pager.PageSize
	environmentSize = 64 * pager.PageSize
	trampolineBase  = 0x0000_0000_0001_0000
)

// Config names the three trampoline blobs and the debug-stub toggle
// (spec §6 "Trampoline blobs", §9 supplemented "-D" stub hook).
type Config struct {
	ISRPath    string
	EntryPath  string
	SignalPath string
	Debug      bool // raises internal debug output, independent of -D.
	GDBStub    bool // -D: start with the debug hook shell attached.
}

// VM owns one guest's entire address space and its VCPUs. Per spec §5,
// the pager and region manager are mutated only under mu whenever more
// than one VCPU is active.
type VM struct {
	mu sync.Mutex

	log    *slog.Logger
	device hypervisor.Device
	hv     hypervisor.VM

	pager   *pager.Pager
	regions *region.Manager

	userChunk pager.ChunkID

	heap    *guest.Heap
	signals *guest.Signals
	bridge  *syscallbridge.Bridge
	interp  *interrupt.Handler
	hook    *debughook.Hook

	cpus   []*vcpu.VCPU
	stacks []*guest.Stack

	limits map[string]unix.Rlimit
}

// New opens a VM on device and prepares its system and user chunks.
func New(log *slog.Logger, device hypervisor.Device) (*VM, error) {
	hv, err := device.CreateVM()
	if err != nil {
		return nil, vmerr.New(vmerr.Resource, "vmm.New", err)
	}

	p, err := pager.New(log, hv, systemChunkSize)
	if err != nil {
		return nil, err
	}
	rm := region.New(log)

	userChunkID, err := p.CreateChunk(userChunkSize, pager.ELKVMUserChunkOffset)
	if err != nil {
		return nil, err
	}
	chunk, _ := p.GetChunk(userChunkID)
	rm.AddChunk(userChunkID, chunk.HostPtr(), chunk.Size, "user")

	vm := &VM{
		log:       log,
		device:    device,
		hv:        hv,
		pager:     p,
		regions:   rm,
		userChunk: userChunkID,
		signals:   guest.NewSignals(),
		limits:    snapshotRlimits(),
	}
	return vm, nil
}

// InitialLimits returns the host process's RLIMIT_* snapshot taken at
// construction (spec §9 supplemented "rlimits initialization").
func (vm *VM) InitialLimits() map[string]unix.Rlimit { return vm.limits }

// RemapChunk exposes the pager's chunk_remap as a VM-level operation
// (spec §9 supplemented feature). Neither the CLI nor the debug shell
// calls it.
func (vm *VM) RemapChunk(id pager.ChunkID, newSize uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.pager.ChunkRemap(id, newSize)
}

// Boot loads a static ELF binary, builds its stack, heap and
// environment, creates VCPU 0, and wires the syscall bridge and
// interrupt handler. It returns the ready-to-run VCPU.
func (vm *VM) Boot(path string, argv, envp []string, cfg Config) (*vcpu.VCPU, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerr.New(vmerr.Format, "vmm.Boot", fmt.Errorf("read %s: %w", path, err))
	}

	loaded, err := guest.LoadELF(data, vm.pager, vm.regions)
	if err != nil {
		return nil, err
	}

	stack, err := guest.NewStack(vm.pager, vm.regions)
	if err != nil {
		return nil, err
	}
	vm.stacks = append(vm.stacks, stack)

	heapBase := pager.ELKVMUserChunkOffset + userChunkSize/2
	heap, err := guest.NewHeap(vm.pager, vm.regions, heapBase, heapInitialSize)
	if err != nil {
		return nil, err
	}
	vm.heap = heap

	aux := guest.AuxvEnv{Phdr: loaded.Phdr, Phent: loaded.Phent, Phnum: loaded.Phnum, Entry: loaded.Entry}
	rsp, err := guest.BuildEnvironment(vm.pager, vm.regions, argv, envp, aux, environmentSize)
	if err != nil {
		return nil, err
	}

	hvVCPU, err := vm.hv.CreateVCPU(0)
	if err != nil {
		return nil, vmerr.New(vmerr.Resource, "vmm.Boot", err)
	}
	cpu := vcpu.New(0, vm.log, hvVCPU, vm.pager, stack)
	if err := cpu.SetReg(vcpu.RIP, loaded.Entry); err != nil {
		return nil, err
	}
	if err := cpu.SetReg(vcpu.RSP, rsp); err != nil {
		return nil, err
	}
	vm.cpus = append(vm.cpus, cpu)

	if cfg.ISRPath != "" {
		blobs, err := trampoline.Load(cfg.ISRPath, cfg.EntryPath, cfg.SignalPath, trampolineBase, vm.pager, vm.regions)
		if err != nil {
			return nil, err
		}
		supported, err := vm.device.SupportedMSRs()
		if err != nil {
			return nil, vmerr.New(vmerr.Resource, "vmm.Boot", err)
		}
		if err := trampoline.InstallSyscallEntry(cpu, blobs, supported); err != nil {
			return nil, err
		}
	}

	vm.bridge = syscallbridge.New(vm.log, vm.pager, vm.heap, vm.signals)
	vm.hook = debughook.New(vm.log, vm.readMemory, vm.writeMemory)
	if cfg.GDBStub {
		vm.hook.Attach(debughook.NewShell(os.Stdin, "(elkvm) ").Run)
	}
	vm.interp = interrupt.New(vm.log, vm.hook)

	return cpu, nil
}

// Run drives VCPU 0's dispatch loop to completion and returns the
// guest's exit status (spec §4.G "terminates when the guest issues
// exit_group or a handler returns Fatal").
func (vm *VM) Run() (int, error) {
	if len(vm.cpus) == 0 {
		return 0, vmerr.New(vmerr.Fatal, "vmm.Run", fmt.Errorf("no vcpu booted"))
	}
	loop := dispatch.New(vm.log, vm.cpus[0], vm.bridge, vm.interp, vm.hook)
	return loop.Run()
}

// Close tears down the VM and its hypervisor resources.
func (vm *VM) Close() error {
	return vm.hv.Close()
}

func (vm *VM) readMemory(guestV uint64, length int) ([]byte, error) {
	host, ok := vm.pager.HostPointer(guestV)
	if !ok {
		return nil, vmerr.New(vmerr.Translation, "vmm.readMemory", fmt.Errorf("0x%x unmapped", guestV))
	}
	return append([]byte(nil), hostBytes(host, length)...), nil
}

func (vm *VM) writeMemory(guestV uint64, data []byte) error {
	host, ok := vm.pager.HostPointer(guestV)
	if !ok {
		return vmerr.New(vmerr.Translation, "vmm.writeMemory", fmt.Errorf("0x%x unmapped", guestV))
	}
	copy(hostBytes(host, len(data)), data)
	return nil
}

// rlimitNames enumerates the resources init_rlimits snapshots in the
// original source (vm.cc): the common process ceilings a guest's
// getrlimit/setrlimit passthrough needs a baseline for.
var rlimitNames = map[string]int{
	"nofile": unix.RLIMIT_NOFILE,
	"stack":  unix.RLIMIT_STACK,
	"as":     unix.RLIMIT_AS,
	"cpu":    unix.RLIMIT_CPU,
	"nproc":  unix.RLIMIT_NPROC,
}

func snapshotRlimits() map[string]unix.Rlimit {
	out := make(map[string]unix.Rlimit, len(rlimitNames))
	for name, resource := range rlimitNames {
		var rlim unix.Rlimit
		if err := unix.Getrlimit(resource, &rlim); err == nil {
			out[name] = rlim
		}
	}
	return out
}
