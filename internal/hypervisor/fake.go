package hypervisor

import "fmt"

// Fake is an in-memory hypervisor.Device used by tests (the "fake
// provides the interface" half of spec §9's capability-interface
// redesign). It does not actually run guest code: FakeVCPU.Run just
// returns whatever ExitReason the test queued.
type Fake struct {
	MSRs []uint32
}

func NewFake() *Fake { return &Fake{MSRs: []uint32{0xC0000082, 0xC0000081, 0xC0000080}} }

func (f *Fake) APIVersion() (int, error) { return expectedAPIVersionFake, nil }

const expectedAPIVersionFake = 12

func (f *Fake) SupportedMSRs() ([]uint32, error) { return f.MSRs, nil }

func (f *Fake) VCPUMMapSize() (int, error) { return 4096, nil }

func (f *Fake) CreateVM() (VM, error) {
	return &FakeVM{regions: map[uint32]MemoryRegion{}}, nil
}

func (f *Fake) Close() error { return nil }

// FakeVM is the in-memory VM side of Fake.
type FakeVM struct {
	regions map[uint32]MemoryRegion
	vcpus   []*FakeVCPU
}

func (v *FakeVM) RegisterMemory(region MemoryRegion) error {
	if region.MemorySize == 0 {
		delete(v.regions, region.Slot)
		return nil
	}
	v.regions[region.Slot] = region
	return nil
}

func (v *FakeVM) UnregisterMemory(slot uint32) error {
	delete(v.regions, slot)
	return nil
}

func (v *FakeVM) CreateVCPU(id int) (VCPU, error) {
	c := &FakeVCPU{id: id, run: &RunData{}}
	v.vcpus = append(v.vcpus, c)
	return c, nil
}

func (v *FakeVM) Close() error { return nil }

// FakeVCPU is a scriptable VCPU: tests push exit reasons onto Exits
// and Run() pops them in order.
type FakeVCPU struct {
	id    int
	regs  Regs
	sregs Sregs
	run   *RunData
	Exits []ExitReason

	SingleStep bool
}

func (c *FakeVCPU) Run() error {
	if len(c.Exits) == 0 {
		return fmt.Errorf("fake vcpu %d: no scripted exit remaining", c.id)
	}
	c.run.ExitReason = uint32(c.Exits[0])
	c.Exits = c.Exits[1:]
	return nil
}

func (c *FakeVCPU) RunData() *RunData { return c.run }

func (c *FakeVCPU) GetRegs() (Regs, error) { return c.regs, nil }

func (c *FakeVCPU) SetRegs(r Regs) error { c.regs = r; return nil }

func (c *FakeVCPU) GetSregs() (Sregs, error) { return c.sregs, nil }

func (c *FakeVCPU) SetSregs(s Sregs) error { c.sregs = s; return nil }

func (c *FakeVCPU) GetMSRs(indices []uint32) ([]MSR, error) {
	out := make([]MSR, len(indices))
	for i, idx := range indices {
		out[i] = MSR{Index: idx}
	}
	return out, nil
}

func (c *FakeVCPU) SetMSRs(msrs []MSR) error { return nil }

func (c *FakeVCPU) SetSingleStep(on bool) error { c.SingleStep = on; return nil }

func (c *FakeVCPU) Close() error { return nil }
