// Package vmm implements VM lifecycle management (spec component C10). It
// generalizes the teacher's virtual_machine.go — guest memory mmap, GDT/
// paging bootstrap, device registration, and the per-vCPU goroutine
// Run/Stop/Close sequence — into the full lifecycle state diagram spec.md
// §4.10 names (Poweroff → Created → Running ⇄ Paused → Poweroff), BSP/AP
// bring-up, and supervision via golang.org/x/sync/errgroup instead of the
// teacher's bare channel-counting, so one vCPU's fatal error tears the
// whole VM down instead of leaking the other goroutines.
package vmm

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"partitionhv/internal/hverr"
	"partitionhv/internal/hvlog"
	"partitionhv/internal/iobus"
	"partitionhv/internal/ioapic"
	"partitionhv/internal/ioreq"
	"partitionhv/internal/kvmapi"
	"partitionhv/internal/lapic"
	"partitionhv/internal/mmiobus"
	"partitionhv/internal/msr"
	"partitionhv/internal/pic"
	"partitionhv/internal/vcpu"
	"partitionhv/internal/vmconfig"
)

var log = hvlog.New("vmm")

// State is the VM lifecycle state from spec.md §4.10.
type State int

const (
	StatePoweroff State = iota
	StateCreated
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePoweroff:
		return "Poweroff"
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// GDT/paging constants, matching the teacher's hypervisor/gdt.go and
// hypervisor/paging.go bit layout.
const (
	pteP  = 1 << 0
	pteRW = 1 << 1
	ptePS = 1 << 7
)

// VM owns one guest's memory, vCPUs, device complex, and lifecycle state.
type VM struct {
	cfg *vmconfig.VMConfig

	kvm         *kvmapi.VM
	guestMemory []byte

	vcpus  []*vcpu.VCPU
	pic    *pic.Device
	lapics []*lapic.LAPIC
	ioapic *ioapic.Device
	msrs   []*msr.Emulator // one per vCPU; APIC_BASE/x2APIC state is per-vCPU, not VM-global
	ioreq  *ioreq.Channel
	bus    *iobus.Bus
	mmio   *mmiobus.Bus

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New opens /dev/kvm, creates a machine, mmaps guest memory, and builds
// the vCPUs described by cfg. The VM starts in StateCreated; callers wire
// up devices on Bus() before calling Start.
func New(cfg *vmconfig.VMConfig) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k, err := kvmapi.Open()
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(-1, 0, int(cfg.MemoryBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		k.Close()
		return nil, hverr.Fatal("vmm: mmap guest memory: %w", err)
	}
	if err := k.SetUserMemoryRegion(kvmapi.MemoryRegion{
		Slot: 0, GuestPhysAddr: 0, MemorySize: cfg.MemoryBytes, UserspaceAddr: guestMemAddr(mem),
	}); err != nil {
		unix.Munmap(mem)
		k.Close()
		return nil, hverr.Fatal("vmm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	vm := &VM{
		cfg:         cfg,
		kvm:         k,
		guestMemory: mem,
		pic:         pic.New(),
		bus:         iobus.New(),
		mmio:        mmiobus.New(),
		state:       StateCreated,
	}
	vm.ioapic = ioapic.New(nil) // router wired in below once the LAPIC complex exists
	vm.mmio.Register(ioapic.BaseAddress, 0x20, vm.ioapic)
	vm.ioreq = ioreq.New(int64(cfg.NumVCPUs))

	mmapSize, err := k.VCPUMmapSize()
	if err != nil {
		vm.Close()
		return nil, hverr.Fatal("vmm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	if err := k.EnableUserSpaceMSR(); err != nil {
		vm.Close()
		return nil, hverr.Fatal("vmm: KVM_ENABLE_CAP(KVM_CAP_X86_USER_SPACE_MSR): %w", err)
	}

	for i := 0; i < cfg.NumVCPUs; i++ {
		fd, err := k.CreateVCPU(i)
		if err != nil {
			vm.Close()
			return nil, hverr.Fatal("vmm: KVM_CREATE_VCPU(%d): %w", i, err)
		}
		kv, err := kvmapi.NewVCPU(fd, mmapSize)
		if err != nil {
			vm.Close()
			return nil, err
		}
		l := lapic.New(uint8(i))
		vm.lapics = append(vm.lapics, l)

		// Each vCPU's IA32_APIC_BASE/x2APIC state is its own architectural
		// state, so each gets its own MSR emulator rather than sharing one
		// across the VM (see DESIGN.md's note on the earlier single-emulator
		// design this replaced).
		emu := msr.New()
		emu.RegisterDefaults()
		emu.Register(msr.IA32APICBase, apicBaseHandler{lapic: l})
		x2apic := lapic.MSRHandler{Self: l}
		for msrIdx := uint32(0x800); msrIdx <= 0x8FF; msrIdx++ {
			emu.Register(msrIdx, x2apic)
		}
		vm.msrs = append(vm.msrs, emu)

		vcfg := vcpu.Config{
			ID:          i,
			PCPU:        cfg.PCPUAffinity[i],
			ResetVector: cfg.ResetVector,
			IO:          vm.bus,
			MMIOH:       vm.mmio,
			MSRs:        emu,
			Interrupts:  &legacyWireSource{pic: vm.pic, lapic: l, isBSP: i == 0},
			LocalAPIC:   l,
			LAPICBase:   lapic.BaseAddress,
			IOReq:       vm.ioreq,
		}
		vc := vcpu.New(vcfg, kv)
		vm.vcpus = append(vm.vcpus, vc)
	}
	for _, l := range vm.lapics {
		l.SetComplex(vm.lapics)
	}
	vm.ioapic.SetRouter(&lapicRouter{lapics: vm.lapics})

	// Filter the whole low MSR range (covers the RegisterDefaults set,
	// IA32_APIC_BASE, and the x2APIC 0x800-0x8FF block every vCPU's
	// emulator above just registered) plus EFER in the high range, so
	// RDMSR/WRMSR against any of them exits to userspace instead of being
	// silently handled or dropped in-kernel.
	if err := k.SetMSRFilter([]kvmapi.MSRFilterRange{
		{Flags: kvmapi.MSRFilterRead | kvmapi.MSRFilterWrite, NMSRs: 0x900, Base: 0},
		{Flags: kvmapi.MSRFilterRead | kvmapi.MSRFilterWrite, NMSRs: 1, Base: uint64(msr.IA32EFER)},
	}); err != nil {
		vm.Close()
		return nil, hverr.Fatal("vmm: KVM_X86_SET_MSR_FILTER: %w", err)
	}
	return vm, nil
}

// legacyWireSource models 8259 virtual-wire compatibility mode: the BSP
// observes both the shared PIC (pin-based legacy IRQs, spec component C4)
// and its own LAPIC (IOAPIC-routed/IPI vectors); APs only ever see their
// own LAPIC, matching real multiprocessor bring-up where only the
// bootstrap processor's LINT0 is wired to the PIC's INTR line.
type legacyWireSource struct {
	pic   *pic.Device
	lapic *lapic.LAPIC
	isBSP bool
}

func (s *legacyWireSource) HasPendingInterrupt() bool {
	if s.lapic.HasPendingInterrupt() {
		return true
	}
	return s.isBSP && s.pic.HasPendingInterrupt()
}

func (s *legacyWireSource) NextVector() (uint8, bool) {
	if vec, ok := s.lapic.NextVector(); ok {
		return vec, true
	}
	if s.isBSP {
		return s.pic.NextVector()
	}
	return 0, false
}

// lapicRouter resolves an IOAPIC redirection-entry delivery into a
// Deliver call on the matching destination LAPIC(s), the physical
// fixed-destination case spec.md §4.4/§4.3 describe. destMode and
// deliveryMode are ignored, so logical and lowest-priority destinations
// are not resolved.
type lapicRouter struct {
	lapics []*lapic.LAPIC
}

func (r *lapicRouter) Assert(vector, destination, destMode, deliveryMode uint8, level bool) {
	for _, l := range r.lapics {
		if l.ID() == destination {
			l.Deliver(vector, level)
		}
	}
}

// apicBaseHandler backs one vCPU's IA32_APIC_BASE: bit 11 (EN) and bit 10
// (EXTD) select that vCPU's own LAPIC's Disabled/xAPIC/x2APIC mode, per
// spec.md §4.8. Each vCPU gets its own handler bound to its own LAPIC — an
// earlier version of this wiring shared one handler across lapics[0] as a
// stand-in "BSP representative" for every vCPU, which was wrong: APIC_BASE
// mode is per-vCPU architectural state, not VM-global (see DESIGN.md).
type apicBaseHandler struct {
	lapic *lapic.LAPIC
}

const (
	apicBaseEN   = 1 << 11
	apicBaseEXTD = 1 << 10
)

func (h apicBaseHandler) Read(uint32) (uint64, error) {
	base := uint64(lapic.BaseAddress)
	switch h.lapic.Mode() {
	case lapic.ModeDisabled:
	case lapic.ModeXAPIC:
		base |= apicBaseEN
	case lapic.ModeX2APIC:
		base |= apicBaseEN | apicBaseEXTD
	}
	return base, nil
}

func (h apicBaseHandler) Write(_ uint32, v uint64) error {
	switch {
	case v&apicBaseEN == 0:
		h.lapic.SetMode(lapic.ModeDisabled)
	case v&apicBaseEXTD != 0:
		h.lapic.SetMode(lapic.ModeX2APIC)
	default:
		h.lapic.SetMode(lapic.ModeXAPIC)
	}
	return nil
}

// guestMemAddr returns the host virtual address backing mem, as KVM's
// kvm_userspace_memory_region requires.
func guestMemAddr(mem []byte) uint64 {
	if len(mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&mem[0])))
}

// Bus exposes the port-I/O bus for device registration before Start.
func (v *VM) Bus() *iobus.Bus { return v.bus }

// PIC exposes the legacy 8259 pair for device registration before Start.
func (v *VM) PIC() *pic.Device { return v.pic }

// IOAPIC exposes the 48-pin redirection table for passthrough wiring
// (internal/ptirq) before Start.
func (v *VM) IOAPIC() *ioapic.Device { return v.ioapic }

// MMIOBus exposes the MMIO address-range bus for device registration
// before Start.
func (v *VM) MMIOBus() *mmiobus.Bus { return v.mmio }

// MSRs exposes vcpuID's MSR emulator for registering additional handlers
// before Start.
func (v *VM) MSRs(vcpuID int) *msr.Emulator { return v.msrs[vcpuID] }

// IOReq exposes the spec component C7 slot channel. Start always services
// it with ioreq.DefaultResponder; there is no hook for substituting a
// different Responder.
func (v *VM) IOReq() *ioreq.Channel { return v.ioreq }

// LAPICs exposes the per-vCPU LAPIC complex, indexed by vCPU ID.
func (v *VM) LAPICs() []*lapic.LAPIC { return v.lapics }

// GuestMemory exposes the mmap'd guest-physical address space so boot
// code/GDT/page tables can be written into it before Start, matching the
// teacher's LoadBinary-then-build-GDT-then-build-paging sequence.
func (v *VM) GuestMemory() []byte { return v.guestMemory }

// WriteIdentityPaging installs a single 4MB identity-mapped PDE at
// pdeAddr, matching the teacher's NewPDE4MB bootstrap so guest code
// running with paging enabled sees a flat address space.
func (v *VM) WriteIdentityPaging(pdeAddr uint64) error {
	if int(pdeAddr)+8 > len(v.guestMemory) {
		return hverr.InvalidArgument("vmm: PDE address 0x%x out of guest memory range", pdeAddr)
	}
	entry := uint64(pteP | pteRW | ptePS)
	for i := 0; i < 8; i++ {
		v.guestMemory[int(pdeAddr)+i] = byte(entry >> (8 * i))
	}
	return nil
}

// State returns the current lifecycle state.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Start transitions Created→Running, initializing every vCPU (BSP first,
// then APs — spec.md §4.10's INIT-SIPI-SIPI-equivalent bring-up order)
// and launching one supervised goroutine per vCPU.
func (v *VM) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.state != StateCreated && v.state != StatePaused {
		v.mu.Unlock()
		return hverr.Conflict("vmm: Start called from state %s", v.state)
	}
	v.state = StateRunning
	v.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	v.group = g

	for i, vc := range v.vcpus {
		if vc.State() == vcpu.StateInit {
			if err := vc.Init(); err != nil {
				cancel()
				return err
			}
		}
		vc := vc
		i := i
		g.Go(func() error {
			if err := vc.Run(gctx); err != nil {
				return fmt.Errorf("vcpu %d: %w", i, err)
			}
			return nil
		})
	}

	// Service-VM-side half of the ioreq protocol: drains any Pending slot a
	// vCPU's fallthrough left behind, using ioreq.DefaultResponder (the
	// unclaimed-access fallback) so the channel is never a dead end. The
	// responder is fixed here; no other one can be swapped in.
	g.Go(func() error { return v.ioreq.RunDispatcher(gctx, ioreq.DefaultResponder{}) })

	return nil
}

// Pause transitions Running→Paused by cancelling the run-loop context and
// waiting for every vCPU goroutine to park in StateOffline.
func (v *VM) Pause() error {
	v.mu.Lock()
	if v.state != StateRunning {
		v.mu.Unlock()
		return hverr.Conflict("vmm: Pause called from state %s", v.state)
	}
	v.state = StatePaused
	v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
	}
	if v.group != nil {
		return v.group.Wait()
	}
	return nil
}

// Stop transitions to Poweroff.
func (v *VM) Stop() error {
	v.mu.Lock()
	if v.state == StatePoweroff {
		v.mu.Unlock()
		return nil
	}
	v.state = StatePoweroff
	v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
	}
	if v.group != nil {
		return v.group.Wait()
	}
	return nil
}

// Close releases every resource: vCPU fds, guest memory, and the machine
// fd, mirroring the teacher's Close teardown order.
func (v *VM) Close() error {
	v.Stop()
	for _, vc := range v.vcpus {
		if err := vc.Close(); err != nil {
			log.Warnf("vcpu close: %v", err)
		}
	}
	if v.guestMemory != nil {
		if err := unix.Munmap(v.guestMemory); err != nil {
			log.Warnf("munmap guest memory: %v", err)
		}
	}
	if v.kvm != nil {
		return v.kvm.Close()
	}
	return nil
}
