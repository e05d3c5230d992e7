// Package vcpu implements the vCPU state machine and VM-exit dispatch loop
// (spec component C2). It generalizes the teacher's single Run() switch
// over kvm_run.exit_reason into the full dispatch table spec.md §4.2
// names, adds the Init/Running/Zombie/Offline state machine, the
// ACRN_REQUEST_* style bitmask of deferred work to apply before the next
// entry, and pins each vCPU's goroutine to one host CPU so it never
// migrates, per spec.md §3's vCPU/pCPU affinity invariant.
package vcpu

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"partitionhv/internal/hverr"
	"partitionhv/internal/hvlog"
	"partitionhv/internal/ioreq"
	"partitionhv/internal/kvmapi"
	"partitionhv/internal/vmcs"
)

var log = hvlog.New("vcpu")

// State is the vCPU lifecycle state named in spec.md §4.2/§3.
type State int

const (
	StateInit State = iota
	StateRunning
	StateZombie
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StateZombie:
		return "Zombie"
	case StateOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// Request bits, matching spec.md's ACRN_REQUEST_* deferred-work bitmask.
// Handlers set these instead of acting immediately; the run-loop drains
// them right before every re-entry.
const (
	ReqEPTFlush uint32 = 1 << iota
	ReqTLBFlush
	ReqEOIExitBitmapUpdate
	ReqExceptionInject
	ReqEvent
	ReqInterruptWindow
)

// IOPort handles a port-I/O VM-exit.
type IOPort interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// MMIO handles an EPT-violation/MMIO VM-exit.
type MMIO interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// MSRHandler handles RDMSR/WRMSR emulation (spec component C8).
type MSRHandler interface {
	ReadMSR(index uint32) (uint64, error)
	WriteMSR(index uint32, value uint64) error
}

// InterruptSource is polled once per HLT/idle exit to see whether an
// injectable interrupt is pending (spec.md's LAPIC/PIC "has pending"
// contract).
type InterruptSource interface {
	HasPendingInterrupt() bool
	NextVector() (uint8, bool)
}

// Config bundles the delegate handlers a VCPU dispatches exits to.
type Config struct {
	ID          int
	PCPU        int // host logical CPU this vCPU is pinned to
	ResetVector uint64
	IO          IOPort
	MMIOH       MMIO
	MSRs        MSRHandler
	Interrupts  InterruptSource

	// LocalAPIC, if set, is this vCPU's own LAPIC's xAPIC MMIO register
	// window (internal/lapic.LAPIC.HandleMMIO), checked before MMIOH for
	// any access landing in [LAPICBase, LAPICBase+0x1000). The local APIC
	// is never reachable through a shared address-space bus the way the
	// IOAPIC is: every vCPU sees the same physical address, but it must
	// resolve to *its own* LAPIC, never another vCPU's.
	LocalAPIC MMIO
	LAPICBase uint64

	// CPUID, if non-empty, is programmed into the vCPU via KVM_SET_CPUID2
	// during Init. Real KVM answers the guest's CPUID instruction entirely
	// in-kernel from this table; spec component C8's CPUID handling is
	// realized here, as one-time configuration, rather than as a run-loop
	// dispatch case the way RDMSR/WRMSR are.
	CPUID []kvmapi.CPUIDEntry

	// IOReq, if set, is the spec component C7 slot channel an unclaimed
	// port-I/O or MMIO access falls through to instead of failing outright:
	// IO/MMIOH cover the directly-emulated devices this VM registered
	// ahead of time, IOReq is the queue-based escape hatch spec.md §4.7
	// describes for everything else, serviced by whatever's running
	// ioreq.Channel.RunDispatcher opposite this vCPU.
	IOReq *ioreq.Channel
}

// VCPU runs one guest logical processor's exit-dispatch loop on its own
// goroutine, pinned to Config.PCPU.
type VCPU struct {
	cfg   Config
	kvm   *kvmapi.VCPU
	vmcs  *vmcs.Manager
	state State
	reqs  uint32
}

// New wraps a freshly-created KVM vCPU fd.
func New(cfg Config, kvmVCPU *kvmapi.VCPU) *VCPU {
	return &VCPU{cfg: cfg, kvm: kvmVCPU, vmcs: vmcs.New(kvmVCPU), state: StateInit}
}

// State returns the current lifecycle state.
func (v *VCPU) State() State { return v.state }

// SetRequest ORs bits into the deferred-work bitmask.
func (v *VCPU) SetRequest(bits uint32) { v.reqs |= bits }

func (v *VCPU) clearRequest(bits uint32) { v.reqs &^= bits }

func (v *VCPU) hasRequest(bits uint32) bool { return v.reqs&bits != 0 }

// Init programs initial architectural state and transitions Init→Running.
func (v *VCPU) Init() error {
	if v.state != StateInit {
		return hverr.Conflict("vcpu %d: Init called from state %s", v.cfg.ID, v.state)
	}
	if len(v.cfg.CPUID) > 0 {
		if err := v.kvm.SetCPUID(v.cfg.CPUID); err != nil {
			return hverr.Fatal("vcpu %d: KVM_SET_CPUID2: %w", v.cfg.ID, err)
		}
	}
	if err := v.vmcs.InitVMCS(v.cfg.ResetVector); err != nil {
		return err
	}
	v.state = StateRunning
	return nil
}

// Run pins the calling goroutine's OS thread to Config.PCPU and executes
// the exit-dispatch loop until ctx is cancelled or a fatal exit occurs.
// Callers are expected to invoke Run in its own goroutine, one per vCPU,
// matching the teacher's "one goroutine per vCPU" structure. A vCPU left
// Offline by an earlier cancellation (a VM pause) goes back to Running.
func (v *VCPU) Run(ctx context.Context) error {
	if v.state == StateOffline {
		v.state = StateRunning
	}
	if v.state != StateRunning {
		return hverr.Conflict("vcpu %d: Run called from state %s", v.cfg.ID, v.state)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if v.cfg.PCPU >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(v.cfg.PCPU)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			log.Warnf("vcpu %d: SchedSetaffinity(pcpu=%d) failed: %v", v.cfg.ID, v.cfg.PCPU, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			v.state = StateOffline
			return nil
		default:
		}

		if err := v.drainRequests(); err != nil {
			v.state = StateZombie
			return err
		}

		if err := v.vmcs.LoadVMCS(); err != nil {
			v.state = StateZombie
			return hverr.Fatal("vcpu %d: load vmcs: %w", v.cfg.ID, err)
		}

		if err := v.kvm.Entry(); err != nil {
			v.state = StateZombie
			return hverr.Fatal("vcpu %d: KVM_RUN: %w", v.cfg.ID, err)
		}

		if err := v.dispatchExit(ctx); err != nil {
			if hverr.Is(err, hverr.ErrFatal) {
				v.state = StateZombie
				return err
			}
			// GuestFault/Unsupported/etc: logged and retried next entry,
			// matching spec.md's "unhandled MMIO fills 0xFF and continues"
			// posture rather than tearing the VM down over one bad access.
			log.Warnf("vcpu %d: exit handling error: %v", v.cfg.ID, err)
		}
	}
}

func (v *VCPU) drainRequests() error {
	if v.hasRequest(ReqExceptionInject | ReqEvent) {
		if v.cfg.Interrupts != nil && v.cfg.Interrupts.HasPendingInterrupt() {
			if vec, ok := v.cfg.Interrupts.NextVector(); ok {
				if err := v.kvm.Interrupt(uint32(vec)); err != nil {
					return hverr.Fatal("vcpu %d: inject vector %d: %w", v.cfg.ID, vec, err)
				}
			}
		}
		v.clearRequest(ReqExceptionInject | ReqEvent)
	}
	// ReqEPTFlush/ReqTLBFlush/ReqEOIExitBitmapUpdate are no-ops under KVM:
	// the kernel owns the shadow/EPT tables and re-syncs them itself on
	// the next entry. The bits are still tracked and cleared here so a
	// future real-VMX Backend (see internal/vtd's Backend split for the
	// analogous seam) has a concrete place to plug real VMCLEAR/INVEPT.
	v.clearRequest(ReqEPTFlush | ReqTLBFlush | ReqEOIExitBitmapUpdate)
	return nil
}

func (v *VCPU) dispatchExit(ctx context.Context) error {
	run := v.kvm.Run()
	switch run.ExitReason {
	case kvmapi.ExitIO:
		return v.handleIO(ctx, run)
	case kvmapi.ExitMMIO:
		return v.handleMMIO(ctx, run)
	case kvmapi.ExitRDMSR, kvmapi.ExitWRMSR:
		return v.handleMSR(run)
	case kvmapi.ExitTPRAccess, kvmapi.ExitSetTPR:
		return v.handleCRAccess(run)
	case kvmapi.ExitHLT:
		v.SetRequest(ReqEvent)
		return nil
	case kvmapi.ExitShutdown:
		return hverr.Fatal("vcpu %d: guest triple fault (KVM_EXIT_SHUTDOWN)", v.cfg.ID)
	case kvmapi.ExitFailEntry:
		return hverr.Fatal("vcpu %d: KVM_EXIT_FAIL_ENTRY", v.cfg.ID)
	case kvmapi.ExitInternalErr:
		return hverr.Fatal("vcpu %d: KVM_EXIT_INTERNAL_ERROR", v.cfg.ID)
	case kvmapi.ExitIntr:
		return nil
	case kvmapi.ExitUnknown:
		return hverr.Unsupported("vcpu %d: KVM_EXIT_UNKNOWN", v.cfg.ID)
	default:
		return hverr.Unsupported("vcpu %d: unhandled exit reason %d", v.cfg.ID, run.ExitReason)
	}
}

func (v *VCPU) handleIO(ctx context.Context, run *kvmapi.Run) error {
	direction, size, port, count, data := run.IO()
	for i := uint32(0); i < count; i++ {
		chunk := data[uint32(size)*i : uint32(size)*(i+1)]
		var err error
		if v.cfg.IO != nil {
			err = v.cfg.IO.HandleIO(port, direction, size, chunk)
		} else {
			err = hverr.Unsupported("vcpu %d: no IO handler registered", v.cfg.ID)
		}
		if hverr.Is(err, hverr.ErrUnsupported) {
			err = v.queueIORequest(ctx, ioreq.RequestPIO, direction, uint64(port), size, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *VCPU) handleMMIO(ctx context.Context, run *kvmapi.Run) error {
	addr, data, isWrite := run.MMIO()
	if v.cfg.LocalAPIC != nil && addr >= v.cfg.LAPICBase && addr < v.cfg.LAPICBase+0x1000 {
		return v.cfg.LocalAPIC.HandleMMIO(addr, data, isWrite)
	}
	direction := kvmapi.IODirOut
	if !isWrite {
		direction = kvmapi.IODirIn
	}
	var err error
	if v.cfg.MMIOH != nil {
		err = v.cfg.MMIOH.HandleMMIO(addr, data, isWrite)
	} else {
		err = hverr.Unsupported("vcpu %d: no MMIO handler registered for addr 0x%x", v.cfg.ID, addr)
	}
	if hverr.Is(err, hverr.ErrUnsupported) {
		err = v.queueIORequest(ctx, ioreq.RequestMMIO, direction, addr, uint8(len(data)), data)
	}
	if err != nil && hverr.Is(err, hverr.ErrUnsupported) && !isWrite {
		for i := range data {
			data[i] = 0xFF
		}
	}
	return err
}

// queueIORequest is spec component C7's escape hatch for an access neither
// IO/MMIOH claimed: it inserts a Pending slot on Config.IOReq, waits for
// whatever's running ioreq.Channel.RunDispatcher to complete it, and copies
// the result back into the guest-visible buffer for a read. If no channel
// is configured at all, it reports Unsupported exactly as an unclaimed
// access always has.
func (v *VCPU) queueIORequest(ctx context.Context, kind ioreq.RequestType, direction uint8, addr uint64, size uint8, data []byte) error {
	if v.cfg.IOReq == nil {
		return hverr.Unsupported("vcpu %d: no IO-request channel registered for addr 0x%x", v.cfg.ID, addr)
	}
	req := ioreq.Request{Type: kind, Direction: direction, Address: addr, Size: size, Count: 1}
	copy(req.Data[:], data)
	slot, err := v.cfg.IOReq.InsertRequest(req)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := v.cfg.IOReq.WaitComplete(waitCtx, slot); err != nil {
		return hverr.Fatal("vcpu %d: ioreq slot %d never completed: %w", v.cfg.ID, slot, err)
	}
	result, err := v.cfg.IOReq.Release(slot)
	if err != nil {
		return err
	}
	if direction == kvmapi.IODirIn {
		copy(data, result.Data[:])
	}
	return nil
}

// handleMSR services a KVM_EXIT_X86_RDMSR/WRMSR exit by delegating to
// Config.MSRs (internal/msr's Emulator) and writing the result back into
// the kvm_run union before the next entry, the wiring spec component C8
// needs to be anything other than an unreachable package.
func (v *VCPU) handleMSR(run *kvmapi.Run) error {
	isWrite, index, data := run.MSR()
	if v.cfg.MSRs == nil {
		run.SetMSRResult(0, true)
		return hverr.Unsupported("vcpu %d: no MSR handler registered", v.cfg.ID)
	}
	if isWrite {
		if err := v.cfg.MSRs.WriteMSR(index, data); err != nil {
			run.SetMSRResult(0, true)
			return err
		}
		run.SetMSRResult(0, false)
		return nil
	}
	value, err := v.cfg.MSRs.ReadMSR(index)
	if err != nil {
		run.SetMSRResult(0, true)
		return err
	}
	run.SetMSRResult(value, false)
	return nil
}

// handleCRAccess services KVM_EXIT_TPR_ACCESS/KVM_EXIT_SET_TPR, the one
// CR-adjacent (CR8/TPR) exit vanilla KVM actually exposes to userspace —
// CR0/CR4 writes themselves are handled transparently in-kernel and never
// reach here. It re-reads the vCPU's sregs and stages them back through
// WriteCachedRegisters, exercising the same reg_cached/reg_updated path
// spec.md §4.1 names for CR-access emulation.
func (v *VCPU) handleCRAccess(run *kvmapi.Run) error {
	state, err := v.vmcs.ReadCachedRegisters()
	if err != nil {
		return err
	}
	return v.vmcs.WriteCachedRegisters(func(g *vmcs.GuestState) {
		g.Sregs.CR8 = state.Sregs.CR8
	})
}

// Close releases the underlying KVM vCPU fd.
func (v *VCPU) Close() error {
	return v.kvm.Close()
}
