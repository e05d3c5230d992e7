// Package vmcs implements the VMCS manager (spec component C1). Under raw
// VMX this would own one VMCS region per vCPU and VMPTRLD it before every
// entry; on top of KVM the vCPU fd itself *is* the loaded VMCS, so Manager
// instead owns register-cache synchronization and the control-field
// contracts (host/guest segment state, CR0/CR4 fixed-bit masks) spec.md
// §4.1 requires, and still exposes InitVMCS/LoadVMCS/WriteCachedRegisters
// as named operations since the vCPU scheduler calls them on the same
// cadence a real VMX implementation would.
package vmcs

import (
	"fmt"

	"partitionhv/internal/hverr"
	"partitionhv/internal/kvmapi"
)

// Fixed CR0/CR4 bits this hypervisor always enforces, standing in for the
// IA32_VMX_CR0_FIXED0/1 and IA32_VMX_CR4_FIXED0/1 MSR-derived masks a real
// VMX implementation reads from hardware.
const (
	cr0AlwaysOn  uint64 = 1 << 0 // PE
	cr4AlwaysOn  uint64 = 1 << 13 // VMXE-equivalent reservation bit kept set for guests
	cr0AlwaysOff uint64 = 0
)

// GuestState is the subset of architectural state the manager loads and
// reads back every run-loop iteration.
type GuestState struct {
	Regs  kvmapi.Regs
	Sregs kvmapi.Sregs
}

// Manager owns one vCPU fd and mediates all register access to it,
// keeping a dirty bitmask of which register groups need to be pushed down
// before the next entry (spec.md's reg_cached/reg_updated split).
type Manager struct {
	vcpu *kvmapi.VCPU

	cached      GuestState
	regsDirty   bool
	sregsDirty  bool
	haveCached  bool
}

// New wraps vcpu with a Manager. InitVMCS should be called once before the
// first entry.
func New(vcpu *kvmapi.VCPU) *Manager {
	return &Manager{vcpu: vcpu}
}

// InitVMCS programs the initial control-field-equivalent guest state: flat
// segments, CR0 fixed bits enforced, RIP/RFLAGS reset. This mirrors the
// boot-time GDT/CR0 setup the teacher's initRegisters performed directly
// on the vCPU, generalized into a named, reusable operation.
func (m *Manager) InitVMCS(resetVector uint64) error {
	flat := kvmapi.Segment{Base: 0, Limit: 0xFFFFFFFF, Present: 1, DB: 1, S: 1, G: 1, Type: 0x0B}
	dataSeg := flat
	dataSeg.Type = 0x03

	sregs, err := m.vcpu.GetSregs()
	if err != nil {
		return hverr.Fatal("vmcs: get sregs: %w", err)
	}
	sregs.CS = flat
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = dataSeg, dataSeg, dataSeg, dataSeg, dataSeg
	sregs.CR0 = (sregs.CR0 &^ cr0AlwaysOff) | cr0AlwaysOn
	sregs.CR4 |= cr4AlwaysOn
	if err := m.vcpu.SetSregs(sregs); err != nil {
		return hverr.Fatal("vmcs: set sregs: %w", err)
	}

	regs := kvmapi.Regs{RFLAGS: 0x2, RIP: resetVector}
	if err := m.vcpu.SetRegs(regs); err != nil {
		return hverr.Fatal("vmcs: set regs: %w", err)
	}
	m.cached = GuestState{Regs: regs, Sregs: sregs}
	m.haveCached = true
	return nil
}

// LoadVMCS flushes any dirty cached register groups to the vCPU fd before
// entry. Under KVM there is no separate "current VMCS pointer" to swap, so
// this degenerates to "push dirty state," which is exactly the contract
// spec.md §4.1 names for LoadVMCS: guarantee the next entry observes the
// caller's last writes.
func (m *Manager) LoadVMCS() error {
	if m.regsDirty {
		if err := m.vcpu.SetRegs(m.cached.Regs); err != nil {
			return hverr.Fatal("vmcs: load regs: %w", err)
		}
		m.regsDirty = false
	}
	if m.sregsDirty {
		if err := m.vcpu.SetSregs(m.cached.Sregs); err != nil {
			return hverr.Fatal("vmcs: load sregs: %w", err)
		}
		m.sregsDirty = false
	}
	return nil
}

// WriteCachedRegisters updates the cached guest register state and marks
// it dirty for the next LoadVMCS, without touching the vCPU fd directly.
// This is the write half of spec.md's reg_cached/reg_updated model: callers
// (CR-access emulation, MSR writes, exception injection) stage changes
// here and the run-loop flushes them once per iteration.
func (m *Manager) WriteCachedRegisters(mutate func(*GuestState)) error {
	if !m.haveCached {
		return hverr.InvalidArgument("vmcs: register cache not initialized, call InitVMCS first")
	}
	mutate(&m.cached)
	m.regsDirty = true
	m.sregsDirty = true
	return nil
}

// ReadCachedRegisters refreshes the cache from hardware and returns it.
// Called lazily: most exits only need a handful of fields, so the run-loop
// re-reads only when a handler actually asks.
func (m *Manager) ReadCachedRegisters() (GuestState, error) {
	regs, err := m.vcpu.GetRegs()
	if err != nil {
		return GuestState{}, hverr.Fatal("vmcs: get regs: %w", err)
	}
	sregs, err := m.vcpu.GetSregs()
	if err != nil {
		return GuestState{}, hverr.Fatal("vmcs: get sregs: %w", err)
	}
	m.cached = GuestState{Regs: regs, Sregs: sregs}
	m.haveCached = true
	return m.cached, nil
}

func (m *Manager) String() string {
	return fmt.Sprintf("vmcs.Manager{vcpufd=%d}", m.vcpu.FD())
}
