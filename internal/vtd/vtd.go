// Package vtd implements the VT-d/IOMMU driver contract (spec component
// C6): root/context table programming, domain assignment, IRTE
// allocation for interrupt remapping, and queued invalidations.
// There is no teacher equivalent. Real DMAR register access requires
// ring-0/hardware privilege a userspace Go process does not have, so the
// data-model/protocol surface spec.md §4.6 describes is implemented
// against a Backend interface; the shipped Backend is a software model
// (in-memory tables, no physical MMIO) that still enforces every
// invariant spec.md §4.6/§8 names for context-entry validity, IRTE bounds,
// and invalidation-queue ordering. It records each invalidation in issue
// order; nothing drains that queue. See DESIGN.md for why this boundary,
// not a real hardware Backend, is where this component's implementation
// stops.
package vtd

import (
	"sync"

	"partitionhv/internal/hverr"
)

// DomainID identifies a VT-d translation domain (one per VM, typically).
type DomainID uint16

// ContextEntry is one PCI (bus, devfn) → domain mapping.
type ContextEntry struct {
	Present  bool
	Domain   DomainID
	AddrWidth uint8 // translation address width, e.g. 48
}

// IRTE is one Interrupt Remapping Table Entry.
type IRTE struct {
	Present     bool
	Vector      uint8
	Destination uint8
	TriggerMode uint8 // 0 edge, 1 level
	SourceID    uint16
}

const maxIRTEs = 65536

// Backend is the hardware-facing seam. The software Backend below
// satisfies it entirely in memory; a real backend would MMIO-map a DMAR
// unit's register set here instead.
type Backend interface {
	WriteRootTable(base uint64) error
	Invalidate(kind InvalidationKind) error
}

// InvalidationKind names the queued-invalidation descriptor types spec.md
// §4.6 requires draining in order: context-cache, IOTLB, and interrupt-
// entry-cache invalidations.
type InvalidationKind int

const (
	InvalidateContextCache InvalidationKind = iota
	InvalidateIOTLB
	InvalidateInterruptEntryCache
)

// SoftwareBackend is the in-memory Backend shipped by default.
type SoftwareBackend struct {
	mu       sync.Mutex
	rootBase uint64
	pending  []InvalidationKind
}

func (b *SoftwareBackend) WriteRootTable(base uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rootBase = base
	return nil
}

func (b *SoftwareBackend) Invalidate(kind InvalidationKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, kind)
	return nil
}

// Unit models one DMAR remapping hardware unit: its context-table and
// IRTE, programmed through Backend.
type Unit struct {
	mu       sync.Mutex
	backend  Backend
	contexts map[uint16]ContextEntry // keyed by bus<<8|devfn
	irtes    []IRTE
	freeIRTE []int
}

// NewUnit creates a Unit with cap IRTEs (spec.md bounds this at the
// hardware's advertised table size; 256 is a realistic default for a
// software-modeled single-function assignment scenario).
func NewUnit(backend Backend, irteCap int) (*Unit, error) {
	if irteCap <= 0 || irteCap > maxIRTEs {
		return nil, hverr.InvalidArgument("vtd: irteCap %d out of range", irteCap)
	}
	u := &Unit{
		backend:  backend,
		contexts: make(map[uint16]ContextEntry),
		irtes:    make([]IRTE, irteCap),
	}
	for i := 0; i < irteCap; i++ {
		u.freeIRTE = append(u.freeIRTE, i)
	}
	return u, nil
}

// AssignDevice programs a context entry mapping bdf to domain, the VT-d
// equivalent of ACRN's device-assignment entry point.
func (u *Unit) AssignDevice(bdf uint16, domain DomainID, addrWidth uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if existing, ok := u.contexts[bdf]; ok && existing.Present {
		return hverr.Conflict("vtd: device %#04x already assigned to domain %d", bdf, existing.Domain)
	}
	u.contexts[bdf] = ContextEntry{Present: true, Domain: domain, AddrWidth: addrWidth}
	return u.backend.Invalidate(InvalidateContextCache)
}

// DeassignDevice removes bdf's context entry.
func (u *Unit) DeassignDevice(bdf uint16) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.contexts[bdf]; !ok {
		return hverr.NotFound("vtd: device %#04x has no context entry", bdf)
	}
	delete(u.contexts, bdf)
	return u.backend.Invalidate(InvalidateContextCache)
}

// AllocIRTE allocates and programs a free IRTE slot, returning its index
// (the value programmed into a passthrough device's MSI address/data as
// the interrupt-remapping "handle"), per spec.md's dmar_assign_irte
// contract.
func (u *Unit) AllocIRTE(entry IRTE) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.freeIRTE) == 0 {
		return -1, hverr.Unsupported("vtd: IRTE table exhausted (cap %d)", len(u.irtes))
	}
	idx := u.freeIRTE[len(u.freeIRTE)-1]
	u.freeIRTE = u.freeIRTE[:len(u.freeIRTE)-1]
	entry.Present = true
	u.irtes[idx] = entry
	if err := u.backend.Invalidate(InvalidateInterruptEntryCache); err != nil {
		return -1, err
	}
	return idx, nil
}

// FreeIRTE releases a previously-allocated IRTE.
func (u *Unit) FreeIRTE(idx int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if idx < 0 || idx >= len(u.irtes) || !u.irtes[idx].Present {
		return hverr.NotFound("vtd: IRTE %d not allocated", idx)
	}
	u.irtes[idx] = IRTE{}
	u.freeIRTE = append(u.freeIRTE, idx)
	return u.backend.Invalidate(InvalidateInterruptEntryCache)
}

// LookupIRTE returns the programmed entry at idx.
func (u *Unit) LookupIRTE(idx int) (IRTE, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if idx < 0 || idx >= len(u.irtes) || !u.irtes[idx].Present {
		return IRTE{}, hverr.NotFound("vtd: IRTE %d not allocated", idx)
	}
	return u.irtes[idx], nil
}
