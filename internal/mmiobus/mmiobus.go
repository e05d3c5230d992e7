// Package mmiobus routes MMIO VM-exits to the device owning the faulting
// address range, the MMIO-address counterpart to internal/iobus's
// port-indexed dispatch — same per-range map, same overwrite warning,
// generalized from ports to [base, base+size) address ranges since MMIO
// devices (IOAPIC, VT-d register windows) aren't addressed by a single
// fixed port.
package mmiobus

import (
	"sort"

	"partitionhv/internal/hverr"
	"partitionhv/internal/hvlog"
)

var log = hvlog.New("mmiobus")

// Device handles an MMIO VM-exit, matching vcpu.MMIO.
type Device interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

type region struct {
	base, end uint64 // [base, end)
	device    Device
}

// Bus maps guest-physical address ranges to the device that owns them.
type Bus struct {
	regions []region
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Register assigns device to the half-open range [base, base+size).
func (b *Bus) Register(base, size uint64, device Device) {
	if device == nil {
		log.Warnf("attempted to register a nil device at 0x%x", base)
		return
	}
	end := base + size
	for _, r := range b.regions {
		if base < r.end && r.base < end {
			log.Warnf("MMIO range 0x%x-0x%x overlaps existing range 0x%x-0x%x owned by %T", base, end, r.base, r.end, r.device)
		}
	}
	b.regions = append(b.regions, region{base: base, end: end, device: device})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })
}

// HandleMMIO satisfies vcpu.MMIO, routing to the registered device.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	for _, r := range b.regions {
		if addr >= r.base && addr < r.end {
			return r.device.HandleMMIO(addr, data, isWrite)
		}
	}
	return hverr.Unsupported("mmiobus: unhandled MMIO access at 0x%x", addr)
}
