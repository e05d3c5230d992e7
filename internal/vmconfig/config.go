// Package vmconfig loads VM and platform configuration from YAML via
// gopkg.in/yaml.v3 — the serialization library the retrieved tinyrange-cc
// repository depends on for its own device/snapshot configuration. ACRN's
// compiled-in per-board C configuration is explicitly out of scope (see
// spec.md's Non-goals on ACPI/board discovery), so this is what an
// operator actually edits to describe a VM instead.
package vmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"partitionhv/internal/hverr"
)

// VUARTConfig describes one vUART instance, optionally paired with
// another VM's vUART by name (spec component C9's cross-VM pairing).
type VUARTConfig struct {
	PortBase uint16 `yaml:"port_base"`
	IRQLine  uint8  `yaml:"irq_line"`
	PairWith string `yaml:"pair_with,omitempty"`
	Console  bool   `yaml:"console,omitempty"`
}

// PassthroughDeviceConfig describes one PCI device assigned into the VM
// through internal/ptirq and internal/vtd.
type PassthroughDeviceConfig struct {
	BDF       string `yaml:"bdf"`
	Kind      string `yaml:"kind"` // "intx" or "msix"
	IRQLine   uint8  `yaml:"irq_line,omitempty"`
	Vector    uint8  `yaml:"vector"`
	PCPU      int    `yaml:"pcpu"`
}

// VMConfig is the top-level per-VM configuration document.
type VMConfig struct {
	Name          string                    `yaml:"name"`
	MemoryBytes   uint64                    `yaml:"memory_bytes"`
	NumVCPUs      int                       `yaml:"num_vcpus"`
	PCPUAffinity  []int                     `yaml:"pcpu_affinity"`
	ResetVector   uint64                    `yaml:"reset_vector"`
	LAPICPassthrough bool                   `yaml:"lapic_passthrough,omitempty"`
	VUARTs        []VUARTConfig             `yaml:"vuarts,omitempty"`
	Passthrough   []PassthroughDeviceConfig `yaml:"passthrough,omitempty"`
	MCS9900Peer   string                    `yaml:"mcs9900_peer,omitempty"`
}

// Load reads and validates a VMConfig from path.
func Load(path string) (*VMConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, hverr.NotFound("vmconfig: read %s: %w", path, err)
	}
	var cfg VMConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, hverr.InvalidArgument("vmconfig: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants spec.md §3/§4.10 require:
// at least one vCPU, BSP is the lowest-numbered affinity entry, and
// every vCPU has a pCPU assignment (the "never migrates" invariant).
func (c *VMConfig) Validate() error {
	if c.NumVCPUs <= 0 {
		return hverr.InvalidArgument("vmconfig: num_vcpus must be positive, got %d", c.NumVCPUs)
	}
	if len(c.PCPUAffinity) != c.NumVCPUs {
		return hverr.InvalidArgument("vmconfig: pcpu_affinity has %d entries, want %d", len(c.PCPUAffinity), c.NumVCPUs)
	}
	for i, p := range c.PCPUAffinity {
		if p < c.PCPUAffinity[0] {
			return hverr.InvalidArgument("vmconfig: pcpu_affinity[%d]=%d is below the BSP's pCPU %d", i, p, c.PCPUAffinity[0])
		}
	}
	if c.MemoryBytes == 0 {
		return hverr.InvalidArgument("vmconfig: memory_bytes must be nonzero")
	}
	for i, u := range c.VUARTs {
		if u.PortBase == 0 {
			return hverr.InvalidArgument("vmconfig: vuart[%d] missing port_base", i)
		}
	}
	return nil
}

func (c *VMConfig) String() string {
	return fmt.Sprintf("VMConfig{name=%s vcpus=%d mem=%d}", c.Name, c.NumVCPUs, c.MemoryBytes)
}
