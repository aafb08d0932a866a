// Package bootconfig loads the static per-system topology describing
// the hypervisor being booted (core count, VMID ranges, RAM layout,
// list-register count, trace ring size) from a kernel.yaml file, per
// SPEC_FULL.md's ambient configuration section.
package bootconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VMIDRange is an inclusive [Start,End] range of VMIDs a partition may
// allocate addrspaces from.
type VMIDRange struct {
	Start uint16 `yaml:"start"`
	End   uint16 `yaml:"end"`
}

// VMConfig describes one statically-declared virtual machine.
type VMConfig struct {
	Name        string `yaml:"name"`
	VCPUCount   int    `yaml:"vcpu_count"`
	BootVCPU    int    `yaml:"boot_vcpu"`
	RAMBase     uint64 `yaml:"ram_base"`
	RAMSize     uint64 `yaml:"ram_size"`
	BootEntry   uint64 `yaml:"boot_entry"`
	ListRegisters int  `yaml:"list_registers"`
}

// Config is the root kernel.yaml document.
type Config struct {
	CoreCount     int         `yaml:"core_count"`
	VMIDRange     VMIDRange   `yaml:"vmid_range"`
	TraceRingSize int         `yaml:"trace_ring_size"`
	VMs           []VMConfig  `yaml:"vms"`
}

// Load parses a kernel.yaml file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses kernel.yaml content already read into memory, and
// validates the result against the system invariants this kernel
// relies on (non-empty core count, a non-inverted VMID range, at
// least one VM with a valid boot VCPU index).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bootconfig: parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.CoreCount <= 0 {
		return fmt.Errorf("bootconfig: core_count must be positive, got %d", c.CoreCount)
	}
	if c.VMIDRange.End < c.VMIDRange.Start {
		return fmt.Errorf("bootconfig: vmid_range end %d before start %d", c.VMIDRange.End, c.VMIDRange.Start)
	}
	if len(c.VMs) == 0 {
		return fmt.Errorf("bootconfig: at least one vm entry is required")
	}
	for i, vm := range c.VMs {
		if vm.VCPUCount <= 0 {
			return fmt.Errorf("bootconfig: vm[%d] %q: vcpu_count must be positive", i, vm.Name)
		}
		if vm.BootVCPU < 0 || vm.BootVCPU >= vm.VCPUCount {
			return fmt.Errorf("bootconfig: vm[%d] %q: boot_vcpu %d out of range [0,%d)", i, vm.Name, vm.BootVCPU, vm.VCPUCount)
		}
	}
	return nil
}
