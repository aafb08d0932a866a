package bootconfig

import "testing"

const validYAML = `
core_count: 4
vmid_range:
  start: 1
  end: 15
trace_ring_size: 256
vms:
  - name: hlos
    vcpu_count: 4
    boot_vcpu: 0
    ram_base: 0x80000000
    ram_size: 0x40000000
    boot_entry: 0x80080000
    list_registers: 4
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CoreCount != 4 {
		t.Fatalf("CoreCount = %d, want 4", cfg.CoreCount)
	}
	if len(cfg.VMs) != 1 || cfg.VMs[0].Name != "hlos" {
		t.Fatalf("unexpected vms: %+v", cfg.VMs)
	}
	if cfg.VMs[0].RAMBase != 0x80000000 {
		t.Fatalf("RAMBase = %#x, want 0x80000000", cfg.VMs[0].RAMBase)
	}
}

func TestParseRejectsZeroCoreCount(t *testing.T) {
	_, err := Parse([]byte("core_count: 0\nvmid_range: {start: 1, end: 2}\nvms: [{name: a, vcpu_count: 1, boot_vcpu: 0}]"))
	if err == nil {
		t.Fatalf("expected an error for core_count: 0")
	}
}

func TestParseRejectsInvertedVMIDRange(t *testing.T) {
	_, err := Parse([]byte("core_count: 1\nvmid_range: {start: 10, end: 2}\nvms: [{name: a, vcpu_count: 1, boot_vcpu: 0}]"))
	if err == nil {
		t.Fatalf("expected an error for an inverted vmid_range")
	}
}

func TestParseRejectsOutOfRangeBootVCPU(t *testing.T) {
	_, err := Parse([]byte("core_count: 1\nvmid_range: {start: 1, end: 2}\nvms: [{name: a, vcpu_count: 2, boot_vcpu: 5}]"))
	if err == nil {
		t.Fatalf("expected an error for boot_vcpu out of range")
	}
}

func TestParseRejectsNoVMs(t *testing.T) {
	_, err := Parse([]byte("core_count: 1\nvmid_range: {start: 1, end: 2}\nvms: []"))
	if err == nil {
		t.Fatalf("expected an error with zero vms")
	}
}
