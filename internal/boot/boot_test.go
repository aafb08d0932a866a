package boot

import (
	"context"
	"testing"

	"github.com/gunyah-go/gunyah/internal/bootconfig"
	"github.com/gunyah-go/gunyah/internal/platform/fakeplatform"
)

func testConfig() *bootconfig.Config {
	return &bootconfig.Config{
		CoreCount: 2,
		VMIDRange: bootconfig.VMIDRange{Start: 1, End: 4},
		VMs: []bootconfig.VMConfig{
			{Name: "hlos", VCPUCount: 2, BootVCPU: 0, BootEntry: 0x80080000},
		},
	}
}

func TestColdInitActivatesRootPartitionAndPowersOnAllVCPUs(t *testing.T) {
	plat := fakeplatform.New(2)
	k, err := ColdInit(context.Background(), testConfig(), plat, SystemEvents{})
	if err != nil {
		t.Fatalf("ColdInit: %v", err)
	}
	if len(k.VMs) != 1 || len(k.VMs[0].VCPUs) != 2 {
		t.Fatalf("unexpected VM/VCPU layout: %+v", k.VMs)
	}
	if k.RootPart == nil || k.Scheduler == nil || k.Power == nil {
		t.Fatalf("expected root partition, scheduler, and power layer all wired")
	}
}

func TestColdInitFiresResumeOnFirstVCPUPoweron(t *testing.T) {
	plat := fakeplatform.New(1)
	resumed := 0
	cfg := &bootconfig.Config{
		CoreCount: 1,
		VMIDRange: bootconfig.VMIDRange{Start: 1, End: 2},
		VMs:       []bootconfig.VMConfig{{Name: "solo", VCPUCount: 1, BootVCPU: 0, BootEntry: 0x1000}},
	}
	_, err := ColdInit(context.Background(), cfg, plat, SystemEvents{OnResume: func() { resumed++ }})
	if err != nil {
		t.Fatalf("ColdInit: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected Resume fired once from the boot vcpu's poweron vote, got %d", resumed)
	}
}
