// Package boot implements the cold-boot sequence folded in from
// original_source's hyp/core/boot/src/boot.c and rel_init.c: arch
// init (assumed already done by the time Go code runs) followed by
// partition bring-up, root VM activation, and secondary CPU power-on,
// matching spec.md §8 scenario 1.
package boot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gunyah-go/gunyah/internal/bootconfig"
	"github.com/gunyah-go/gunyah/internal/ipi"
	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/platform"
	"github.com/gunyah-go/gunyah/internal/power"
	"github.com/gunyah-go/gunyah/internal/primitives"
	"github.com/gunyah-go/gunyah/internal/scheduler"
	"github.com/gunyah-go/gunyah/internal/vcpu"
	"golang.org/x/sync/errgroup"
)

// Kernel is the live, running instance produced by ColdInit: every
// per-system singleton a subsystem wiring needs a handle to.
type Kernel struct {
	Config     *bootconfig.Config
	RootDB     *memdb.DB
	RootPart   *partition.Partition
	RCU        *primitives.RCU
	Scheduler  *scheduler.Scheduler
	IPI        *ipi.Layer
	Power      *power.Voting
	VMs        []*VM
}

// VM is one statically-configured virtual machine's bring-up result.
type VM struct {
	Config *bootconfig.VMConfig
	VCPUs  []*vcpu.VCPU
}

// SystemEvents adapts Kernel suspend/resume notifications for power.Voting.
type SystemEvents struct {
	OnSuspend func() bool
	OnResume  func()
}

func (e SystemEvents) Suspend() bool {
	if e.OnSuspend == nil {
		return true
	}
	return e.OnSuspend()
}

func (e SystemEvents) Resume() {
	if e.OnResume != nil {
		e.OnResume()
	}
}

// ColdInit brings up a kernel instance from cfg: allocates the root
// partition and memdb, constructs the scheduler/IPI/power layers for
// cfg.CoreCount CPUs, builds each configured VM's VCPUs (boot VCPU
// powered on synchronously, secondary CPUs powered on concurrently via
// errgroup once the root partition is live), matching the original's
// "arch init -> partition bring-up -> root VM activation -> secondary
// CPU power-on" ordering.
func ColdInit(ctx context.Context, cfg *bootconfig.Config, plat platform.Platform, events SystemEvents) (*Kernel, error) {
	log := slog.With("component", "boot")
	log.Debug("cold init starting", "cores", cfg.CoreCount, "vms", len(cfg.VMs))

	db := memdb.New()
	root := partition.New(nil, db)
	if err := root.Activate(); err != nil {
		return nil, fmt.Errorf("boot: activate root partition: %w", err)
	}
	log.Debug("root partition active")

	rcu := primitives.NewRCU(cfg.CoreCount, 64)
	sched := scheduler.New(cfg.CoreCount, rcu)
	ipiLayer := ipi.New(cfg.CoreCount, plat, nil)
	pv := power.New(cfg.CoreCount, plat, ipiLayer, events)

	k := &Kernel{
		Config:    cfg,
		RootDB:    db,
		RootPart:  root,
		RCU:       rcu,
		Scheduler: sched,
		IPI:       ipiLayer,
		Power:     pv,
	}

	for i := range cfg.VMs {
		vmCfg := &cfg.VMs[i]
		vm, err := buildVM(root, sched, pv, vmCfg)
		if err != nil {
			return nil, fmt.Errorf("boot: build vm %q: %w", vmCfg.Name, err)
		}
		k.VMs = append(k.VMs, vm)
	}

	if err := k.powerOnBootVCPUs(); err != nil {
		return nil, err
	}
	if err := k.powerOnSecondaryCPUs(ctx); err != nil {
		return nil, err
	}
	log.Debug("cold init complete")
	return k, nil
}

func buildVM(root *partition.Partition, sched *scheduler.Scheduler, pv *power.Voting, cfg *bootconfig.VMConfig) (*VM, error) {
	vm := &VM{Config: cfg}
	for i := 0; i < cfg.VCPUCount; i++ {
		isBoot := i == cfg.BootVCPU
		v := vcpu.New(root, sched, defaultVCPUPriority, isBoot)
		vcpuIndex := i
		handlers := vcpu.Handlers{
			PowerOn: func(cpu platform.CPUID) {
				_ = pv.VoteOn(vcpuIndex%pv.NumCPUs(), cfg.BootEntry, 0)
			},
		}
		if err := v.Configure(vcpu.Options{ProxyScheduled: false}, handlers, nil); err != nil {
			return nil, fmt.Errorf("configure vcpu %d: %w", i, err)
		}
		if err := v.Activate(); err != nil {
			return nil, fmt.Errorf("activate vcpu %d: %w", i, err)
		}
		vm.VCPUs = append(vm.VCPUs, v)
	}
	return vm, nil
}

const defaultVCPUPriority = 16

// powerOnBootVCPUs runs each VM's designated boot VCPU synchronously
// (root VM activation in original_source's boot.c terms).
func (k *Kernel) powerOnBootVCPUs() error {
	log := slog.With("component", "boot")
	for _, vm := range k.VMs {
		boot := vm.VCPUs[vm.Config.BootVCPU]
		if _, err := boot.Poweron(vm.Config.BootEntry, 0); err != nil {
			return fmt.Errorf("boot: poweron boot vcpu for %q: %w", vm.Config.Name, err)
		}
		log.Debug("boot vcpu powered on", "vm", vm.Config.Name, "vcpu", vm.Config.BootVCPU)
	}
	return nil
}

// powerOnSecondaryCPUs powers on every non-boot VCPU across every VM
// concurrently via errgroup, matching spec.md §8 scenario 1's
// parallel secondary-CPU bring-up.
func (k *Kernel) powerOnSecondaryCPUs(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, vm := range k.VMs {
		vm := vm
		for i, v := range vm.VCPUs {
			if i == vm.Config.BootVCPU {
				continue
			}
			v := v
			g.Go(func() error {
				_, err := v.Poweron(vm.Config.BootEntry, 0)
				return err
			})
		}
	}
	return g.Wait()
}
