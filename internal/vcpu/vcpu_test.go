package vcpu

import (
	"testing"

	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/platform"
	"github.com/gunyah-go/gunyah/internal/scheduler"
)

// newUnconfiguredVCPU returns a freshly constructed VCPU still in
// INIT state, so the caller can Configure it before Activate (Configure
// is INIT-state only, per spec.md 4.I).
func newUnconfiguredVCPU(t *testing.T, sched *scheduler.Scheduler) (*partition.Partition, *VCPU) {
	t.Helper()
	db := memdb.New()
	p := partition.New(nil, db)
	if err := p.Activate(); err != nil {
		t.Fatalf("partition Activate: %v", err)
	}
	return p, New(p, sched, 5, false)
}

func newTestVCPU(t *testing.T, sched *scheduler.Scheduler) (*partition.Partition, *VCPU) {
	t.Helper()
	p, v := newUnconfiguredVCPU(t, sched)
	if err := v.Activate(); err != nil {
		t.Fatalf("vcpu Activate: %v", err)
	}
	return p, v
}

func TestPoweronClearsOffBlockAndSetsEntry(t *testing.T) {
	sched := scheduler.New(1, nil)
	_, v := newUnconfiguredVCPU(t, sched)

	var poweredOnCPU platform.CPUID = 99
	if err := v.Configure(Options{}, Handlers{PowerOn: func(cpu platform.CPUID) { poweredOnCPU = cpu }}, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := v.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	reschedule, err := v.Poweron(0x4000, 0x1234)
	if err != nil {
		t.Fatalf("Poweron: %v", err)
	}
	if !reschedule {
		t.Fatalf("expected Poweron to report a pending reschedule")
	}
	if poweredOnCPU != 0 {
		t.Fatalf("expected poweron handler invoked with affinity 0, got %d", poweredOnCPU)
	}
	if v.Thread().IsBlocked(scheduler.ReasonVCPUOff) {
		t.Fatalf("expected VCPUOff block cleared after Poweron")
	}

	if _, err := v.Poweron(0x5000, 0); err == nil {
		t.Fatalf("expected a second Poweron (not OFF anymore) to fail")
	}
}

func TestPoweroffVetoBlocksTransition(t *testing.T) {
	sched := scheduler.New(1, nil)
	_, v := newUnconfiguredVCPU(t, sched)
	_ = v.Configure(Options{}, Handlers{PowerOff: func() bool { return false }}, nil)
	if err := v.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := v.Poweron(0, 0); err != nil {
		t.Fatalf("Poweron: %v", err)
	}

	if err := v.Poweroff(0, nil); err == nil {
		t.Fatalf("expected vetoed Poweroff to return an error")
	}
	if v.Thread().IsBlocked(scheduler.ReasonVCPUOff) {
		t.Fatalf("expected veto to leave the VCPU unblocked")
	}
}

func TestSuspendReturnsBusyOnPendingWakeup(t *testing.T) {
	sched := scheduler.New(1, nil)
	_, v := newUnconfiguredVCPU(t, sched)
	_ = v.Configure(Options{}, Handlers{PendingWakeup: func() bool { return true }}, nil)
	if err := v.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := v.Suspend(0, nil, nil); err == nil {
		t.Fatalf("expected Suspend to report Busy on a pending wakeup")
	}
}

func TestWakeupUnblocksWFI(t *testing.T) {
	sched := scheduler.New(1, nil)
	_, v := newTestVCPU(t, sched)
	sched.Block(v.Thread(), scheduler.ReasonVCPUWFI)

	if !v.Wakeup() {
		t.Fatalf("expected Wakeup to report a reschedule is needed")
	}
	if v.Thread().IsBlocked(scheduler.ReasonVCPUWFI) {
		t.Fatalf("expected VCPUWFI cleared after Wakeup")
	}
	if !v.PendingWakeup() {
		t.Fatalf("expected PendingWakeup true after Wakeup set the interrupted flag")
	}
}

func TestWarmResetInstallsNewEntryAndClearsSysregs(t *testing.T) {
	sched := scheduler.New(1, nil)
	_, v := newTestVCPU(t, sched)
	v.regs.SysRegs = map[string]uint64{"sctlr_el1": 0xdead}
	v.WarmReset(0x9000, 0x42)
	if v.regs.PC != 0x9000 || v.regs.GPRs[0] != 0x42 {
		t.Fatalf("expected PC/x0 installed by WarmReset")
	}
	if len(v.regs.SysRegs) != 0 {
		t.Fatalf("expected WarmReset to clear EL1 sysregs")
	}
}
