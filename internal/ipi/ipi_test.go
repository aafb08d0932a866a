package ipi

import (
	"testing"

	"github.com/gunyah-go/gunyah/internal/platform/fakeplatform"
)

func TestOneAlwaysSendsPhysical(t *testing.T) {
	plat := fakeplatform.New(2)
	l := New(2, plat, nil)
	l.One(ReasonReschedule, 1)
	if !l.Pending(1, ReasonReschedule) {
		t.Fatalf("expected reason pending on target")
	}
	if got := plat.IPICount(); got != 1 {
		t.Fatalf("expected one physical IPI, got %d", got)
	}
}

func TestOneIdleSkipsPhysicalWhenTargetWaiting(t *testing.T) {
	plat := fakeplatform.New(2)
	var dispatched []Reason
	l := New(2, plat, func(cpu int, r Reason) { dispatched = append(dispatched, r) })
	l.EnterIdle(1)
	l.OneIdle(ReasonIdle, 1)
	if !l.Pending(1, ReasonIdle) {
		t.Fatalf("expected reason posted even on the fast-wakeup path")
	}
	if got := plat.IPICount(); got != 0 {
		t.Fatalf("expected no physical IPI to a CPU waiting in idle, got %d", got)
	}

	l.HandleRelaxed(1)
	if len(dispatched) != 1 || dispatched[0] != ReasonIdle {
		t.Fatalf("expected HandleRelaxed to dispatch ReasonIdle, got %v", dispatched)
	}
}

func TestHandleRelaxedDrainsAllSetBits(t *testing.T) {
	plat := fakeplatform.New(1)
	var got []Reason
	l := New(1, plat, func(cpu int, r Reason) { got = append(got, r) })
	l.OneRelaxed(ReasonReschedule, 0)
	l.OneRelaxed(ReasonTaskQueue, 0)

	l.HandleRelaxed(0)
	if len(got) != 2 {
		t.Fatalf("expected both pending reasons dispatched, got %v", got)
	}
	if l.Pending(0, ReasonReschedule) || l.Pending(0, ReasonTaskQueue) {
		t.Fatalf("expected pending word cleared after HandleRelaxed")
	}
}

func TestOthersSkipsCaller(t *testing.T) {
	plat := fakeplatform.New(3)
	l := New(3, plat, nil)
	l.Others(ReasonReschedule, 1)
	if l.Pending(1, ReasonReschedule) {
		t.Fatalf("caller CPU should not receive its own broadcast")
	}
	if !l.Pending(0, ReasonReschedule) || !l.Pending(2, ReasonReschedule) {
		t.Fatalf("expected every other CPU to receive the broadcast")
	}
}
