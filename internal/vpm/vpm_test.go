package vpm

import "testing"

type fakeSource struct{ delivered int }

func (s *fakeSource) Deliver() { s.delivered++ }

func TestAggregateIsRunningIfAnyMemberRunning(t *testing.T) {
	g := New(nil)
	src := &fakeSource{}
	_ = g.BindVirq(src)
	g.AttachVCPU(0)
	g.AttachVCPU(1)

	g.ReportState(0, StateIdle)
	g.ReportState(1, StateRunning)
	if g.GetState() != StateRunning {
		t.Fatalf("state = %v, want StateRunning", g.GetState())
	}
	if src.delivered == 0 {
		t.Fatalf("expected a state-transition delivery")
	}
}

func TestAggregateIsPowerDownOnlyWhenEveryMemberIsPowerDown(t *testing.T) {
	g := New(nil)
	g.AttachVCPU(0)
	g.AttachVCPU(1)
	g.ReportState(0, StatePowerDown)
	if g.GetState() == StatePowerDown {
		t.Fatalf("state = %v, want anything but StatePowerDown with only one member reporting", g.GetState())
	}
	g.ReportState(1, StatePowerDown)
	if g.GetState() != StatePowerDown {
		t.Fatalf("state = %v, want StatePowerDown", g.GetState())
	}
}

func TestReportStateNoopWhenAggregateUnchanged(t *testing.T) {
	g := New(nil)
	src := &fakeSource{}
	_ = g.BindVirq(src)
	g.AttachVCPU(0)
	g.ReportState(0, StateRunning)
	before := src.delivered
	g.ReportState(0, StateRunning)
	if src.delivered != before {
		t.Fatalf("expected no extra delivery for a no-op state report")
	}
}
