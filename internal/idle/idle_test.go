package idle

import "testing"

func TestPreemptRefusesEnableAcrossBootBarrier(t *testing.T) {
	p := NewPreempt()
	p.Disable()
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic enabling preemption before EndBoot")
		}
	}()
	p.Enable()
}

func TestPreemptEnableAfterEndBoot(t *testing.T) {
	p := NewPreempt()
	p.EndBoot()
	p.Disable()
	p.Enable()
	if p.Disabled() {
		t.Fatalf("expected preemption enabled after matching Disable/Enable")
	}
}

func TestPreemptNestedInterrupts(t *testing.T) {
	p := NewPreempt()
	if p.InInterrupt() {
		t.Fatalf("fresh Preempt should not report in-interrupt")
	}
	p.EnterInterrupt()
	p.EnterInterrupt()
	if !p.InInterrupt() {
		t.Fatalf("expected in-interrupt after EnterInterrupt")
	}
	p.ExitInterrupt()
	if !p.InInterrupt() {
		t.Fatalf("expected still in-interrupt after only one ExitInterrupt of two EnterInterrupt")
	}
	p.ExitInterrupt()
	if p.InInterrupt() {
		t.Fatalf("expected not in-interrupt after matching ExitInterrupt calls")
	}
}

func TestLoopStopsAtFirstNonIdleVerdict(t *testing.T) {
	calls := 0
	handlers := []Handler{
		func() Verdict { calls++; return VerdictIdle },
		func() Verdict { calls++; return VerdictReschedule },
		func() Verdict { calls++; return VerdictIdle },
	}
	waited := false
	reschedule := Loop(handlers, func(mode WaitMode) { waited = true })
	if !reschedule {
		t.Fatalf("expected Loop to report reschedule needed")
	}
	if calls != 2 {
		t.Fatalf("expected Loop to stop after the reschedule verdict, called %d handlers", calls)
	}
	if waited {
		t.Fatalf("expected Loop not to wait when a handler requested reschedule")
	}
}

func TestLoopWaitsWhenEveryHandlerIsIdle(t *testing.T) {
	handlers := []Handler{
		func() Verdict { return VerdictIdle },
		func() Verdict { return VerdictIdle },
	}
	var gotMode WaitMode = -1
	Loop(handlers, func(mode WaitMode) { gotMode = mode })
	if gotMode != WaitEvent {
		t.Fatalf("expected Loop to call wait with WaitEvent, got %v", gotMode)
	}
}
