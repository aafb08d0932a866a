// Package idle implements the preempt-count/idle-loop layer from
// spec.md 4.G: preempt_disable/enable nesting with a boot bit and an
// in-interrupt bit layered over primitives.PreemptGuard, and the idle
// loop that consults power/IPI/VCPU handlers between WFI/WFE-style
// waits.
package idle

import (
	"github.com/gunyah-go/gunyah/internal/primitives"
)

// Verdict is the result of consulting an idle_yield handler.
type Verdict int

const (
	// VerdictIdle means the handler found nothing to do; the idle loop
	// may proceed to its low-power wait.
	VerdictIdle Verdict = iota
	// VerdictWakeup means a handler observed new work and the idle loop
	// should return immediately without waiting.
	VerdictWakeup
	// VerdictReschedule means the handler wants the scheduler run
	// immediately (a thread became runnable).
	VerdictReschedule
)

// Handler is consulted on every idle_yield iteration (power voting,
// IPI pending-word checks, VCPU wakeup state machines each register
// one).
type Handler func() Verdict

// Preempt is the per-thread preempt-count state from spec.md 4.G: a
// nesting counter (primitives.PreemptGuard), a boot bit that forbids
// enabling preemption before bootstrap completes, and an in-interrupt
// bit that gates whether a context switch may safely happen inside a
// nested ISR.
type Preempt struct {
	guard       primitives.PreemptGuard
	bootPending bool
	inInterrupt int
}

// NewPreempt constructs a Preempt still in the boot-pending state:
// Enable is refused until EndBoot runs, matching "a boot bit prevents
// enabling preemption before bootstrap completion".
func NewPreempt() *Preempt {
	return &Preempt{bootPending: true}
}

// EndBoot clears the boot-pending bit once cold/warm init has finished
// bringing this CPU up.
func (p *Preempt) EndBoot() { p.bootPending = false }

// Disable increments the nesting depth; always permitted.
func (p *Preempt) Disable() { p.guard.Disable() }

// Enable decrements the nesting depth. Panics if called while still
// boot-pending and this would be the outermost Enable, matching the
// boot-bit contract: the system never becomes preemptible before
// EndBoot.
func (p *Preempt) Enable() {
	if p.bootPending && p.guard.Depth() == 1 {
		panic("idle: preempt enable would cross the boot barrier before EndBoot")
	}
	p.guard.Enable()
}

// Disabled reports whether the calling context currently has
// preemption disabled (nesting depth > 0, or boot still pending).
func (p *Preempt) Disabled() bool { return p.guard.Disabled() || p.bootPending }

// EnterInterrupt/ExitInterrupt bracket ISR nesting. Safe points for a
// context switch (e.g. a deferred reschedule at EL1-return) must check
// InInterrupt() == 0.
func (p *Preempt) EnterInterrupt() { p.inInterrupt++ }
func (p *Preempt) ExitInterrupt()  { p.inInterrupt-- }
func (p *Preempt) InInterrupt() bool { return p.inInterrupt > 0 }

// WaitMode selects the architectural wait instruction the idle loop
// models (spec.md 4.G: WFI is interrupt-wakeable, WFE is event-
// wakeable; WFIT/WFET add a timeout where available).
type WaitMode int

const (
	WaitInterrupt WaitMode = iota // WFI / WFIT
	WaitEvent                     // WFE / WFET
)

// Loop runs the idle thread's body once: it consults handlers in
// order, and only if every one returns VerdictIdle does it perform the
// low-power wait (wait models WFI/WFE, or polling if neither
// wakeable-with-timeout primitive is available on this platform).
// Returns true if the scheduler should now be invoked.
func Loop(handlers []Handler, wait func(mode WaitMode)) bool {
	for _, h := range handlers {
		switch h() {
		case VerdictWakeup:
			return false
		case VerdictReschedule:
			return true
		case VerdictIdle:
		}
	}
	if wait != nil {
		wait(WaitEvent)
	}
	return false
}
