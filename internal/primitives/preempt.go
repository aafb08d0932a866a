package primitives

// PreemptGuard is the bare nesting counter behind preempt_disable/
// preempt_enable (spec.md 4.G). It is deliberately minimal — no boot
// bit, no in-interrupt bit, no reschedule-on-enable hook — those live
// in internal/idle.Preempt, which embeds a PreemptGuard per thread and
// adds the scheduler-aware behavior. TicketLock only needs the raw
// nesting count to bracket its Lock/Unlock pair.
type PreemptGuard struct {
	depth int
}

// Disable increments the nesting depth.
func (p *PreemptGuard) Disable() {
	p.depth++
}

// Enable decrements the nesting depth. Panics on underflow: an
// Enable with no matching Disable is a programmer bug, not a runtime
// condition to recover from.
func (p *PreemptGuard) Enable() {
	if p.depth == 0 {
		panic("primitives: preempt enable without matching disable")
	}
	p.depth--
}

// Depth returns the current nesting depth. Zero means preemption is
// enabled.
func (p *PreemptGuard) Depth() int {
	return p.depth
}

// Disabled reports whether the guard is currently in a disabled
// region.
func (p *PreemptGuard) Disabled() bool {
	return p.depth > 0
}
