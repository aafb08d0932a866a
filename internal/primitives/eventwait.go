package primitives

import "gvisor.dev/gvisor/pkg/atomicbitops"

// EventWaiter implements the load_before_wait/wait primitive from
// spec.md 4.A: a CPU polls a predicate, registers interest in the
// memory location backing it, and parks in a low-power state that any
// store to that location (from any CPU) must wake it from.
//
// The real hardware primitive is WFE paired with an exclusive-monitor
// load (LDAXR); event_wake is SEV. On a host where EL2 is simulated by
// goroutines there is no exclusive monitor, so EventWaiter models the
// same contract with a per-waiter wake channel: Wake is idempotent and
// never blocks, and a Wake that happens before Wait is never lost
// because the channel's one-slot buffer records it as a pending post.
type EventWaiter struct {
	wake chan struct{}
}

// NewEventWaiter allocates a waiter. Each logical CPU/thread owns
// exactly one; it must not be shared between concurrent waiters.
func NewEventWaiter() *EventWaiter {
	return &EventWaiter{wake: make(chan struct{}, 1)}
}

// LoadBeforeWait performs an acquire load of addr. Callers must always
// re-check their predicate against the returned value before calling
// Wait, per spec.md 4.A, to avoid a lost wakeup between the check and
// the park.
func (w *EventWaiter) LoadBeforeWait(addr *atomicbitops.Uint64) uint64 {
	return addr.Load()
}

// Wait parks until Wake is called at least once since the last Wait
// returned (a store to the channel buffer models "any store to the
// monitored cache line"). It never misses a Wake that raced ahead of
// it, because the channel send is buffered with capacity one.
func (w *EventWaiter) Wait() {
	<-w.wake
}

// Wake wakes the waiter if it is parked, or arms a pending wakeup if
// it is not parked yet — the SEV-equivalent broadcast. Safe to call
// from any goroutine, including ones with no corresponding Waiter.
func (w *EventWaiter) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
