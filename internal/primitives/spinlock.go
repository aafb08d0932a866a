package primitives

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// TicketLock is the ticket spinlock from spec.md 4.A: two 16-bit
// counters packed into one atomic word so acquire is a single
// fetch-add. now_serving lives in the low 16 bits, next_ticket in the
// high 16 bits.
type TicketLock struct {
	word    atomicbitops.Uint32
	waiters []*EventWaiter // indexed by ticket % len(waiters), best-effort wake fan-out
}

const ticketLockFanout = 32

// NewTicketLock constructs an unlocked lock.
func NewTicketLock() *TicketLock {
	l := &TicketLock{waiters: make([]*EventWaiter, ticketLockFanout)}
	for i := range l.waiters {
		l.waiters[i] = NewEventWaiter()
	}
	return l
}

func (l *TicketLock) myWaiter(ticket uint16) *EventWaiter {
	return l.waiters[int(ticket)%len(l.waiters)]
}

// Lock acquires the lock, preempt-disable bracketing included (callers
// needing the _nopreempt variant should call LockNoPreempt via Preempt
// directly instead — see preempt.go).
func (l *TicketLock) Lock(p *PreemptGuard) {
	p.Disable()
	l.LockNoPreempt()
}

// Unlock releases the lock and re-enables preemption to match Lock.
func (l *TicketLock) Unlock(p *PreemptGuard) {
	l.UnlockNoPreempt()
	p.Enable()
}

// LockNoPreempt acquires the lock without touching the preempt count,
// for call sites already inside a preempt-disabled region (e.g. IRQ
// context).
func (l *TicketLock) LockNoPreempt() {
	old := l.word.Add(1 << 16)
	myTicket := uint16(old >> 16)
	w := l.myWaiter(myTicket)
	for {
		nowServing := uint16(l.word.Load())
		if nowServing == myTicket {
			return
		}
		w.Wait()
		// Tickets that share a fan-out bucket park on the same waiter;
		// a wakeup consumed here that belongs to the ticket now being
		// served is passed on so its holder is not left parked.
		if ns := uint16(l.word.Load()); ns != myTicket && l.myWaiter(ns) == w {
			w.Wake()
		}
	}
}

// UnlockNoPreempt releases the lock and wakes whichever waiter (if
// any) is spinning on the next ticket.
func (l *TicketLock) UnlockNoPreempt() {
	cur := uint16(l.word.Load())
	next := cur + 1
	for {
		old := l.word.Load()
		newWord := (old &^ 0xFFFF) | uint32(next)
		if l.word.CompareAndSwap(old, newWord) == old {
			break
		}
	}
	// Wake every fan-out bucket: at most ticketLockFanout-1 spurious
	// wakeups, never a missed one, matching the WFE/SEV broadcast the
	// ticket lock is built on in spec.md 4.A.
	for _, w := range l.waiters {
		w.Wake()
	}
}

// TryLock attempts to acquire without blocking, succeeding only if the
// lock is uncontended (next_ticket == now_serving at the instant of
// the CAS).
func (l *TicketLock) TryLock() bool {
	old := l.word.Load()
	nowServing := uint16(old)
	nextTicket := uint16(old >> 16)
	if nowServing != nextTicket {
		return false
	}
	newWord := old + (1 << 16)
	return l.word.CompareAndSwap(old, newWord) == old
}
