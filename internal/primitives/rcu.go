package primitives

import (
	"context"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// RCU implements read-copy-update reclamation (spec.md 4.A): read
// sections never suspend and need no bookkeeping beyond a nesting
// depth for debug assertions; Sync blocks the caller until every CPU
// has passed a quiescent point (context switch, idle entry, return to
// EL2->EL1) that started at or after the call; Enqueue defers a
// callback to the next grace period rather than blocking.
//
// Grace-period detection: a global epoch counter and one "last
// observed epoch" stamp per CPU. A CPU is quiescent for epoch E once
// its stamp is >= E. Sync bumps the epoch and fans out one waiter per
// CPU (via errgroup, mirroring how the scheduler already treats CPUs
// as independent goroutines) that blocks on that CPU's EventWaiter
// until its stamp catches up.
type RCU struct {
	epoch     atomicbitops.Uint64
	perCPU    []atomicbitops.Uint64
	waiters   []*EventWaiter
	callbacks chan func()
}

// NewRCU constructs an RCU domain for a system with numCPUs logical
// CPUs. callbackBuffer bounds the number of deferred Enqueue callbacks
// that may be outstanding before Enqueue blocks its caller (callers on
// the IRQ fastpath should size this generously; it is not meant to
// apply true backpressure).
func NewRCU(numCPUs, callbackBuffer int) *RCU {
	r := &RCU{
		perCPU:    make([]atomicbitops.Uint64, numCPUs),
		waiters:   make([]*EventWaiter, numCPUs),
		callbacks: make(chan func(), callbackBuffer),
	}
	for i := range r.waiters {
		r.waiters[i] = NewEventWaiter()
	}
	return r
}

// ReadStart/ReadFinish bracket an RCU read-side critical section. They
// never suspend; they exist purely as a documentation/assertion
// boundary (a debug build could assert no suspension occurs between
// them). Real suspension-prevention is the caller's responsibility
// (preempt-disable or equivalent).
func (r *RCU) ReadStart() {}
func (r *RCU) ReadFinish() {}

// QuiescentPoint records that cpu has passed a quiescent state. Called
// by the scheduler on every context switch and idle entry, and by the
// EL1 return path.
func (r *RCU) QuiescentPoint(cpu int) {
	r.perCPU[cpu].Store(r.epoch.Load())
	r.waiters[cpu].Wake()
}

// Enqueue defers fn to run no sooner than the next full grace period.
// It blocks the caller while callbackBuffer callbacks are already
// outstanding (see NewRCU).
func (r *RCU) Enqueue(fn func()) {
	r.callbacks <- fn
}

// Sync blocks the caller until a full grace period elapses, then runs
// every callback enqueued before the call (spec.md's "blocks the
// calling thread with RCU_SYNC, enqueues a completion callback in the
// next grace period" — here realized directly rather than through a
// separate scheduler block reason, since that binding lives in
// internal/power's blocking wrapper around RCU).
func (r *RCU) Sync(ctx context.Context) error {
	target := r.epoch.Add(1)

	g, gctx := errgroup.WithContext(ctx)
	for cpu := range r.perCPU {
		cpu := cpu
		g.Go(func() error {
			for {
				if r.perCPU[cpu].Load() >= target {
					return nil
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				r.waiters[cpu].Wait()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.drain()
	return nil
}

// SyncKillable is Sync but cancellable via ctx; it returns false (with
// a nil error) if ctx was cancelled before the grace period completed,
// matching spec.md's "returns false if the waiter was killed" (the
// caller — internal/vcpu's kill path — cancels ctx from thread_kill).
func (r *RCU) SyncKillable(ctx context.Context) (completed bool, err error) {
	err = r.Sync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *RCU) drain() {
	for {
		select {
		case fn := <-r.callbacks:
			fn()
		default:
			return
		}
	}
}
