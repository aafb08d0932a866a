// Package power implements spec.md 4.H: per-CPU power voting, the
// per-CPU timer queue, and an RCU-sync blocking wrapper tying
// internal/primitives.RCU into the scheduler's block/unblock
// vocabulary.
package power

import (
	"context"
	"time"

	"github.com/gunyah-go/gunyah/internal/ipi"
	"github.com/gunyah-go/gunyah/internal/kerr"
	"github.com/gunyah-go/gunyah/internal/platform"
	"github.com/gunyah-go/gunyah/internal/primitives"
	"gvisor.dev/gvisor/pkg/sync"
)

// CPUState is a power state machine phase (spec.md 4.H).
type CPUState int

const (
	StateOff CPUState = iota
	StateStarted
	StateOnline
	StateSuspend
	StateOffline
	StateColdBoot
)

// retryBackoff is the fixed backoff power voting arms its retry timer
// with on ERROR_RETRY, racing an in-flight power-off (spec.md 4.H: "a
// fixed backoff (e.g. 1 ms)").
const retryBackoff = time.Millisecond

// cpuVote is one CPU's voting bookkeeping, guarded by its own lock
// (spec.md 5: "per-CPU structures ... protected by per-CPU locks;
// cross-CPU mutation is allowed").
type cpuVote struct {
	mu         sync.Mutex
	voteCount  int
	retryCount int
	retryTimer *time.Timer
	state      CPUState
	entry, ctx uint64
}

// SystemEvents are the suspend/resume hooks fired when the online-CPU
// set empties/repopulates.
type SystemEvents interface {
	// Suspend is called when online_cpus reaches zero; returning false
	// vetoes the suspend and it is aborted.
	Suspend() bool
	Resume()
}

// Voting is the per-CPU power-vote layer plus the system-wide
// online-CPU tracker.
type Voting struct {
	votes  []cpuVote
	plat   platform.Platform
	ipiL   *ipi.Layer
	events SystemEvents

	sysMu      sync.Mutex
	onlineCPUs int
}

// New constructs a Voting layer for numCPUs CPUs, all initially
// StateOff. ipiL is used for vote_cpu_off's "send an IDLE IPI to
// allow the target to revisit suspend"; it may be nil if the caller
// has no use for that fast-wakeup path (e.g. in unit tests).
func New(numCPUs int, plat platform.Platform, ipiL *ipi.Layer, events SystemEvents) *Voting {
	return &Voting{votes: make([]cpuVote, numCPUs), plat: plat, ipiL: ipiL, events: events}
}

// NumCPUs reports how many CPUs this layer tracks votes for.
func (v *Voting) NumCPUs() int { return len(v.votes) }

// State reports cpu's current power state.
func (v *Voting) State(cpu int) CPUState {
	v.votes[cpu].mu.Lock()
	defer v.votes[cpu].mu.Unlock()
	return v.votes[cpu].state
}

// VoteOn increments cpu's vote count; on the first vote while the CPU
// is OFF/OFFLINE, it calls platform_cpu_on. If that fails, a retry
// timer is armed with a fixed backoff and VoteOn returns a Retry
// error; the timer keeps retrying while the vote stands.
func (v *Voting) VoteOn(cpu int, entry, ctx uint64) error {
	cv := &v.votes[cpu]
	cv.mu.Lock()
	cv.voteCount++
	first := cv.voteCount == 1
	needsStart := first && (cv.state == StateOff || cv.state == StateOffline)
	cv.mu.Unlock()

	if !needsStart {
		return nil
	}

	if err := v.startCPU(cpu, entry, ctx); err != nil {
		return kerr.Wrap("power.VoteOn", kerr.Retry, err)
	}
	return nil
}

// startCPU calls platform_cpu_on; on an error that looks like a race
// with an in-flight power-off (ERROR_RETRY), it arms a fixed-backoff
// retry timer instead of failing permanently, matching spec.md 4.H.
func (v *Voting) startCPU(cpu int, entry, ctx uint64) error {
	cv := &v.votes[cpu]
	if err := v.plat.CPUOn(platform.CPUID(cpu), entry, ctx); err != nil {
		cv.mu.Lock()
		cv.retryCount++
		cv.entry, cv.ctx = entry, ctx
		if cv.retryTimer != nil {
			cv.retryTimer.Stop()
		}
		cv.retryTimer = time.AfterFunc(retryBackoff, func() { v.retryStartCPU(cpu) })
		cv.mu.Unlock()
		return err
	}
	cv.mu.Lock()
	cv.state = StateStarted
	cv.retryTimer = nil
	cv.mu.Unlock()
	v.cpuWentOnline(cpu)
	return nil
}

func (v *Voting) retryStartCPU(cpu int) {
	cv := &v.votes[cpu]
	cv.mu.Lock()
	stillWanted := cv.voteCount > 0 && cv.state != StateStarted && cv.state != StateOnline
	entry, ctx := cv.entry, cv.ctx
	cv.mu.Unlock()
	if !stillWanted {
		return
	}
	_ = v.startCPU(cpu, entry, ctx)
}

// VoteOff decrements cpu's vote count; at zero, cancels any pending
// retry and sends an idle IPI so the target revisits suspend.
func (v *Voting) VoteOff(cpu int) {
	cv := &v.votes[cpu]
	cv.mu.Lock()
	cv.voteCount--
	zero := cv.voteCount == 0
	if zero && cv.retryTimer != nil {
		cv.retryTimer.Stop()
		cv.retryTimer = nil
		cv.retryCount = 0
	}
	cv.mu.Unlock()

	if zero && v.ipiL != nil {
		v.ipiL.OneIdle(ipi.ReasonIdle, platform.CPUID(cpu))
	}
}

// cpuWentOnline counts cpu as online in the system-wide tracker and
// fires the system resume event when the online-CPU set repopulates
// (SetOffline is the counterpart that fires suspend).
func (v *Voting) cpuWentOnline(cpu int) {
	v.sysMu.Lock()
	v.onlineCPUs++
	wasEmpty := v.onlineCPUs == 1
	v.sysMu.Unlock()
	if wasEmpty && v.events != nil {
		v.events.Resume()
	}
}

// SetOffline marks cpu offline in the system-wide tracker; if this
// empties online_cpus, fires the suspend event, which may veto.
func (v *Voting) SetOffline(cpu int) error {
	cv := &v.votes[cpu]
	cv.mu.Lock()
	cv.state = StateOffline
	cv.mu.Unlock()

	v.sysMu.Lock()
	v.onlineCPUs--
	empty := v.onlineCPUs == 0
	v.sysMu.Unlock()

	if empty && v.events != nil {
		if !v.events.Suspend() {
			v.sysMu.Lock()
			v.onlineCPUs++
			v.sysMu.Unlock()
			return kerr.New("power.SetOffline", kerr.Denied)
		}
	}
	return nil
}

// TimerEntry is one per-CPU timer queue node, keyed by Timeout ticks
// (spec.md 4.H).
type TimerEntry struct {
	node    primitives.Node
	Timeout uint64
	Action  func()
}

// TimerQueue is a per-CPU ordered list of TimerEntry guarded by a
// single queue lock; entries carry no lock of their own.
type TimerQueue struct {
	mu   sync.Mutex
	list *primitives.List
	byNode map[*primitives.Node]*TimerEntry
	plat   platform.Platform
}

// NewTimerQueue constructs an empty queue bound to plat's physical
// timer for reprogramming.
func NewTimerQueue(plat platform.Platform) *TimerQueue {
	return &TimerQueue{list: primitives.NewList(), byNode: map[*primitives.Node]*TimerEntry{}, plat: plat}
}

func timerLess(byNode map[*primitives.Node]*TimerEntry) func(a, b *primitives.Node) bool {
	return func(a, b *primitives.Node) bool { return byNode[a].Timeout < byNode[b].Timeout }
}

// Enqueue inserts e in timeout order and reprograms the platform timer
// if e is now the earliest deadline.
func (q *TimerQueue) Enqueue(e *TimerEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byNode[&e.node] = e
	q.list.InsertOrdered(&e.node, timerLess(q.byNode))
	if q.list.Front() == &e.node {
		q.plat.TimerSetTimeout(e.Timeout)
	}
}

// Cancel removes e from the queue if still present.
func (q *TimerQueue) Cancel(e *TimerEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byNode[&e.node]; !ok {
		return
	}
	q.list.Remove(&e.node)
	delete(q.byNode, &e.node)
}

// Expire pops every entry whose Timeout <= nowTicks, releasing the
// queue lock around each Action call per spec.md 4.H ("releases the
// queue lock, calls the action event, re-acquires"), then reprograms
// the platform timer for the new earliest deadline (or cancels it if
// the queue is now empty).
func (q *TimerQueue) Expire(nowTicks uint64) {
	for {
		q.mu.Lock()
		n := q.list.Front()
		if n == nil {
			q.mu.Unlock()
			return
		}
		e := q.byNode[n]
		if e.Timeout > nowTicks {
			q.mu.Unlock()
			break
		}
		q.list.Remove(n)
		delete(q.byNode, n)
		q.mu.Unlock()

		if e.Action != nil {
			e.Action()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.list.Front(); n != nil {
		q.plat.TimerSetTimeout(q.byNode[n].Timeout)
	} else {
		q.plat.TimerCancelTimeout()
	}
}

// RCUSyncBlocker binds an RCU domain to the scheduler's block/unblock
// vocabulary (spec.md 4.H: "sync() blocks the calling thread with
// RCU_SYNC, enqueues a completion callback ... the callback unblocks
// the thread"). Block/Unblock are injected so this package does not
// import internal/scheduler directly (avoiding a cycle; vcpu wires the
// two together).
type RCUSyncBlocker struct {
	rcu     *primitives.RCU
	block   func()
	unblock func()
}

// NewRCUSyncBlocker constructs a blocker over rcu. block/unblock are
// the caller's scheduler hooks already bound to the RCU_SYNC block
// reason (e.g. `func() { sched.Block(self, scheduler.ReasonRCUSync) }`),
// kept as plain closures here so this package need not import
// internal/scheduler.
func NewRCUSyncBlocker(rcu *primitives.RCU, block, unblock func()) *RCUSyncBlocker {
	return &RCUSyncBlocker{rcu: rcu, block: block, unblock: unblock}
}

// Sync blocks the calling thread (via the injected block/unblock
// hooks) until a full RCU grace period elapses.
func (b *RCUSyncBlocker) Sync(ctx context.Context) error {
	b.block()
	defer b.unblock()
	return b.rcu.Sync(ctx)
}

// SyncKillable is Sync but returns false instead of an error if ctx is
// cancelled before the grace period completes (the killed-waiter
// case), matching thread_kill's RCU_SYNC-is-killable rule in spec.md
// 5.
func (b *RCUSyncBlocker) SyncKillable(ctx context.Context) (bool, error) {
	b.block()
	defer b.unblock()
	return b.rcu.SyncKillable(ctx)
}
