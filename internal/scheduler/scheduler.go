// Package scheduler implements the fixed-priority round-robin
// scheduler from spec.md 4.E: one FIFO runqueue per priority level per
// CPU, block-reason bitmaps, and the schedule/yield/yield_to/block/
// unblock/trigger/set_affinity operation set. The trivial single-
// priority shape is just FPRR with NumPriorities==1.
package scheduler

import (
	"context"

	"github.com/gunyah-go/gunyah/internal/kerr"
	"github.com/gunyah-go/gunyah/internal/primitives"
	"gvisor.dev/gvisor/pkg/sync"
)

// BlockReason bits, one per distinct wait cause (spec.md 4.E).
type BlockReason int

const (
	ReasonIdle BlockReason = iota
	ReasonVCPUOff
	ReasonVCPUSuspend
	ReasonVCPUWFI
	ReasonWaitQueue
	ReasonRCUSync
	ReasonAddrspaceVMMIOAccess
	ReasonVCPURun
	ReasonVCPUFault
	ReasonThreadLifecycle
	ReasonTest
	numReasons
)

// NumPriorities bounds the priority range; priority 0 is lowest.
// Real deployments use a handful of levels (idle, normal, RT); the
// trivial scheduler shape is simply NumPriorities==1.
const NumPriorities = 32

// Thread is a schedulable entity: a VCPU or a kernel-internal worker.
// It embeds a primitives.Node so it can live in exactly one runqueue
// at a time without an allocation.
type Thread struct {
	node primitives.Node

	mu         sync.Mutex
	priority   int
	affinity   primitives.CPUIndex
	pinCount   int
	timeslice  uint64
	blockBits  primitives.Bitmap
	cpu        primitives.CPUIndex // CPUIndex of the runqueue currently holding it, InvalidCPU if not runnable
	running    bool

	// donated holds the priority temporarily granted by a yield_to
	// caller, and the count of active donations (nested yield_to is
	// legal: the highest donated priority wins).
	donated      int
	donationCount int

	name string
}

// NewThread constructs a thread blocked with ReasonThreadLifecycle
// (spec.md's object-activation-time initial state: every VCPU/kernel
// thread starts blocked until something explicitly unblocks it).
func NewThread(name string, priority int) *Thread {
	t := &Thread{priority: priority, affinity: primitives.InvalidCPU, cpu: primitives.InvalidCPU, name: name}
	t.blockBits = *primitives.NewBitmap(int(numReasons))
	t.blockBits.Set(int(ReasonThreadLifecycle))
	register(t)
	return t
}

func (t *Thread) effectivePriority() int {
	if t.donationCount > 0 && t.donated > t.priority {
		return t.donated
	}
	return t.priority
}

func (t *Thread) isRunnableLocked() bool { return t.blockBits.IsEmpty() }

// IsBlocked reports whether reason currently blocks t; other block
// reasons are not consulted.
func (t *Thread) IsBlocked(reason BlockReason) bool {
	return t.blockBits.Test(int(reason))
}

// IsRunnable reports whether t has no outstanding block reasons.
func (t *Thread) IsRunnable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRunnableLocked()
}

// IsRunning reports whether t is the active thread on some CPU.
func (t *Thread) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Thread) Name() string { return t.name }

// runqueue is one FIFO per priority level on a single CPU.
type runqueue struct {
	lists [NumPriorities]primitives.List
}

func newRunqueue() *runqueue {
	rq := &runqueue{}
	for i := range rq.lists {
		rq.lists[i] = *primitives.NewList()
	}
	return rq
}

func (rq *runqueue) highestNonEmpty() (int, bool) {
	for p := NumPriorities - 1; p >= 0; p-- {
		if !rq.lists[p].Empty() {
			return p, true
		}
	}
	return 0, false
}

// perCPUState is the per-CPU scheduler state from spec.md 4.E: a
// runqueue, the active thread, and a reschedule-required flag.
type perCPUState struct {
	mu        sync.Mutex
	rq        *runqueue
	active    *Thread
	idle      *Thread
	rescheduleNeeded bool
}

// Scheduler owns every CPU's runqueue and the global per-thread lock
// discipline (spec.md 4.E operations take `scheduler_lock(thread)`,
// modeled here as each thread's own mu plus its current CPU's rq
// lock, acquired CPU-then-thread to match the lock-ordering rule the
// object-capability layer already established).
type Scheduler struct {
	cpus []perCPUState
	rcu  *primitives.RCU
}

// New constructs a scheduler for numCPUs CPUs, each seeded with its
// own idle thread at priority 0 blocked with ReasonIdle.
func New(numCPUs int, rcu *primitives.RCU) *Scheduler {
	s := &Scheduler{cpus: make([]perCPUState, numCPUs), rcu: rcu}
	for i := range s.cpus {
		idle := NewThread("idle", 0)
		idle.blockBits.Clear(int(ReasonThreadLifecycle))
		idle.blockBits.Set(int(ReasonIdle))
		idle.cpu = primitives.CPUIndex(i)
		s.cpus[i] = perCPUState{rq: newRunqueue(), idle: idle, active: idle}
	}
	return s
}

// Idle returns cpu's idle thread.
func (s *Scheduler) Idle(cpu primitives.CPUIndex) *Thread { return s.cpus[cpu].idle }

// Current returns the thread currently active on cpu.
func (s *Scheduler) Current(cpu primitives.CPUIndex) *Thread {
	s.cpus[cpu].mu.Lock()
	defer s.cpus[cpu].mu.Unlock()
	return s.cpus[cpu].active
}

// enqueueLocked queues t on cpu at its effective priority, tail of
// its level, and marks the CPU's reschedule-needed flag.
func (s *Scheduler) enqueueLocked(cpu primitives.CPUIndex, t *Thread) {
	pcs := &s.cpus[cpu]
	t.cpu = cpu
	pcs.rq.lists[t.effectivePriority()].PushBack(&t.node)
	pcs.rescheduleNeeded = true
}

// Block sets reason on t, matching spec.md 4.E's "bitmap operations
// under scheduler_lock(thread)". No-op if reason is already set.
func (s *Scheduler) Block(t *Thread, reason BlockReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockBits.Set(int(reason))
}

// Unblock clears reason on t. Returns true if this made t runnable
// and t is not already running, in which case the caller should
// follow with Trigger or Schedule on t's CPU (spec.md 4.E).
func (s *Scheduler) Unblock(t *Thread, reason BlockReason) bool {
	t.mu.Lock()
	wasBlocked := t.blockBits.Test(int(reason))
	t.blockBits.Clear(int(reason))
	runnable := t.isRunnableLocked()
	running := t.running
	cpu := t.affinity
	if cpu == primitives.InvalidCPU {
		cpu = t.cpu
	}
	if cpu == primitives.InvalidCPU {
		cpu = 0
	}
	t.mu.Unlock()

	if !wasBlocked || !runnable || running {
		return false
	}

	s.cpus[cpu].mu.Lock()
	s.enqueueLocked(cpu, t)
	s.cpus[cpu].mu.Unlock()
	return true
}

// Trigger posts a relaxed reschedule request to cpu, consulted at the
// next Schedule call on that CPU (spec.md 4.F's one_relaxed IPI is
// the cross-CPU analogue; Trigger here is the same-CPU fast path).
func (s *Scheduler) Trigger(cpu primitives.CPUIndex) {
	s.cpus[cpu].mu.Lock()
	s.cpus[cpu].rescheduleNeeded = true
	s.cpus[cpu].mu.Unlock()
}

// Schedule picks the highest-priority runnable thread for cpu. If it
// is already the active thread, it returns false without switching;
// otherwise it installs the new active thread and returns true. The
// caller must already be running with preemption disabled for the
// duration (spec.md 4.E); switchFn performs the actual context switch
// (internal/platform.ArchTrampoline.SwitchTo in the real dispatch
// path) and is called with the old and new thread.
func (s *Scheduler) Schedule(cpu primitives.CPUIndex, switchFn func(old, next *Thread)) bool {
	pcs := &s.cpus[cpu]
	pcs.mu.Lock()
	defer pcs.mu.Unlock()

	pcs.rescheduleNeeded = false
	prio, ok := pcs.rq.highestNonEmpty()
	// A running thread is off the runqueue unless Yield re-queued it;
	// while still runnable it keeps the CPU unless a strictly
	// higher-priority thread is queued.
	if cur := pcs.active; cur != pcs.idle && cur.IsRunnable() {
		queued := false
		for n := pcs.rq.lists[cur.effectivePriority()].Front(); n != nil; n = n.Next() {
			if n == &cur.node {
				queued = true
				break
			}
		}
		if !queued && (!ok || cur.effectivePriority() >= prio) {
			return false
		}
	}
	var next *Thread
	if ok {
		n := pcs.rq.lists[prio].Front()
		next = threadOf(n)
	} else {
		next = pcs.idle
	}
	if next == pcs.active {
		return false
	}
	if ok {
		pcs.rq.lists[prio].Remove(&next.node)
	}

	old := pcs.active
	old.mu.Lock()
	old.running = false
	old.mu.Unlock()

	next.mu.Lock()
	next.running = true
	next.mu.Unlock()

	pcs.active = next
	if switchFn != nil {
		switchFn(old, next)
	}
	if s.rcu != nil {
		s.rcu.QuiescentPoint(int(cpu))
	}
	return true
}

// Yield rotates the current thread to the tail of its own priority
// queue, then schedules.
func (s *Scheduler) Yield(cpu primitives.CPUIndex, switchFn func(old, next *Thread)) bool {
	pcs := &s.cpus[cpu]
	pcs.mu.Lock()
	cur := pcs.active
	if cur != pcs.idle {
		s.enqueueLocked(cpu, cur)
	}
	pcs.mu.Unlock()
	return s.Schedule(cpu, switchFn)
}

// YieldTo implements priority donation (spec.md 4.E): target is
// switched to directly regardless of strict priority ordering, with
// its effective priority temporarily raised to at least the caller's,
// preventing priority inversion while the caller waits on a
// yield-complete condition. The caller is responsible for later
// calling EndDonation once the donation-backed work completes.
func (s *Scheduler) YieldTo(cpu primitives.CPUIndex, caller, target *Thread, switchFn func(old, next *Thread)) bool {
	caller.mu.Lock()
	callerPrio := caller.effectivePriority()
	caller.mu.Unlock()

	target.mu.Lock()
	if callerPrio > target.donated {
		target.donated = callerPrio
	}
	target.donationCount++
	target.mu.Unlock()

	pcs := &s.cpus[cpu]
	pcs.mu.Lock()
	// Remove target from wherever it is queued, if runnable, so it can
	// be installed directly rather than waiting for its queue position.
	if target.IsRunnable() && !target.IsRunning() {
		pcs.rq.lists[target.effectivePriority()].Remove(&target.node)
	}
	pcs.mu.Unlock()

	old := pcs.active
	pcs.mu.Lock()
	pcs.active = target
	old.mu.Lock()
	old.running = false
	old.mu.Unlock()
	target.mu.Lock()
	target.running = true
	target.mu.Unlock()
	pcs.mu.Unlock()

	if switchFn != nil {
		switchFn(old, target)
	}
	if s.rcu != nil {
		s.rcu.QuiescentPoint(int(cpu))
	}
	return true
}

// EndDonation reverses one YieldTo donation on t.
func (s *Scheduler) EndDonation(t *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.donationCount > 0 {
		t.donationCount--
	}
	if t.donationCount == 0 {
		t.donated = 0
	}
}

// threadOf recovers the Thread owning a queued Node. primitives.List is
// intrusive and generic over Node, so it has no notion of the struct
// embedding it (no container_of in Go) — every Thread registers its
// node identity at construction, matching the pattern in
// primitives_test.go's timer queue test.
func threadOf(n *primitives.Node) *Thread {
	nodeOwnersMu.Lock()
	defer nodeOwnersMu.Unlock()
	return nodeOwners[n]
}

var (
	nodeOwnersMu sync.Mutex
	nodeOwners   = map[*primitives.Node]*Thread{}
)

// SetAffinity implements spec.md 4.E's migratable-thread affinity
// change: if t is migratable (affinity already INVALID is not
// required; any thread may be re-pinned), the affinity is updated,
// and if t is currently running on a different CPU than newCPU, the
// caller awaits one RCU grace period so no stale "active" pointer to
// t survives the change on the old CPU. A pinned thread (see Pin) is
// refused with Busy.
func (s *Scheduler) SetAffinity(ctx context.Context, t *Thread, newCPU primitives.CPUIndex) error {
	t.mu.Lock()
	if t.pinCount > 0 {
		t.mu.Unlock()
		return kerr.New("scheduler.SetAffinity", kerr.Busy)
	}
	t.affinity = newCPU
	running := t.running
	oldCPU := t.cpu
	t.mu.Unlock()

	if running && oldCPU != newCPU && oldCPU != primitives.InvalidCPU && s.rcu != nil {
		if err := s.rcu.Sync(ctx); err != nil {
			return kerr.Wrap("scheduler.SetAffinity", kerr.Failure, err)
		}
	}
	return nil
}

// Pin increments t's pin count, preventing SetAffinity-driven
// migration until a matching Unpin (used by code that holds a raw
// pointer to t's state across a non-preemptible region).
func (t *Thread) Pin()   { t.mu.Lock(); t.pinCount++; t.mu.Unlock() }
func (t *Thread) Unpin() { t.mu.Lock(); t.pinCount--; t.mu.Unlock() }

// register associates n's owning Thread for threadOf's lookup. Called
// once by NewThread since every Thread's node identity is stable for
// its lifetime.
func register(t *Thread) {
	nodeOwnersMu.Lock()
	nodeOwners[&t.node] = t
	nodeOwnersMu.Unlock()
}
