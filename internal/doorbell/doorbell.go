// Package doorbell implements spec.md 4.K: the doorbell object, a
// wait-queue primitive, and a per-CPU task queue consumed on
// IPI_REASON_TASK_QUEUE.
package doorbell

import (
	"github.com/gunyah-go/gunyah/internal/object"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/primitives"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// Source is the narrow vgic surface a Doorbell asserts its bound VIRQ
// through.
type Source interface {
	Deliver()
}

// Doorbell is a 64-bit flags word with an enable mask and an ack mask
// (spec.md 4.K). send ORs flags in; if the resulting flags word has
// any enabled bit set, the bound VIRQ is asserted and the ack-masked
// bits are cleared.
type Doorbell struct {
	hdr object.Header

	mu     sync.Mutex
	flags  atomicbitops.Uint64
	enable uint64
	ack    uint64
	virq   Source
}

// New allocates a doorbell object in INIT state.
func New(owner *partition.Partition) *Doorbell {
	d := &Doorbell{}
	d.hdr.Init(object.TypeDoorbell, owner, d)
	return d
}

func (d *Doorbell) Header() *object.Header { return &d.hdr }
func (d *Doorbell) Deactivate()             {}
func (d *Doorbell) Activate() error         { return d.hdr.Activate("doorbell.Activate") }

// BindVirq attaches the VIRQ source asserted by Send, INIT-state only.
func (d *Doorbell) BindVirq(src Source) error {
	d.hdr.Lock()
	defer d.hdr.Unlock()
	if err := d.hdr.RequireInit("doorbell.BindVirq"); err != nil {
		return err
	}
	d.mu.Lock()
	d.virq = src
	d.mu.Unlock()
	return nil
}

// Send ORs newFlags into the flags word. If the whole flags word ANDed
// with the enable mask is non-zero, the bound VIRQ is asserted and the
// ack-masked bits are cleared (spec.md 4.K).
func (d *Doorbell) Send(newFlags uint64) {
	for {
		old := d.flags.Load()
		updated := old | newFlags
		if d.flags.CompareAndSwap(old, updated) == old {
			break
		}
	}

	d.mu.Lock()
	enabled := d.flags.Load()&d.enable != 0
	src := d.virq
	ackMask := d.ack
	d.mu.Unlock()

	if enabled {
		if ackMask != 0 {
			for {
				old := d.flags.Load()
				if d.flags.CompareAndSwap(old, old&^ackMask) == old {
					break
				}
			}
		}
		if src != nil {
			src.Deliver()
		}
	}
}

// Receive reads the flags word and clears clearMask from it,
// returning the pre-clear value.
func (d *Doorbell) Receive(clearMask uint64) uint64 {
	for {
		old := d.flags.Load()
		if d.flags.CompareAndSwap(old, old&^clearMask) == old {
			return old
		}
	}
}

// Mask installs a new enable/ack mask pair and re-evaluates pending
// flags: if any bit newly unmasked by enable is already set, the
// bound VIRQ is edge-delivered (spec.md 4.K).
func (d *Doorbell) Mask(newEnable, newAck uint64) {
	d.mu.Lock()
	oldEnable := d.enable
	d.enable = newEnable
	d.ack = newAck
	src := d.virq
	d.mu.Unlock()

	newlyUnmasked := newEnable &^ oldEnable
	if newlyUnmasked == 0 {
		return
	}
	if d.flags.Load()&newlyUnmasked != 0 && src != nil {
		src.Deliver()
	}
}

// Reset clears the flags, enable, and ack state back to zero.
func (d *Doorbell) Reset() {
	d.flags.Store(0)
	d.mu.Lock()
	d.enable = 0
	d.ack = 0
	d.mu.Unlock()
}

// Waiter is one thread's wait-queue membership, implementing the
// prepare/get/wait/finish protocol of spec.md 4.K.
type Waiter struct {
	node    primitives.Node
	woken   atomicbitops.Uint32
	blockFn   func()
	unblockFn func()
}

// NewWaiter builds a waiter bound to the caller's block/unblock hooks,
// already scoped to whatever WAIT_QUEUE block reason the caller uses
// (kept as closures so this package need not import internal/scheduler,
// the same seam used by internal/power's RCUSyncBlocker).
func NewWaiter(blockFn, unblockFn func()) *Waiter {
	return &Waiter{blockFn: blockFn, unblockFn: unblockFn}
}

// WaitQueue is a spinlock-guarded list of waiters.
type WaitQueue struct {
	mu      sync.Mutex
	list    *primitives.List
	byNode  map[*primitives.Node]*Waiter
}

// NewWaitQueue constructs an empty queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{list: primitives.NewList(), byNode: map[*primitives.Node]*Waiter{}}
}

// Prepare enqueues w under the queue's lock.
func (q *WaitQueue) Prepare(w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w.woken.Store(0)
	q.byNode[&w.node] = w
	q.list.PushBack(&w.node)
}

// Get blocks w's thread with WAIT_QUEUE, unless Wakeup has already
// fired for it since Prepare (a fence pairing with Wakeup's release).
func (q *WaitQueue) Get(w *Waiter) {
	if w.woken.Load() != 0 {
		return
	}
	w.blockFn()
}

// Wait yields after Get reports the thread should block; callers pass
// the actual yield as yieldFn since the scheduler call needs the
// caller's CPU index/switch function, which this package does not
// have.
func (q *WaitQueue) Wait(yieldFn func()) {
	yieldFn()
}

// Finish dequeues w.
func (q *WaitQueue) Finish(w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byNode[&w.node]; !ok {
		return
	}
	q.list.Remove(&w.node)
	delete(q.byNode, &w.node)
}

// Wakeup unblocks every waiter currently enqueued, with a seq-cst
// fence pairing the get-side check (spec.md 4.K): each waiter's woken
// flag is set before its unblock hook runs, so a concurrent Get either
// observes woken and skips blocking, or blocks and is unblocked here.
func (q *WaitQueue) Wakeup() {
	q.mu.Lock()
	var woken []*Waiter
	for n := q.list.Front(); n != nil; n = n.Next() {
		woken = append(woken, q.byNode[n])
	}
	q.mu.Unlock()

	for _, w := range woken {
		w.woken.Store(1)
		w.unblockFn()
	}
}

// TaskEntry is a one-shot unit of work scheduled onto a CPU's task
// queue, dispatched on IPI_REASON_TASK_QUEUE.
type TaskEntry struct {
	node      primitives.Node
	cancelled atomicbitops.Uint32
	Run       func()
}

// TaskQueue is a per-CPU ordered intrusive list of pending TaskEntry.
type TaskQueue struct {
	mu     sync.Mutex
	list   *primitives.List
	byNode map[*primitives.Node]*TaskEntry
}

// NewTaskQueue constructs an empty per-CPU task queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{list: primitives.NewList(), byNode: map[*primitives.Node]*TaskEntry{}}
}

// Schedule enqueues e for execution the next time this CPU handles
// IPI_REASON_TASK_QUEUE. The caller is responsible for actually
// sending that IPI (internal/ipi.Layer.One/Others).
func (q *TaskQueue) Schedule(e *TaskEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byNode[&e.node] = e
	q.list.PushBack(&e.node)
}

// Cancel marks e cancelled; if Drain has already popped it, this is a
// harmless no-op (cancellation is best-effort and lies outside RCU
// grace, per spec.md 4.K).
func (q *TaskQueue) Cancel(e *TaskEntry) {
	e.cancelled.Store(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byNode[&e.node]; ok {
		q.list.Remove(&e.node)
		delete(q.byNode, &e.node)
	}
}

// Drain runs every currently-queued entry's handler in order,
// skipping any cancelled in the meantime.
func (q *TaskQueue) Drain() {
	for {
		q.mu.Lock()
		n := q.list.Front()
		if n == nil {
			q.mu.Unlock()
			return
		}
		e := q.byNode[n]
		q.list.Remove(n)
		delete(q.byNode, n)
		q.mu.Unlock()

		if e.cancelled.Load() == 0 && e.Run != nil {
			e.Run()
		}
	}
}
