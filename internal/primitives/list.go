package primitives

import "sync/atomic"

// Node is an intrusive list link, embedded by callers (runqueue
// entries, timer-queue entries, vgic deferred-queue entries) so that
// enqueue/dequeue never allocates.
//
// next is an atomic.Pointer so a consume-style iterator can walk a
// node concurrently with Remove unlinking it elsewhere: spec.md 4.A
// requires delete_node to leave the removed node's own pointers valid
// until the next RCU grace period, which here means Remove does not
// clear n.next/n.prev itself — it only repoints the node's former
// neighbors, and relies on the owning RCU domain (if any) to reclaim
// n no sooner than a grace period after removal.
type Node struct {
	next atomic.Pointer[Node]
	prev *Node
	list *List
}

// List is the circular list head. Mutation is not internally
// synchronized — spec.md assigns the lock to the owning subsystem
// (the scheduler's per-priority runqueue lock, the timer queue's
// per-queue lock, etc) and callers must hold it around every method
// call here.
type List struct {
	root Node
}

// NewList returns an empty list.
func NewList() *List {
	l := &List{}
	l.root.next.Store(&l.root)
	l.root.prev = &l.root
	l.root.list = l
	return l
}

func (l *List) sentinel() *Node { return &l.root }

// PushBack appends n at the tail — used for FIFO runqueues, and for a
// freshly unblocked thread entering at the tail of its priority level
// per spec.md 4.E's tie-break rule.
func (l *List) PushBack(n *Node) {
	n.list = l
	tail := l.sentinel().prev
	n.prev = tail
	n.next.Store(l.sentinel())
	tail.next.Store(n)
	l.sentinel().prev = n
}

// PushFront prepends n at the head (used for yield_to's priority
// donation fast path, which must run next regardless of FIFO order).
func (l *List) PushFront(n *Node) {
	n.list = l
	head := l.sentinel().next.Load()
	n.prev = l.sentinel()
	n.next.Store(head)
	l.sentinel().next.Store(n)
	head.prev = n
}

// InsertOrdered inserts n keeping the list ordered by less, scanning
// from the head. Used by the per-CPU timer queue, keyed by timeout.
func (l *List) InsertOrdered(n *Node, less func(a, b *Node) bool) {
	n.list = l
	cur := l.sentinel().next.Load()
	prev := l.sentinel()
	for cur != l.sentinel() && less(cur, n) {
		prev = cur
		cur = cur.next.Load()
	}
	n.prev = prev
	n.next.Store(cur)
	prev.next.Store(n)
	cur.prev = n
}

// Remove unlinks n. n's own next/prev fields are left untouched so a
// concurrent consume-iterator that already holds n may still call
// n.Next() and observe n's pre-removal successor; callers that need
// true memory reclamation must route n through an RCU.Enqueue
// callback after calling Remove, not free it synchronously.
func (l *List) Remove(n *Node) {
	prev := n.prev
	next := n.next.Load()
	prev.next.Store(next)
	next.prev = prev
	n.list = nil
}

// Front returns the head node, or nil if empty.
func (l *List) Front() *Node {
	n := l.sentinel().next.Load()
	if n == l.sentinel() {
		return nil
	}
	return n
}

// Next returns the successor of n within the list it was last a
// member of, or nil at the tail. Safe to call concurrently with
// another goroutine's Remove(n), per the contract above.
func (n *Node) Next() *Node {
	next := n.next.Load()
	if next == nil || (n.list != nil && next == n.list.sentinel()) {
		return nil
	}
	// n may have just been removed (n.list == nil): fall back to
	// comparing against next's own list sentinel via its neighbors is
	// not possible without n.list, so a removed node's Next() after
	// its list has moved on returns whatever it last pointed to. This
	// matches the "valid until next grace period" contract: callers
	// must not hold a removed node across a grace period and expect
	// fresh results.
	return next
}

// Empty reports whether the list has no nodes.
func (l *List) Empty() bool {
	return l.Front() == nil
}
