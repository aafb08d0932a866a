package doorbell

import (
	"testing"

	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/partition"
)

type fakeSource struct{ delivered int }

func (s *fakeSource) Deliver() { s.delivered++ }

func newActivePartition(t *testing.T) *partition.Partition {
	t.Helper()
	p := partition.New(nil, memdb.New())
	if err := p.Activate(); err != nil {
		t.Fatalf("partition Activate: %v", err)
	}
	return p
}

func TestSendAssertsVirqOnlyWhenEnabled(t *testing.T) {
	p := newActivePartition(t)
	d := New(p)
	src := &fakeSource{}
	if err := d.BindVirq(src); err != nil {
		t.Fatalf("BindVirq: %v", err)
	}
	if err := d.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	d.Send(0x1) // not enabled yet
	if src.delivered != 0 {
		t.Fatalf("expected no delivery while bit 0 is disabled, got %d", src.delivered)
	}

	d.Mask(0x1, 0x1)
	d.Send(0x1)
	if src.delivered != 2 {
		t.Fatalf("expected two deliveries (Mask unmasking the latched bit, then Send), got %d", src.delivered)
	}

	flags := d.Receive(0xffffffffffffffff)
	if flags&0x1 != 0 {
		t.Fatalf("expected ack mask to have already cleared bit 0, got flags=%x", flags)
	}
}

func TestMaskEdgeDeliversAlreadyPendingBits(t *testing.T) {
	p := newActivePartition(t)
	d := New(p)
	src := &fakeSource{}
	_ = d.BindVirq(src)
	_ = d.Activate()

	d.Send(0x4) // latched but disabled
	if src.delivered != 0 {
		t.Fatalf("expected no delivery yet, got %d", src.delivered)
	}

	d.Mask(0x4, 0)
	if src.delivered != 1 {
		t.Fatalf("expected Mask to edge-deliver the already-pending bit, got %d", src.delivered)
	}
}

func TestReceiveClearsRequestedBits(t *testing.T) {
	p := newActivePartition(t)
	d := New(p)
	_ = d.Activate()
	d.Send(0b111)
	got := d.Receive(0b010)
	if got != 0b111 {
		t.Fatalf("expected Receive to return the pre-clear value, got %b", got)
	}
	if rest := d.Receive(0); rest != 0b101 {
		t.Fatalf("expected bit 1 cleared, rest=%b", rest)
	}
}

func TestWaitQueueWakeupUnblocksAllWaitersAndClearsOnFinish(t *testing.T) {
	wq := NewWaitQueue()
	var blocked, unblocked int
	w1 := NewWaiter(func() { blocked++ }, func() { unblocked++ })
	w2 := NewWaiter(func() { blocked++ }, func() { unblocked++ })

	wq.Prepare(w1)
	wq.Prepare(w2)
	wq.Get(w1)
	wq.Get(w2)
	if blocked != 2 {
		t.Fatalf("expected both waiters to block, got %d", blocked)
	}

	wq.Wakeup()
	if unblocked != 2 {
		t.Fatalf("expected both waiters unblocked, got %d", unblocked)
	}

	wq.Finish(w1)
	wq.Finish(w2)

	// A Wakeup with nobody enqueued must not panic or double-unblock.
	wq.Wakeup()
	if unblocked != 2 {
		t.Fatalf("expected no further unblocks after Finish, got %d", unblocked)
	}
}

func TestWaitQueueGetSkipsBlockIfAlreadyWoken(t *testing.T) {
	wq := NewWaitQueue()
	blocked := 0
	w := NewWaiter(func() { blocked++ }, func() {})
	wq.Prepare(w)
	wq.Wakeup()
	wq.Get(w)
	if blocked != 0 {
		t.Fatalf("expected Get to skip blocking once woken already raced ahead, got blocked=%d", blocked)
	}
}

func TestTaskQueueDrainSkipsCancelledEntries(t *testing.T) {
	q := NewTaskQueue()
	var ran []int
	e1 := &TaskEntry{Run: func() { ran = append(ran, 1) }}
	e2 := &TaskEntry{Run: func() { ran = append(ran, 2) }}
	e3 := &TaskEntry{Run: func() { ran = append(ran, 3) }}
	q.Schedule(e1)
	q.Schedule(e2)
	q.Schedule(e3)
	q.Cancel(e2)

	q.Drain()
	if len(ran) != 2 || ran[0] != 1 || ran[1] != 3 {
		t.Fatalf("expected entries 1 then 3 to run, got %v", ran)
	}
}
