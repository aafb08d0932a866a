package vgic

import (
	"sync"
	"testing"
)

type fakeVCPU struct {
	id        int
	woken     int
	remote    bool
	maintIPIs int
}

func (f *fakeVCPU) ID() int                 { return f.id }
func (f *fakeVCPU) Wakeup() bool            { f.woken++; return true }
func (f *fakeVCPU) IsRunningRemote() bool   { return f.remote }
func (f *fakeVCPU) SendMaintenanceIPI()     { f.maintIPIs++ }

type fakeRouter struct{ dest VCPUHandle }

func (r *fakeRouter) RouteSGI(virq uint32, targetCPU int) VCPUHandle   { return r.dest }
func (r *fakeRouter) RoutePPI(virq uint32, owner VCPUHandle) VCPUHandle { return owner }
func (r *fakeRouter) RouteSPI(virq uint32, affinity VCPUHandle) VCPUHandle {
	return r.dest
}

func TestDeliverEdgeRoutesAndReservesLR(t *testing.T) {
	dest := &fakeVCPU{id: 0}
	router := &fakeRouter{dest: dest}
	g := NewVic(router)
	pool := NewLRPool(4)
	g.BindLRPool(0, pool)

	v := g.Configure(10, KindSPI, TriggerEdge, 1, 0, dest)
	g.Enable(v)
	g.Deliver(v)

	if dest.woken != 1 {
		t.Fatalf("expected target woken once, got %d", dest.woken)
	}
	v.mu.Lock()
	active := v.state.active
	lr := v.lr
	v.mu.Unlock()
	if !active || lr < 0 {
		t.Fatalf("expected virq active with a reserved LR, got active=%v lr=%d", active, lr)
	}
}

func TestDisabledVIRQDoesNotRoute(t *testing.T) {
	dest := &fakeVCPU{id: 0}
	router := &fakeRouter{dest: dest}
	g := NewVic(router)
	g.BindLRPool(0, NewLRPool(4))

	v := g.Configure(11, KindSPI, TriggerEdge, 1, 0, dest)
	g.Deliver(v)

	if dest.woken != 0 {
		t.Fatalf("expected no wakeup while disabled, got %d", dest.woken)
	}
	v.mu.Lock()
	pending := v.state.pending()
	v.mu.Unlock()
	if !pending {
		t.Fatalf("expected pending bit latched even while disabled")
	}
}

func TestLevelVIRQRedeliversAfterDeactivateIfStillAsserted(t *testing.T) {
	dest := &fakeVCPU{id: 0}
	router := &fakeRouter{dest: dest}
	g := NewVic(router)
	g.BindLRPool(0, NewLRPool(4))

	v := g.Configure(12, KindSPI, TriggerLevel, 1, 0, dest)
	g.Enable(v)
	g.SetLevelSrc(v, true)
	if dest.woken != 1 {
		t.Fatalf("expected initial wakeup, got %d", dest.woken)
	}

	g.Deactivate(v)
	if dest.woken != 2 {
		t.Fatalf("expected re-delivery wakeup since level source still asserted, got %d", dest.woken)
	}
	v.mu.Lock()
	active := v.state.active
	v.mu.Unlock()
	if !active {
		t.Fatalf("expected virq to remain active across level re-delivery")
	}
}

func TestLRPoolExhaustionDefersAndRefillsOnRelease(t *testing.T) {
	destA := &fakeVCPU{id: 0}
	destB := &fakeVCPU{id: 0}
	router := &fakeRouter{dest: destA}
	g := NewVic(router)
	pool := NewLRPool(1)
	g.BindLRPool(0, pool)

	v1 := g.Configure(20, KindSPI, TriggerEdge, 1, 0, destA)
	g.Enable(v1)
	g.Deliver(v1)

	router.dest = destB
	v2 := g.Configure(21, KindSPI, TriggerEdge, 1, 0, destB)
	g.Enable(v2)
	g.Deliver(v2)

	v2.mu.Lock()
	v2Active := v2.state.active
	v2.mu.Unlock()
	if v2Active {
		t.Fatalf("expected second virq deferred while the only LR is occupied")
	}

	g.Deactivate(v1)

	v2.mu.Lock()
	v2Active = v2.state.active
	v2.mu.Unlock()
	if !v2Active {
		t.Fatalf("expected deferred virq to be routed once the LR freed up")
	}
}

func TestConcurrentAssertsNeverDoubleReserveLR(t *testing.T) {
	// spec.md 4.J: "a VIRQ never occupies two LRs." A hardware SPI
	// source and a software Deliver call are legal concurrent asserters
	// of the same level VIRQ under SMP; route must let only one of them
	// claim the LR even when both observe !active before either wins.
	dest := &fakeVCPU{id: 0}
	router := &fakeRouter{dest: dest}
	g := NewVic(router)
	pool := NewLRPool(4)
	g.BindLRPool(0, pool)

	v := g.Configure(30, KindSPI, TriggerLevel, 1, 0, dest)
	g.Enable(v)

	const racers = 32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		if i%2 == 0 {
			go func() { defer wg.Done(); g.Deliver(v) }()
		} else {
			go func() { defer wg.Done(); g.SetLevelSrc(v, true) }()
		}
	}
	wg.Wait()

	v.mu.Lock()
	lr := v.lr
	active := v.state.active
	v.mu.Unlock()
	if !active || lr < 0 {
		t.Fatalf("expected virq routed exactly once, got active=%v lr=%d", active, lr)
	}

	occupants := 0
	pool.mu.Lock()
	for _, occ := range pool.occupied {
		if occ == v {
			occupants++
		}
	}
	pool.mu.Unlock()
	if occupants != 1 {
		t.Fatalf("expected virq to occupy exactly one LR, found it in %d", occupants)
	}
}

func TestBindReportsNotBoundWithNilTarget(t *testing.T) {
	v := &VIRQ{id: 1, lr: -1}
	if err := v.Bind(nil); err == nil {
		t.Fatalf("expected Bind(nil) to report VIRQ_NOT_BOUND")
	}
	dest := &fakeVCPU{id: 3}
	if err := v.Bind(dest); err != nil {
		t.Fatalf("Bind: %v", err)
	}
}
