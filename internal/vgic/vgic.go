// Package vgic implements the virtual interrupt delivery core from
// spec.md 4.J: an atomic delivery-state word per virtual IRQ, routing
// to a target VCPU, list-register reservation, and a deferred queue
// for VIRQs that overflow the LR pool.
package vgic

import (
	"context"

	"github.com/gunyah-go/gunyah/internal/kerr"
	"golang.org/x/sync/semaphore"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// Trigger is the VIRQ's configured edge/level mode.
type Trigger int

const (
	TriggerEdge Trigger = iota
	TriggerLevel
)

// Kind distinguishes how a VIRQ is routed (spec.md 4.J step 4).
type Kind int

const (
	KindSGI Kind = iota // routed to an explicit target CPU
	KindPPI             // routed to its owning VCPU
	KindSPI             // routed per configured affinity, or 1-of-N
)

// dstateBits holds the delivery-state bits from spec.md 3 as plain
// struct fields (enabled, pending (edge or any level source), active,
// group, priority, routing-valid, ...); every transition is made while
// holding the owning VIRQ's mu (see VIRQ).
type dstateBits struct {
	enabled      bool
	pendingEdge  bool
	levelSW      bool
	levelMSG     bool
	levelSrc     bool
	active       bool
	trigger      Trigger
	group        uint8
	priority     uint8
	hwDetach     bool
	routingValid bool
}

func (d dstateBits) pending() bool {
	if d.trigger == TriggerEdge {
		return d.pendingEdge
	}
	return d.levelSW || d.levelMSG || d.levelSrc
}

// VIRQ is one virtual interrupt's delivery state plus routing/LR
// bookkeeping. The state word itself is guarded by mu rather than
// hand-packed into a bitfield: spec.md 4.J's "only modified by CAS"
// contract is expressed here as "only modified while holding mu",
// which gives the same atomicity without unsafe bit-packing — Go has
// no native bitfields, and CAS-ing a hand-rolled packed uint64 would
// just be a slower mutex in disguise.
type VIRQ struct {
	mu     sync.Mutex
	id     uint32
	state  dstateBits
	kind   Kind
	target VCPUHandle // owning VCPU for PPI, last-routed target otherwise
	lr     int        // reserved list register index, -1 if none
	source Source      // published with release, read with acquire
}

// Source is a hardware/virtual interrupt source consulted for level
// VIRQs (spec.md 5: "virq_source pointers are published with release
// and read with acquire").
type Source interface {
	CheckPending() bool
}

var sourcePublished atomicbitops.Uint32 // dummy acquire/release fence target shared by all sources; see Vic.AttachSource

// VCPUHandle is the narrow slice of vcpu.VCPU the delivery core needs:
// enough to wake a sleeping VCPU or detect it is running remotely.
type VCPUHandle interface {
	ID() int
	Wakeup() bool
	IsRunningRemote() bool
	SendMaintenanceIPI()
}

// LRPool models a VCPU's list-register pool: a small fixed number of
// hardware slots a VIRQ can occupy while active/pending-for-delivery.
// golang.org/x/sync/semaphore provides the weighted acquire/release
// pool allocator (each LR is one unit of weight), mirroring how the
// doorbell/vpm_group layer would gate a bounded hardware resource.
type LRPool struct {
	sem      *semaphore.Weighted
	capacity int64
	mu       sync.Mutex
	occupied map[int]*VIRQ
	free     []int
}

// NewLRPool constructs a pool of n list registers.
func NewLRPool(n int) *LRPool {
	p := &LRPool{sem: semaphore.NewWeighted(int64(n)), capacity: int64(n), occupied: map[int]*VIRQ{}}
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// TryReserve attempts to claim one LR for v without blocking,
// returning the LR index, or ok=false if the pool is full.
func (p *LRPool) TryReserve(v *VIRQ) (int, bool) {
	if !p.sem.TryAcquire(1) {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lr := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.occupied[lr] = v
	return lr, true
}

// Release returns lr to the pool.
func (p *LRPool) Release(lr int) {
	p.mu.Lock()
	delete(p.occupied, lr)
	p.free = append(p.free, lr)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Vic is one virtual interrupt controller instance: the SPI array,
// per-VCPU SGI/PPI state, the LR pools (one per VCPU), and the
// deferred queue for VIRQs that found every LR full.
type Vic struct {
	mu       sync.Mutex
	virqs    map[uint32]*VIRQ
	lrPools  map[int]*LRPool // keyed by VCPU id
	deferred []*VIRQ
	router   Router
}

// Router selects a target VCPU for a VIRQ per spec.md 4.J step 4.
type Router interface {
	RouteSGI(virq uint32, targetCPU int) VCPUHandle
	RoutePPI(virq uint32, owner VCPUHandle) VCPUHandle
	RouteSPI(virq uint32, configuredAffinity VCPUHandle) VCPUHandle
}

// NewVic constructs an empty controller.
func NewVic(router Router) *Vic {
	return &Vic{virqs: map[uint32]*VIRQ{}, lrPools: map[int]*LRPool{}, router: router}
}

// BindLRPool associates a VCPU's list-register pool, looked up by
// vcpu id during delivery.
func (g *Vic) BindLRPool(vcpuID int, pool *LRPool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lrPools[vcpuID] = pool
}

// Configure installs or updates a VIRQ's static configuration
// (enable/disable, group, priority, edge/level, route target).
func (g *Vic) Configure(id uint32, kind Kind, trigger Trigger, group, priority uint8, owner VCPUHandle) *VIRQ {
	g.mu.Lock()
	v, ok := g.virqs[id]
	if !ok {
		v = &VIRQ{id: id, lr: -1}
		g.virqs[id] = v
	}
	g.mu.Unlock()

	v.mu.Lock()
	wasEdge := v.state.trigger == TriggerEdge
	v.state.trigger = trigger
	v.state.group = group
	v.state.priority = priority
	v.kind = kind
	v.target = owner
	v.mu.Unlock()

	// Edge->Level transitions re-check any latched level sources.
	if wasEdge && trigger == TriggerLevel && v.source != nil {
		v.mu.Lock()
		if v.source.CheckPending() {
			v.state.levelSrc = true
		}
		v.mu.Unlock()
	}
	return v
}

// Enable/Disable toggle delivery eligibility, re-attempting routing
// on enable if the VIRQ is already pending.
func (g *Vic) Enable(v *VIRQ) { g.setEnabled(v, true) }
func (g *Vic) Disable(v *VIRQ) { g.setEnabled(v, false) }

func (g *Vic) setEnabled(v *VIRQ, enabled bool) {
	v.mu.Lock()
	v.state.enabled = enabled
	shouldRoute := enabled && v.state.pending() && !v.state.active
	v.mu.Unlock()
	if shouldRoute {
		g.route(v)
	}
}

// AttachSource publishes v's level source with release ordering
// (spec.md 5).
func (g *Vic) AttachSource(v *VIRQ, src Source) {
	v.mu.Lock()
	v.source = src
	v.mu.Unlock()
	sourcePublished.Store(sourcePublished.Load() + 1) // release fence
}

// Deliver implements the assert path (spec.md 4.J): a hardware SPI,
// message SGI, or software deliver call.
func (g *Vic) Deliver(v *VIRQ) {
	v.mu.Lock()
	switch v.state.trigger {
	case TriggerEdge:
		v.state.pendingEdge = true
	case TriggerLevel:
		v.state.levelSW = true
	}
	shouldRoute := v.state.enabled && v.state.pending() && !v.state.active
	v.mu.Unlock()

	if shouldRoute {
		g.route(v)
	}
}

// route selects a target VCPU, reserves an LR (or defers), and wakes
// or signals the target per spec.md 4.J steps 4-6. Callers precompute
// a should-route hint before calling this under their own critical
// section and then release v.mu — two callers can legally race on the
// same level VIRQ (a hardware SPI source and a concurrent software
// Deliver, both legal under SMP). route re-checks v.state.active itself
// and holds v.mu across that check and the LR reservation/active claim
// below, so only the first caller to reach here ever reserves an LR;
// the loser observes active already set and returns without touching
// the pool (spec.md 4.J: "a VIRQ never occupies two LRs").
func (g *Vic) route(v *VIRQ) {
	v.mu.Lock()
	if v.state.active {
		v.mu.Unlock()
		return
	}
	kind := v.kind
	target := v.target

	if g.router == nil || target == nil {
		v.mu.Unlock()
		return
	}

	var dest VCPUHandle
	switch kind {
	case KindSGI:
		dest = g.router.RouteSGI(v.id, target.ID())
	case KindPPI:
		dest = g.router.RoutePPI(v.id, target)
	case KindSPI:
		dest = g.router.RouteSPI(v.id, target)
	}
	if dest == nil {
		v.mu.Unlock()
		return
	}

	g.mu.Lock()
	pool := g.lrPools[dest.ID()]
	g.mu.Unlock()

	if pool != nil {
		lr, ok := pool.TryReserve(v)
		if !ok {
			v.mu.Unlock()
			g.mu.Lock()
			g.deferred = append(g.deferred, v)
			g.mu.Unlock()
			return
		}
		v.state.active = true
		v.target = dest
		v.lr = lr
	}
	v.mu.Unlock()

	if dest.IsRunningRemote() {
		dest.SendMaintenanceIPI()
	} else {
		dest.Wakeup()
	}
}

// Deactivate implements the EOI/DIR path (spec.md 4.J): clears
// active and releases the LR, then re-delivers if a level source is
// still asserted, else refills from the deferred queue.
func (g *Vic) Deactivate(v *VIRQ) {
	v.mu.Lock()
	v.state.active = false
	stillPending := v.state.trigger == TriggerLevel && (v.state.levelSW || v.state.levelMSG || v.state.levelSrc)
	lr := v.lr
	vcpuID := -1
	if v.target != nil {
		vcpuID = v.target.ID()
	}
	v.mu.Unlock()

	var pool *LRPool
	if lr >= 0 {
		g.mu.Lock()
		pool = g.lrPools[vcpuID]
		g.mu.Unlock()
	}
	if pool != nil {
		pool.Release(lr)
		v.mu.Lock()
		v.lr = -1
		v.mu.Unlock()
	}

	if stillPending {
		g.route(v)
		return
	}
	if pool != nil {
		g.refillDeferred(pool)
	}
}

func (g *Vic) refillDeferred(pool *LRPool) {
	g.mu.Lock()
	if len(g.deferred) == 0 {
		g.mu.Unlock()
		return
	}
	next := g.deferred[0]
	g.deferred = g.deferred[1:]
	g.mu.Unlock()
	g.route(next)
}

// SetLevelSrc updates level_src for v, re-checking delivery if it
// newly became asserted. Per spec.md 3's invariant, clearing level_src
// must happen-before the owning source's state is freed — callers
// clearing it should do so, then synchronize (e.g. via RCU) before
// releasing the Source.
func (g *Vic) SetLevelSrc(v *VIRQ, asserted bool) {
	v.mu.Lock()
	v.state.levelSrc = asserted
	shouldRoute := asserted && v.state.enabled && !v.state.active
	v.mu.Unlock()
	if shouldRoute {
		g.route(v)
	}
}

// HWDetach serializes with physical IRQ deactivation so a forwarded
// SPI finishes its handling before unbinding (spec.md 4.J invariant).
// ctx bounds how long the caller waits for any in-flight handling.
func (g *Vic) HWDetach(ctx context.Context, v *VIRQ) error {
	v.mu.Lock()
	v.state.hwDetach = true
	active := v.state.active
	v.mu.Unlock()
	if !active {
		return nil
	}
	// A real implementation would wait on a per-VIRQ completion signal
	// set by Deactivate; lacking hardware IRQ deactivation semantics to
	// model here, the contract is expressed as: the caller must not
	// rebind until Deactivate has observed hwDetach and cleared active.
	for {
		v.mu.Lock()
		stillActive := v.state.active
		v.mu.Unlock()
		if !stillActive {
			return nil
		}
		select {
		case <-ctx.Done():
			return kerr.Wrap("vgic.HWDetach", kerr.Busy, ctx.Err())
		default:
		}
	}
}

// Bind reports VIRQ_NOT_BOUND if the target this VIRQ last routed to
// has since been destroyed (target == nil); callers should retry with
// a fresh binding (spec.md 4.J failure mode).
func (v *VIRQ) Bind(target VCPUHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if target == nil {
		return kerr.New("vgic.Bind", kerr.VirqNotBound)
	}
	v.target = target
	return nil
}
