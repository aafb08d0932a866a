// Package vpm implements the paravirtualized power-mode group named
// in spec.md's hypercall ABI table (vpm_group: configure, attach_vcpu,
// bind_virq, unbind_virq, get_state): a set of VCPUs whose individual
// power votes are aggregated into one group-wide state, with a bound
// VIRQ fired on every state transition so the owning VM can react to
// its own CPUs suspending/resuming as a unit.
package vpm

import (
	"github.com/gunyah-go/gunyah/internal/object"
	"github.com/gunyah-go/gunyah/internal/partition"
	"gvisor.dev/gvisor/pkg/sync"
)

// State is the group's aggregate power state.
type State int

const (
	StateNoState State = iota
	StateRunning
	StateIdle
	StatePowerDown
)

// Source is the narrow vgic surface a group asserts its bound VIRQ
// through on every state transition.
type Source interface {
	Deliver()
}

// Member tracks one attached VCPU's last-reported per-member state.
type Member struct {
	id    int
	state State
}

// Group aggregates member power state: Running if any member is
// Running, else Idle if any member is Idle, else PowerDown once every
// member has voted PowerDown.
type Group struct {
	hdr object.Header

	mu      sync.Mutex
	members map[int]*Member
	virq    Source
	state   State
}

// New allocates a vpm group object in INIT state.
func New(owner *partition.Partition) *Group {
	g := &Group{members: map[int]*Member{}}
	g.hdr.Init(object.TypeVPMGroup, owner, g)
	return g
}

func (g *Group) Header() *object.Header { return &g.hdr }
func (g *Group) Deactivate()             {}
func (g *Group) Activate() error         { return g.hdr.Activate("vpm.Activate") }

// BindVirq attaches the VIRQ source asserted on state transitions,
// INIT-state only.
func (g *Group) BindVirq(src Source) error {
	g.hdr.Lock()
	defer g.hdr.Unlock()
	if err := g.hdr.RequireInit("vpm.BindVirq"); err != nil {
		return err
	}
	g.mu.Lock()
	g.virq = src
	g.mu.Unlock()
	return nil
}

// AttachVCPU adds vcpuID as a member, initially NoState.
func (g *Group) AttachVCPU(vcpuID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[vcpuID]; !ok {
		g.members[vcpuID] = &Member{id: vcpuID, state: StateNoState}
	}
}

// ReportState records vcpuID's new per-member state and recomputes
// the group aggregate, firing the bound VIRQ if the aggregate changed.
func (g *Group) ReportState(vcpuID int, state State) {
	g.mu.Lock()
	m, ok := g.members[vcpuID]
	if !ok {
		g.mu.Unlock()
		return
	}
	m.state = state
	newAgg := aggregate(g.members)
	changed := newAgg != g.state
	g.state = newAgg
	src := g.virq
	g.mu.Unlock()

	if changed && src != nil {
		src.Deliver()
	}
}

func aggregate(members map[int]*Member) State {
	if len(members) == 0 {
		return StateNoState
	}
	allPowerDown := true
	for _, m := range members {
		if m.state == StateRunning {
			return StateRunning
		}
		if m.state != StatePowerDown {
			allPowerDown = false
		}
	}
	if allPowerDown {
		return StatePowerDown
	}
	return StateIdle
}

// GetState returns the group's current aggregate state.
func (g *Group) GetState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
