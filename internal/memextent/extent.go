// Package memextent implements the refcounted memory-range and
// address-space objects from spec.md 4.D: memextent (basic or sparse,
// optionally parent-linked) and addrspace (a VMID, a stage-2 page
// table, and a vdevice map).
package memextent

import (
	"github.com/gunyah-go/gunyah/internal/kerr"
	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/object"
	"github.com/gunyah-go/gunyah/internal/partition"
	"gvisor.dev/gvisor/pkg/sync"
)

// MemType is the memory type an extent is backed by (normal cacheable
// RAM, device memory, ...); the concrete encoding is a platform
// concern, so this is an opaque small integer the vdevice/pagetable
// layer interprets.
type MemType uint8

// AccessPerms is a read/write/execute permission mask.
type AccessPerms uint8

const (
	AccessRead AccessPerms = 1 << iota
	AccessWrite
	AccessExecute
)

// Region is one contiguous physical range within a sparse extent.
type Region struct {
	Phys uint64
	Size uint64
}

// Mapping records one installation of an extent into an address
// space, per spec.md 3's ownership rule: "Addrspace holds a refcount
// on every memextent it currently maps."
type Mapping struct {
	Addrspace  *Addrspace
	VMBase     uint64
	Attrs      uint64
	Generation uint64
}

// Extent is a refcounted range of physical memory, basic (one
// contiguous region) or sparse (a set of contiguous regions),
// optionally derived from a parent extent.
type Extent struct {
	hdr object.Header

	mu       sync.Mutex
	owner    *partition.Partition
	sparse   bool
	regions  []Region // len==1 for basic
	memType  MemType
	perms    AccessPerms
	parent   *Extent
	children []*Extent
	mappings []*Mapping
	attached bool // exclusive with any donation per spec.md 3
	nextGen  uint64
}

func (e *Extent) Header() *object.Header { return &e.hdr }

// New allocates an extent object in INIT state, owned by owner.
func New(owner *partition.Partition) *Extent {
	e := &Extent{owner: owner}
	e.hdr.Init(object.TypeMemextent, owner, e)
	return e
}

// Deactivate implements object.Deactivator: releases the parent's
// reference (if derived) and returns the extent's memdb-owned ranges
// to the owning partition. Mappings must already be empty (Unmap runs
// before addrspace destruction per the invariant in spec.md 3).
func (e *Extent) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.mappings) != 0 {
		panic("memextent: deactivated while still mapped")
	}
	for _, r := range e.regions {
		_ = e.owner.DB().Update(r.Phys, r.Phys+r.Size, memdb.Owner(e.owner), memdb.TypePartition, memdb.Owner(e), memdb.TypeExtent)
	}
	if e.parent != nil {
		e.parent.removeChild(e)
		e.parent.hdr.Put()
	}
}

func (e *Extent) removeChild(child *Extent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i], e.children[i+1:]...)
			return
		}
	}
}

// Configure installs a basic (physBase/size contiguous) or sparse
// (regions) extent directly backed by memdb memory owned by a single
// partition, INIT-state only.
func (e *Extent) Configure(physBase, size uint64, memType MemType, perms AccessPerms) error {
	e.hdr.Lock()
	defer e.hdr.Unlock()
	if err := e.hdr.RequireInit("memextent.Configure"); err != nil {
		return err
	}
	if err := e.owner.DB().Update(physBase, physBase+size, memdb.Owner(e), memdb.TypeExtent, memdb.Owner(e.owner), memdb.TypePartition); err != nil {
		return kerr.Wrap("memextent.Configure", kerr.Denied, err)
	}
	e.mu.Lock()
	e.sparse = false
	e.regions = []Region{{Phys: physBase, Size: size}}
	e.memType = memType
	e.perms = perms
	e.mu.Unlock()
	return nil
}

// ConfigureSparse installs a sparse extent backed directly by memdb
// memory spanning multiple disjoint regions.
func (e *Extent) ConfigureSparse(regions []Region, memType MemType, perms AccessPerms) error {
	e.hdr.Lock()
	defer e.hdr.Unlock()
	if err := e.hdr.RequireInit("memextent.ConfigureSparse"); err != nil {
		return err
	}
	for _, r := range regions {
		if err := e.owner.DB().Update(r.Phys, r.Phys+r.Size, memdb.Owner(e), memdb.TypeExtent, memdb.Owner(e.owner), memdb.TypePartition); err != nil {
			return kerr.Wrap("memextent.ConfigureSparse", kerr.Denied, err)
		}
	}
	e.mu.Lock()
	e.sparse = true
	e.regions = append([]Region(nil), regions...)
	e.memType = memType
	e.perms = perms
	e.mu.Unlock()
	return nil
}

// ConfigureDerive creates child as a reference to a [offset,offset+size)
// subrange of parent. Derivation takes parent's refcount additionally,
// so parent cannot be destroyed while any child survives.
func ConfigureDerive(child, parent *Extent, offset, size uint64, memType MemType, perms AccessPerms) error {
	child.hdr.Lock()
	defer child.hdr.Unlock()
	if err := child.hdr.RequireInit("memextent.ConfigureDerive"); err != nil {
		return err
	}

	parent.mu.Lock()
	sub, ok := parent.subRegionsLocked(offset, size)
	if !ok {
		parent.mu.Unlock()
		return kerr.New("memextent.ConfigureDerive", kerr.ArgumentInvalid)
	}
	parent.children = append(parent.children, child)
	parent.mu.Unlock()

	parent.hdr.GetAdditional()

	child.mu.Lock()
	child.sparse = parent.sparse
	child.regions = sub
	child.memType = memType
	child.perms = perms
	child.parent = parent
	child.mu.Unlock()
	return nil
}

// subRegionsLocked returns the regions of a parent (basic or sparse)
// covering [offset,offset+size) relative to the parent's own region
// list concatenated in order; callers must hold e.mu.
func (e *Extent) subRegionsLocked(offset, size uint64) ([]Region, bool) {
	var out []Region
	remaining := size
	skip := offset
	for _, r := range e.regions {
		if skip >= r.Size {
			skip -= r.Size
			continue
		}
		start := r.Phys + skip
		avail := r.Size - skip
		skip = 0
		take := avail
		if take > remaining {
			take = remaining
		}
		out = append(out, Region{Phys: start, Size: take})
		remaining -= take
		if remaining == 0 {
			break
		}
	}
	if remaining != 0 {
		return nil, false
	}
	return out, true
}

// Map installs the extent into addrspace at vmBase with mapAttrs,
// retaining a reference on the extent for the lifetime of the
// mapping.
func (e *Extent) Map(as *Addrspace, vmBase uint64, mapAttrs uint64) error {
	if e.hdr.State() != object.StateActive {
		return kerr.New("memextent.Map", kerr.ObjectState)
	}
	e.hdr.GetAdditional()

	e.mu.Lock()
	e.nextGen++
	m := &Mapping{Addrspace: as, VMBase: vmBase, Attrs: mapAttrs, Generation: e.nextGen}
	e.mappings = append(e.mappings, m)
	regions := append([]Region(nil), e.regions...)
	e.mu.Unlock()

	base := vmBase
	for _, r := range regions {
		if err := as.pageTableMap(base, r.Phys, r.Size, mapAttrs); err != nil {
			return err
		}
		base += r.Size
	}
	as.retainExtent(e, m)
	return nil
}

// Unmap removes a previous Map installation of this extent from as.
// The unmap-in-flight window is bounded by a single RCU grace period
// (spec.md 4.D): callers that need the "no EL2 code holds a
// translation using the old mapping" guarantee wait for a grace
// period of the addrspace's RCU domain (primitives.RCU.Sync) after
// Unmap returns, before releasing any resource the mapping referenced.
func (e *Extent) Unmap(as *Addrspace) error {
	e.mu.Lock()
	var m *Mapping
	var idx int
	for i, mm := range e.mappings {
		if mm.Addrspace == as {
			m, idx = mm, i
			break
		}
	}
	if m == nil {
		e.mu.Unlock()
		return kerr.New("memextent.Unmap", kerr.ArgumentInvalid)
	}
	e.mappings = append(e.mappings[:idx], e.mappings[idx+1:]...)
	regions := append([]Region(nil), e.regions...)
	e.mu.Unlock()

	base := m.VMBase
	for _, r := range regions {
		if err := as.pageTableUnmap(base, r.Size); err != nil {
			return err
		}
		base += r.Size
	}
	as.releaseExtent(e, m)
	e.hdr.Put()
	return nil
}

// UnmapAll removes every mapping of e across every addrspace it is
// currently installed in (the `memextent unmap_all` hypercall).
func (e *Extent) UnmapAll() error {
	e.mu.Lock()
	targets := make([]*Addrspace, len(e.mappings))
	for i, m := range e.mappings {
		targets[i] = m.Addrspace
	}
	e.mu.Unlock()
	for _, as := range targets {
		if err := e.Unmap(as); err != nil {
			return err
		}
	}
	return nil
}

// DonateChild moves ownership of [offset,offset+size) between a
// sparse child extent and its parent (sparse-only, per spec.md 4.D).
// reverse=false donates from parent to child; reverse=true donates
// from child back to parent.
func (e *Extent) DonateChild(offset, size uint64, reverse bool) error {
	if !e.sparse || e.parent == nil {
		return kerr.New("memextent.DonateChild", kerr.ArgumentInvalid)
	}
	from, to := e.parent, e
	if reverse {
		from, to = e, e.parent
	}
	from.mu.Lock()
	regions, ok := from.subRegionsLocked(offset, size)
	from.mu.Unlock()
	if !ok {
		return kerr.New("memextent.DonateChild", kerr.ArgumentInvalid)
	}
	for _, r := range regions {
		if err := e.owner.DB().Update(r.Phys, r.Phys+r.Size, memdb.Owner(to), memdb.TypeExtent, memdb.Owner(from), memdb.TypeExtent); err != nil {
			return kerr.Wrap("memextent.DonateChild", kerr.Denied, err)
		}
	}
	return nil
}

// DonateSibling moves ownership of [offset,offset+size) from one
// sparse extent to a sibling sharing the same parent (spec.md 8,
// scenario 3).
func DonateSibling(from, to *Extent, offset, size uint64) error {
	if from.parent == nil || from.parent != to.parent {
		return kerr.New("memextent.DonateSibling", kerr.ArgumentInvalid)
	}
	from.mu.Lock()
	regions, ok := from.subRegionsLocked(offset, size)
	from.mu.Unlock()
	if !ok {
		return kerr.New("memextent.DonateSibling", kerr.ArgumentInvalid)
	}
	for _, r := range regions {
		if err := from.owner.DB().Update(r.Phys, r.Phys+r.Size, memdb.Owner(to), memdb.TypeExtent, memdb.Owner(from), memdb.TypeExtent); err != nil {
			return kerr.Wrap("memextent.DonateSibling", kerr.Denied, err)
		}
	}
	return nil
}

// Activate publishes the extent.
func (e *Extent) Activate() error { return e.hdr.Activate("memextent.Activate") }

// Attach marks the extent as exclusively owned by the hypervisor for
// its own internal use, mutually exclusive with donation (spec.md 3).
func (e *Extent) Attach() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.parent != nil || len(e.children) != 0 {
		return kerr.New("memextent.Attach", kerr.Denied)
	}
	e.attached = true
	return nil
}
