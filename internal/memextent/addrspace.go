package memextent

import (
	"github.com/google/btree"
	"github.com/gunyah-go/gunyah/internal/kerr"
	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/object"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/platform"
	"github.com/gunyah-go/gunyah/internal/primitives"
	"gvisor.dev/gvisor/pkg/sync"
)

// VDeviceHandler services a stage-2 translation fault for an IPA
// range registered in a VDeviceMap (spec.md 4.D): offset is relative
// to the range's base.
type VDeviceHandler interface {
	Access(offset, size uint64, value uint64, isWrite bool) (result uint64, handled bool)
}

type vdeviceRange struct {
	base, end uint64
	handler   VDeviceHandler
}

func vdeviceLess(a, b *vdeviceRange) bool { return a.base < b.base }

// VDeviceMap is the IPA -> vdevice_t range map from spec.md 4.D,
// backed by the same B-tree type memdb uses for its physical-address
// range map — both are "ordered range key -> owner" structures.
type VDeviceMap struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*vdeviceRange]
}

func newVDeviceMap() *VDeviceMap {
	return &VDeviceMap{tree: btree.NewG(16, vdeviceLess)}
}

// Register installs h to handle [base,base+size).
func (m *VDeviceMap) Register(base, size uint64, h VDeviceHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := base + size
	overlap := false
	m.tree.Ascend(func(r *vdeviceRange) bool {
		if r.base >= end {
			return false
		}
		if r.end > base {
			overlap = true
			return false
		}
		return true
	})
	if overlap {
		return kerr.New("vdevicemap.Register", kerr.Denied)
	}
	m.tree.ReplaceOrInsert(&vdeviceRange{base: base, end: end, handler: h})
	return nil
}

// Lookup returns the handler owning ipa and the range's base, or ok=false.
func (m *VDeviceMap) Lookup(ipa uint64) (h VDeviceHandler, base uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *vdeviceRange
	m.tree.DescendLessOrEqual(&vdeviceRange{base: ipa}, func(r *vdeviceRange) bool {
		if ipa >= r.base && ipa < r.end {
			found = r
		}
		return false
	})
	if found == nil {
		return nil, 0, false
	}
	return found.handler, found.base, true
}

// Addrspace is a VMID, a stage-2 page table, a vdevice map, and
// optional info-area/vRTC/pv-time extensions (spec.md 3/4.D).
type Addrspace struct {
	hdr object.Header

	owner   *partition.Partition
	rcu     *primitives.RCU
	vmid    uint64
	pt      platform.PageTable
	vdev    *VDeviceMap
	mapped  map[*Extent][]*Mapping

	mu          sync.Mutex
	infoExtent  *Extent
	vrtcMapped  bool
	pvtimeMapped bool
}

func (a *Addrspace) Header() *object.Header { return &a.hdr }

// New allocates an addrspace object in INIT state.
func New(owner *partition.Partition, rcu *primitives.RCU, vmid uint64, pt platform.PageTable) *Addrspace {
	a := &Addrspace{owner: owner, rcu: rcu, vmid: vmid, pt: pt, vdev: newVDeviceMap(), mapped: map[*Extent][]*Mapping{}}
	a.hdr.Init(object.TypeAddrspace, owner, a)
	return a
}

// Deactivate implements object.Deactivator: every extent this
// addrspace ever mapped must already have been unmapped (the
// invariant in spec.md 3 — "unmap paths run before addrspace
// destruction").
func (a *Addrspace) Deactivate() {
	if len(a.mapped) != 0 {
		panic("addrspace: deactivated while extents remain mapped")
	}
}

// Activate publishes the addrspace.
func (a *Addrspace) Activate() error { return a.hdr.Activate("addrspace.Activate") }

// VMID returns the address space's VM identifier.
func (a *Addrspace) VMID() uint64 { return a.vmid }

// VDevices returns the addrspace's vdevice range map.
func (a *Addrspace) VDevices() *VDeviceMap { return a.vdev }

// PageTable returns the stage-2 page table module (external
// collaborator per spec.md 6).
func (a *Addrspace) PageTable() platform.PageTable { return a.pt }

func (a *Addrspace) pageTableMap(ipa, phys, size, attrs uint64) error {
	if err := a.pt.Map(ipa, phys, size, attrs); err != nil {
		return kerr.Wrap("addrspace.Map", kerr.Failure, err)
	}
	return a.pt.Commit()
}

func (a *Addrspace) pageTableUnmap(ipa, size uint64) error {
	if err := a.pt.Unmap(ipa, size); err != nil {
		return kerr.Wrap("addrspace.Unmap", kerr.Failure, err)
	}
	return a.pt.Commit()
}

func (a *Addrspace) retainExtent(e *Extent, m *Mapping) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mapped[e] = append(a.mapped[e], m)
}

func (a *Addrspace) releaseExtent(e *Extent, m *Mapping) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ms := a.mapped[e]
	for i, mm := range ms {
		if mm == m {
			ms = append(ms[:i], ms[i+1:]...)
			break
		}
	}
	if len(ms) == 0 {
		delete(a.mapped, e)
	} else {
		a.mapped[e] = ms
	}
}

// AttachInfoArea installs an extent as this VM's info-area (a
// hypervisor-to-guest shared page used for boot parameters and
// pv-time/vRTC data structures); at most one per addrspace.
func (a *Addrspace) AttachInfoArea(e *Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.infoExtent != nil {
		return kerr.New("addrspace.AttachInfoArea", kerr.Denied)
	}
	a.infoExtent = e
	return nil
}

// InfoArea returns the attached info-area extent, or nil.
func (a *Addrspace) InfoArea() *Extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.infoExtent
}

// HandleStage2Fault looks up ipa in the vdevice map, matching spec.md
// 4.D's stage-2 translation-fault dispatch: a hit yields the target
// device's access handler invoked with an offset relative to the
// range's base.
func (a *Addrspace) HandleStage2Fault(ipa, size, value uint64, isWrite bool) (result uint64, handled bool) {
	h, base, ok := a.vdev.Lookup(ipa)
	if !ok {
		return 0, false
	}
	return h.Access(ipa-base, size, value, isWrite)
}

// HandlePermissionFault implements the permission-fault path in
// spec.md 4.D: translate the faulting VA to a PA via the page table's
// AT-style lookup, then match that PA against memdb for an extent
// whose vdevice slot is non-null. The lookup goes through the owning
// partition's memdb (a.owner.DB()).
func (a *Addrspace) HandlePermissionFault(va uint64, write bool, extentHasVDevice func(owner any) (VDeviceHandler, bool)) (VDeviceHandler, uint64, bool) {
	phys, ok := a.pt.TranslateReadWrite(va, write)
	if !ok {
		return nil, 0, false
	}
	owner, kind, ok := a.owner.DB().Lookup(phys)
	if !ok || kind != memdb.TypeExtent {
		return nil, 0, false
	}
	h, hasVDevice := extentHasVDevice(owner)
	if !hasVDevice {
		return nil, 0, false
	}
	return h, phys, true
}
