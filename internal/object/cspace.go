package object

import (
	"github.com/gunyah-go/gunyah/internal/kerr"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// Ref is implemented by every concrete first-class object so cspace
// can manipulate it generically without a dependency on the concrete
// packages (partition, memextent, vcpu, ...) that would otherwise
// create an import cycle back into object.
type Ref interface {
	Header() *Header
}

// CapID is an opaque 64-bit capability handle. The low bits index the
// second-level page, the high bits the first-level page — callers
// never decompose it themselves.
type CapID uint64

const (
	level2Bits  = 10
	level2Size  = 1 << level2Bits
	level2Mask  = level2Size - 1
	level1Limit = 1 << 16 // generous upper bound on first-level pages
)

// masterInfo is the revoke epoch and back-reference list shared by a
// master cap and every cap copied from it (directly or transitively).
// Bumping epoch invalidates every descendant's cached epoch check in
// O(1); the back-reference list lets revoke additionally reclaim each
// descendant slot's refcount instead of leaking it until next lookup.
type masterInfo struct {
	epoch atomicbitops.Uint64
	mu    sync.Mutex
	refs  []backref
}

type backref struct {
	cspace *Cspace
	id     CapID
}

type capSlot struct {
	valid  bool
	obj    Ref
	typ    Type
	rights Rights
	master *masterInfo
	epoch  uint64 // snapshot of master.epoch at copy/creation time
}

// Cspace is a per-partition two-level sparse capability table.
type Cspace struct {
	Header
	mu       sync.Mutex
	maxCaps  int
	l1       [][]capSlot // lazily allocated level-2 pages
	nextSlot uint64      // monotonic allocation cursor, wrapped into (l1,l2) indices
}

// NewCspace allocates an unconfigured cspace object in INIT state.
func NewCspace(owner any) *Cspace {
	c := &Cspace{}
	c.Header.Init(TypeCspace, owner, c)
	return c
}

// Deactivate implements Deactivator; a cspace has no published global
// structure beyond its own table, so deactivation is a no-op beyond
// what Put already did (drop every live cap's reference — left to an
// explicit teardown walk by the caller before the last Put, since a
// cspace being destroyed should already be empty by construction: its
// own refcount only reaches zero once every attach_thread/use has let
// go).
func (c *Cspace) Deactivate() {}

// Configure sets the table's capacity. INIT-state only.
func (c *Cspace) Configure(maxCaps int) error {
	c.Header.Lock()
	defer c.Header.Unlock()
	if err := c.Header.RequireInit("cspace.Configure"); err != nil {
		return err
	}
	if maxCaps <= 0 || maxCaps > level1Limit*level2Size {
		return kerr.New("cspace.Configure", kerr.ArgumentInvalid)
	}
	c.maxCaps = maxCaps
	return nil
}

// Activate publishes the cspace.
func (c *Cspace) Activate() error {
	return c.Header.Activate("cspace.Activate")
}

func splitCapID(id CapID) (l1, l2 int) {
	return int(id) >> level2Bits, int(id) & level2Mask
}

func joinCapID(l1, l2 int) CapID {
	return CapID(l1<<level2Bits | l2)
}

func (c *Cspace) pageFor(l1 int, create bool) []capSlot {
	if l1 < len(c.l1) && c.l1[l1] != nil {
		return c.l1[l1]
	}
	if !create {
		return nil
	}
	for len(c.l1) <= l1 {
		c.l1 = append(c.l1, nil)
	}
	if c.l1[l1] == nil {
		c.l1[l1] = make([]capSlot, level2Size)
	}
	return c.l1[l1]
}

// allocSlotLocked finds (or creates) a free slot and returns its id.
func (c *Cspace) allocSlotLocked() (CapID, error) {
	for tries := 0; tries < c.maxCaps+level2Size; tries++ {
		id := CapID(c.nextSlot % uint64(c.maxCaps))
		c.nextSlot++
		l1, l2 := splitCapID(id)
		page := c.pageFor(l1, true)
		if !page[l2].valid {
			return id, nil
		}
	}
	return 0, kerr.New("cspace.alloc", kerr.NoResources)
}

// CreateMasterCap inserts a master capability that adopts the
// refcount the object was created with (spec.md 4.C): it does not
// call GetAdditional — the caller's existing +1 reference from
// allocate_<kind> becomes this cap's reference.
func (c *Cspace) CreateMasterCap(obj Ref, typ Type, rights Rights) (CapID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxCaps == 0 {
		return 0, kerr.New("cspace.CreateMasterCap", kerr.ObjectConfig)
	}
	id, err := c.allocSlotLocked()
	if err != nil {
		return 0, err
	}
	l1, l2 := splitCapID(id)
	mi := &masterInfo{}
	page := c.pageFor(l1, true)
	page[l2] = capSlot{valid: true, obj: obj, typ: typ, rights: rights, master: mi, epoch: mi.epoch.Load()}
	return id, nil
}

// CopyCap creates a derived capability in dst referencing the same
// object as src's cap srcID, with rights narrowed to rightsMask
// (which must be a subset of the source cap's rights). The derived
// cap takes an additional reference on the object.
func CopyCap(dst, src *Cspace, srcID CapID, rightsMask Rights) (CapID, error) {
	first, second := lockOrder(src, dst)
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	defer first.mu.Unlock()

	l1, l2 := splitCapID(srcID)
	page := src.pageFor(l1, false)
	if page == nil || !page[l2].valid {
		return 0, kerr.New("cspace.CopyCap", kerr.CspaceCapInvalid)
	}
	slot := page[l2]
	if slot.master.epoch.Load() != slot.epoch {
		return 0, kerr.New("cspace.CopyCap", kerr.CspaceCapInvalid)
	}
	if !slot.rights.Contains(rightsMask) {
		return 0, kerr.New("cspace.CopyCap", kerr.CspaceInsufficientRights)
	}
	if dst.maxCaps == 0 {
		return 0, kerr.New("cspace.CopyCap", kerr.ObjectConfig)
	}

	if !slot.obj.Header().GetSafe() {
		return 0, kerr.New("cspace.CopyCap", kerr.ObjectState)
	}

	dstID, err := dst.allocSlotLocked()
	if err != nil {
		slot.obj.Header().Put()
		return 0, err
	}
	dl1, dl2 := splitCapID(dstID)
	dst.pageFor(dl1, true)[dl2] = capSlot{valid: true, obj: slot.obj, typ: slot.typ, rights: rightsMask, master: slot.master, epoch: slot.epoch}

	slot.master.mu.Lock()
	slot.master.refs = append(slot.master.refs, backref{cspace: dst, id: dstID})
	slot.master.mu.Unlock()

	return dstID, nil
}

func lockOrder(a, b *Cspace) (first, second *Cspace) {
	if a == b {
		return a, a
	}
	// Order by pointer value to avoid lock-order inversion between two
	// cspaces copying caps to each other concurrently.
	if uintptr(ptrOf(a)) < uintptr(ptrOf(b)) {
		return a, b
	}
	return b, a
}

func ptrOf(c *Cspace) *Cspace { return c }

// LookupObject resolves id to its object, checking that it is of type
// typ and holds every bit of rights, returning an additional
// reference the caller must Put when done. If activeOnly is true
// (ordinary operational lookups), the object must also be ACTIVE;
// activation-time lookups pass activeOnly=false and rely on the
// caller to have required RightActivate instead.
func (c *Cspace) LookupObject(id CapID, typ Type, rights Rights, activeOnly bool) (Ref, error) {
	c.mu.Lock()
	l1, l2 := splitCapID(id)
	page := c.pageFor(l1, false)
	if page == nil || !page[l2].valid {
		c.mu.Unlock()
		return nil, kerr.New("cspace.LookupObject", kerr.CspaceCapInvalid)
	}
	slot := page[l2]
	c.mu.Unlock()

	if slot.master.epoch.Load() != slot.epoch {
		return nil, kerr.New("cspace.LookupObject", kerr.CspaceCapInvalid)
	}
	if slot.typ != typ {
		return nil, kerr.New("cspace.LookupObject", kerr.CspaceWrongObjectType)
	}
	if !slot.rights.Contains(rights) {
		return nil, kerr.New("cspace.LookupObject", kerr.CspaceInsufficientRights)
	}
	if activeOnly && slot.obj.Header().State() != StateActive {
		return nil, kerr.New("cspace.LookupObject", kerr.ObjectState)
	}
	if !slot.obj.Header().GetSafe() {
		return nil, kerr.New("cspace.LookupObject", kerr.ObjectState)
	}
	return slot.obj, nil
}

// LookupObjectAny is LookupObject without a type check, used by
// generic introspection and by dispatch paths that branch on the
// returned type themselves.
func (c *Cspace) LookupObjectAny(id CapID, rights Rights, activeOnly bool) (Ref, Type, error) {
	c.mu.Lock()
	l1, l2 := splitCapID(id)
	page := c.pageFor(l1, false)
	if page == nil || !page[l2].valid {
		c.mu.Unlock()
		return nil, TypeNone, kerr.New("cspace.LookupObjectAny", kerr.CspaceCapInvalid)
	}
	slot := page[l2]
	c.mu.Unlock()

	if slot.master.epoch.Load() != slot.epoch {
		return nil, TypeNone, kerr.New("cspace.LookupObjectAny", kerr.CspaceCapInvalid)
	}
	if !slot.rights.Contains(rights) {
		return nil, TypeNone, kerr.New("cspace.LookupObjectAny", kerr.CspaceInsufficientRights)
	}
	if activeOnly && slot.obj.Header().State() != StateActive {
		return nil, TypeNone, kerr.New("cspace.LookupObjectAny", kerr.ObjectState)
	}
	if !slot.obj.Header().GetSafe() {
		return nil, TypeNone, kerr.New("cspace.LookupObjectAny", kerr.ObjectState)
	}
	return slot.obj, slot.typ, nil
}

// DeleteCap drops one reference held by id and removes the entry. The
// Open Question in spec.md 9 (double-delete after a revoke race) is
// resolved deterministically here: deleting an already-invalidated
// (epoch-stale) or already-empty slot returns CspaceCapInvalid rather
// than OK, so callers can distinguish "nothing to do" from success and
// a racing revoke+delete never double-Puts the object.
func (c *Cspace) DeleteCap(id CapID) error {
	c.mu.Lock()
	l1, l2 := splitCapID(id)
	page := c.pageFor(l1, false)
	if page == nil || !page[l2].valid {
		c.mu.Unlock()
		return kerr.New("cspace.DeleteCap", kerr.CspaceCapInvalid)
	}
	slot := page[l2]
	if slot.master.epoch.Load() != slot.epoch {
		// Already invalidated by a revoke; the slot is left for
		// RevokeCaps's reclaim, which clears it and releases the
		// object reference, so do not Put here.
		c.mu.Unlock()
		return kerr.New("cspace.DeleteCap", kerr.CspaceCapInvalid)
	}
	page[l2] = capSlot{}
	c.mu.Unlock()
	slot.obj.Header().Put()
	return nil
}

// RevokeCaps invalidates every cap derived from masterID (including
// ones living in other cspaces), releasing each one's reference. The
// epoch bump makes every derived cap's LookupObject/CopyCap fail
// immediately ("atomically from readers' viewpoint"); the subsequent
// walk over the back-reference list performs the actual refcount
// release and slot reclamation. Revoke targets descendants only
// (spec.md 4.C: "invalidates all its descendants") — the master cap
// itself stays valid, so its slot's cached epoch is re-stamped to the
// post-bump value rather than left stale, which would otherwise make
// the master's own adopted reference unreachable and unreleasable.
func (c *Cspace) RevokeCaps(masterID CapID) error {
	c.mu.Lock()
	l1, l2 := splitCapID(masterID)
	page := c.pageFor(l1, false)
	if page == nil || !page[l2].valid {
		c.mu.Unlock()
		return kerr.New("cspace.RevokeCaps", kerr.CspaceCapInvalid)
	}
	master := page[l2].master
	c.mu.Unlock()

	master.mu.Lock()
	newEpoch := master.epoch.Add(1)
	refs := master.refs
	master.refs = nil
	master.mu.Unlock()

	c.mu.Lock()
	if page := c.pageFor(l1, false); page != nil && page[l2].valid && page[l2].master == master {
		page[l2].epoch = newEpoch
	}
	c.mu.Unlock()

	for _, r := range refs {
		r.cspace.reclaimLocked(r.id)
	}
	return nil
}

// reclaimLocked clears a descendant's slot and releases its reference,
// called only from RevokeCaps after the epoch bump has already made
// the slot unreachable to new lookups.
func (c *Cspace) reclaimLocked(id CapID) {
	c.mu.Lock()
	l1, l2 := splitCapID(id)
	page := c.pageFor(l1, false)
	if page == nil || !page[l2].valid {
		c.mu.Unlock()
		return
	}
	slot := page[l2]
	page[l2] = capSlot{}
	c.mu.Unlock()
	slot.obj.Header().Put()
}

// AttachThread is a placeholder extension point for cspace<->thread
// binding (spec.md's `cspace attach_thread` hypercall); the actual
// binding is owned by internal/vcpu, which stores the cspace pointer
// directly on the thread. Kept here so the cspace capability surface
// documents the operation even though no cspace-side state changes.
func (c *Cspace) AttachThread() error {
	if c.Header.State() != StateActive {
		return kerr.New("cspace.AttachThread", kerr.ObjectState)
	}
	return nil
}
