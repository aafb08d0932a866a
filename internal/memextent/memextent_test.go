package memextent

import (
	"testing"

	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/platform/fakeplatform"
	"github.com/gunyah-go/gunyah/internal/primitives"
)

func newTestPartition(t *testing.T, db *memdb.DB) *partition.Partition {
	t.Helper()
	p := partition.New(nil, db)
	if err := p.Activate(); err != nil {
		t.Fatalf("partition Activate: %v", err)
	}
	return p
}

func TestExtentConfigureAndMap(t *testing.T) {
	db := memdb.New()
	p := newTestPartition(t, db)
	if err := db.Insert(0x1000, 0x2000, memdb.Owner(p), memdb.TypePartition); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	e := New(p)
	if err := e.Configure(0x1000, 0x1000, 0, AccessRead|AccessWrite); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	owner, kind, ok := db.Lookup(0x1500)
	if !ok || owner != memdb.Owner(e) || kind != memdb.TypeExtent {
		t.Fatalf("Lookup after Configure = %v,%v,%v", owner, kind, ok)
	}

	rcu := primitives.NewRCU(1, 8)
	as := newActiveAddrspace(p, rcu)

	if err := e.Map(as, 0x8000, 0); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got, want := e.Header().RefCount(), uint32(2); got != want {
		t.Fatalf("refcount after Map = %d, want %d", got, want)
	}
	phys, size, _, ok := as.PageTable().(*fakeplatform.PageTable).Lookup(0x8000)
	if !ok || phys != 0x1000 || size != 0x1000 {
		t.Fatalf("page table entry after Map = %#x,%#x,%v", phys, size, ok)
	}

	if err := e.Unmap(as); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got, want := e.Header().RefCount(), uint32(1); got != want {
		t.Fatalf("refcount after Unmap = %d, want %d", got, want)
	}
	if _, _, _, ok := as.PageTable().(*fakeplatform.PageTable).Lookup(0x8000); ok {
		t.Fatalf("page table entry still present after Unmap")
	}
}

func newActiveAddrspace(p *partition.Partition, rcu *primitives.RCU) *Addrspace {
	as := New(p, rcu, 1, fakeplatform.NewPageTable())
	_ = as.Activate()
	return as
}

func TestExtentDeriveAndDonateSibling(t *testing.T) {
	db := memdb.New()
	p := newTestPartition(t, db)
	if err := db.Insert(0x4000, 0x6000, memdb.Owner(p), memdb.TypePartition); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	parent := New(p)
	if err := parent.ConfigureSparse([]Region{{Phys: 0x4000, Size: 0x2000}}, 0, AccessRead|AccessWrite); err != nil {
		t.Fatalf("ConfigureSparse: %v", err)
	}
	if err := parent.Activate(); err != nil {
		t.Fatalf("parent Activate: %v", err)
	}

	childA := New(p)
	if err := ConfigureDerive(childA, parent, 0, 0x1000, 0, AccessRead); err != nil {
		t.Fatalf("ConfigureDerive childA: %v", err)
	}
	if err := childA.Activate(); err != nil {
		t.Fatalf("childA Activate: %v", err)
	}
	if got, want := parent.Header().RefCount(), uint32(2); got != want {
		t.Fatalf("parent refcount after derive = %d, want %d", got, want)
	}

	childB := New(p)
	if err := ConfigureDerive(childB, parent, 0x1000, 0x1000, 0, AccessRead); err != nil {
		t.Fatalf("ConfigureDerive childB: %v", err)
	}
	if err := childB.Activate(); err != nil {
		t.Fatalf("childB Activate: %v", err)
	}

	// Donate the range from the parent to childA, then on to its
	// sibling childB.
	if err := childA.DonateChild(0, 0x1000, false); err != nil {
		t.Fatalf("DonateChild: %v", err)
	}
	if err := DonateSibling(childA, childB, 0, 0x1000); err != nil {
		t.Fatalf("DonateSibling: %v", err)
	}
	owner, kind, ok := db.Lookup(0x4000)
	if !ok || owner != memdb.Owner(childB) || kind != memdb.TypeExtent {
		t.Fatalf("Lookup after DonateSibling = %v,%v,%v", owner, kind, ok)
	}

	childA.Header().Put()
	if got, want := parent.Header().RefCount(), uint32(2); got != want {
		t.Fatalf("parent refcount after childA put = %d, want %d", got, want)
	}
	childB.Header().Put()
	if got, want := parent.Header().RefCount(), uint32(1); got != want {
		t.Fatalf("parent refcount after childB put = %d, want %d", got, want)
	}
}

func TestAddrspaceDeactivatePanicsWithMappedExtent(t *testing.T) {
	db := memdb.New()
	p := newTestPartition(t, db)
	if err := db.Insert(0x9000, 0xa000, memdb.Owner(p), memdb.TypePartition); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	e := New(p)
	if err := e.Configure(0x9000, 0x1000, 0, AccessRead); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	rcu := primitives.NewRCU(1, 8)
	as := newActiveAddrspace(p, rcu)
	if err := e.Map(as, 0xc000, 0); err != nil {
		t.Fatalf("Map: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic deactivating addrspace with a live mapping")
		}
	}()
	as.Header().Put()
}

func TestVDeviceMapLookupAndOverlap(t *testing.T) {
	vm := newVDeviceMap()
	h := fakeHandler{}
	if err := vm.Register(0x1000, 0x1000, h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := vm.Register(0x1500, 0x100, h); err == nil {
		t.Fatalf("expected overlap error")
	}
	got, base, ok := vm.Lookup(0x1080)
	if !ok || base != 0x1000 || got != h {
		t.Fatalf("Lookup = %v,%#x,%v", got, base, ok)
	}
	if _, _, ok := vm.Lookup(0x3000); ok {
		t.Fatalf("Lookup outside range should miss")
	}
}

type fakeHandler struct{}

func (fakeHandler) Access(offset, size, value uint64, isWrite bool) (uint64, bool) {
	return value, true
}
