package partition

import (
	"testing"

	"github.com/gunyah-go/gunyah/internal/memdb"
)

func TestPartitionAllocFreeRoundtrip(t *testing.T) {
	db := memdb.New()
	p := New(nil, db)
	if err := p.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := p.MapAndAddHeap(0x10000, 0x1000); err != nil {
		t.Fatalf("MapAndAddHeap: %v", err)
	}
	if got, want := p.FreeBytes(), uint64(0x1000); got != want {
		t.Fatalf("FreeBytes = %#x, want %#x", got, want)
	}

	addr, err := p.Alloc(0x100, 0x10)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr < 0x10000 || addr >= 0x11000 {
		t.Fatalf("Alloc returned out-of-range address %#x", addr)
	}
	if err := p.Free(addr, 0x100); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got, want := p.FreeBytes(), uint64(0x1000); got != want {
		t.Fatalf("after free, FreeBytes = %#x, want %#x", got, want)
	}
}

func TestDonateMovesMemdbOwnership(t *testing.T) {
	db := memdb.New()
	src := New(nil, db)
	dst := New(nil, db)
	_ = src.Activate()
	_ = dst.Activate()

	if err := db.Insert(0x2000, 0x3000, memdb.Owner(src), memdb.TypePartition); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := Donate(src, dst, 0x2000, 0x1000, false); err != nil {
		t.Fatalf("Donate: %v", err)
	}
	owner, kind, ok := db.Lookup(0x2500)
	if !ok || owner != memdb.Owner(dst) || kind != memdb.TypePartition {
		t.Fatalf("Lookup after donate = %v,%v,%v", owner, kind, ok)
	}
}

func TestPartitionSelfReferenceKeepalive(t *testing.T) {
	db := memdb.New()
	p := New(nil, db)
	if err := p.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	// Refcount should reflect the self-reference: 1 (creation) + 1
	// (keepalive) = 2.
	if got := p.Header().RefCount(); got != 2 {
		t.Fatalf("refcount after Activate = %d, want 2", got)
	}
	p.Destroy()
	if got := p.Header().RefCount(); got != 1 {
		t.Fatalf("refcount after Destroy = %d, want 1", got)
	}
	p.Destroy() // idempotent
	if got := p.Header().RefCount(); got != 1 {
		t.Fatalf("refcount after second Destroy = %d, want 1", got)
	}
}
