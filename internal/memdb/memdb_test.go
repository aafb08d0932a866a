package memdb

import "testing"

func TestInsertRejectsOverlap(t *testing.T) {
	d := New()
	root := Owner("root-partition")
	if err := d.Insert(0x1000, 0x5000, root, TypePartition); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Insert(0x2000, 0x3000, root, TypePartition); err == nil {
		t.Fatal("expected overlapping insert to fail")
	}
}

func TestUpdateRequiresExactMatch(t *testing.T) {
	d := New()
	root := Owner("root-partition")
	extent := Owner("extent-1")
	if err := d.Insert(0x1000, 0x5000, root, TypePartition); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := d.Update(0x2000, 0x3000, extent, TypeExtent, extent, TypeExtent); err == nil {
		t.Fatal("expected update with wrong expected owner to fail")
	}

	if err := d.Update(0x2000, 0x3000, extent, TypeExtent, root, TypePartition); err != nil {
		t.Fatalf("Update: %v", err)
	}

	owner, kind, ok := d.Lookup(0x2500)
	if !ok || owner != extent || kind != TypeExtent {
		t.Fatalf("Lookup(0x2500) = %v, %v, %v", owner, kind, ok)
	}

	// Surrounding ranges still belong to root.
	owner, kind, ok = d.Lookup(0x1500)
	if !ok || owner != root || kind != TypePartition {
		t.Fatalf("Lookup(0x1500) = %v, %v, %v", owner, kind, ok)
	}
	owner, kind, ok = d.Lookup(0x4000)
	if !ok || owner != root || kind != TypePartition {
		t.Fatalf("Lookup(0x4000) = %v, %v, %v", owner, kind, ok)
	}
}

func TestSparseExtentDonateSiblingScenario(t *testing.T) {
	// spec.md 8, scenario 3.
	d := New()
	parent := Owner("parent-extent")
	c1 := Owner("child-1")
	c2 := Owner("child-2")

	if err := d.Insert(0x1000, 0x5000, parent, TypeExtent); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Update(0x2000, 0x3000, c1, TypeExtent, parent, TypeExtent); err != nil {
		t.Fatalf("donate_child: %v", err)
	}
	owner, kind, ok := d.Lookup(0x2500)
	if !ok || owner != c1 || kind != TypeExtent {
		t.Fatalf("after donate_child: Lookup(0x2500) = %v, %v, %v", owner, kind, ok)
	}

	if err := d.Update(0x2000, 0x3000, c2, TypeExtent, c1, TypeExtent); err != nil {
		t.Fatalf("donate_sibling: %v", err)
	}
	owner, kind, ok = d.Lookup(0x2500)
	if !ok || owner != c2 || kind != TypeExtent {
		t.Fatalf("after donate_sibling: Lookup(0x2500) = %v, %v, %v", owner, kind, ok)
	}
}

func TestTotalOwnedByConservation(t *testing.T) {
	d := New()
	root := Owner("root")
	alloc := Owner("alloc")
	if err := d.Insert(0, 0x10000, root, TypePartition); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Update(0x4000, 0x8000, alloc, TypeAllocator, root, TypePartition); err != nil {
		t.Fatalf("Update: %v", err)
	}
	total := d.TotalOwnedBy(TypePartition) + d.TotalOwnedBy(TypeAllocator) + d.TotalOwnedBy(TypeExtent)
	if total != 0x10000 {
		t.Fatalf("expected total ownership to equal system RAM, got %#x", total)
	}
}
