// Package memdb implements the global physical-address ownership map
// from spec.md 4.B/4.D: every byte of installed RAM maps to exactly
// one (owner, type) pair at all times, and insert/update are
// transactional across an address range.
package memdb

import (
	"fmt"

	"github.com/google/btree"
	"github.com/gunyah-go/gunyah/internal/kerr"
	"gvisor.dev/gvisor/pkg/sync"
)

// OwnerType tags what kind of object currently owns a physical range.
type OwnerType int

const (
	TypeNone OwnerType = iota
	TypePartition
	TypeAllocator
	TypeExtent
	TypePartitionNoMap
)

func (t OwnerType) String() string {
	switch t {
	case TypePartition:
		return "PARTITION"
	case TypeAllocator:
		return "ALLOCATOR"
	case TypeExtent:
		return "EXTENT"
	case TypePartitionNoMap:
		return "PARTITION_NOMAP"
	default:
		return "NONE"
	}
}

// Owner is the opaque object pointer memdb stores alongside its type
// tag. Concrete owners are *partition.Partition or *memextent.Extent;
// memdb never dereferences them, it only compares identity, so it is
// declared here as an untyped handle to avoid an import cycle between
// memdb and the packages built on top of it.
type Owner any

type entry struct {
	start, end uint64 // [start, end)
	owner      Owner
	kind       OwnerType
}

func entryLess(a, b *entry) bool { return a.start < b.start }

// DB is a single global memdb instance. The system has exactly one,
// constructed at cold boot over the full installed-RAM range.
type DB struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*entry]
}

// New constructs an empty memdb. Callers insert the initial
// system-RAM range (usually owned by the root partition's allocator)
// immediately after construction.
func New() *DB {
	return &DB{tree: btree.NewG(32, entryLess)}
}

// Insert claims [start,end) for (owner,kind). Fails with Denied if any
// byte in the range is already owned by something — every byte of
// memdb-managed memory must be owned by exactly one entry at a time.
func (d *DB) Insert(start, end uint64, owner Owner, kind OwnerType) error {
	if start >= end {
		return kerr.New("memdb.Insert", kerr.ArgumentInvalid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.overlapsLocked(start, end) {
		return kerr.New("memdb.Insert", kerr.Denied)
	}
	d.tree.ReplaceOrInsert(&entry{start: start, end: end, owner: owner, kind: kind})
	return nil
}

// Update atomically exchanges ownership of [start,end) from
// (expectOwner,expectKind) to (newOwner,newKind). It fails with Denied
// unless every byte in the range currently matches the expected pair
// exactly — spec.md 4.B: "atomically exchanges ownership of a range
// only if every byte currently matches the expected pair."
//
// The range may span several existing entries (e.g. donate_sibling
// moving a subrange out of a larger sparse extent's owned span); all
// of them must match or the whole update is rejected and the tree is
// left untouched.
func (d *DB) Update(start, end uint64, newOwner Owner, newKind OwnerType, expectOwner Owner, expectKind OwnerType) error {
	if start >= end {
		return kerr.New("memdb.Update", kerr.ArgumentInvalid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	covered, err := d.checkExpectedLocked(start, end, expectOwner, expectKind)
	if err != nil {
		return err
	}
	if !covered {
		return kerr.New("memdb.Update", kerr.Denied)
	}

	d.replaceRangeLocked(start, end, newOwner, newKind)
	return nil
}

// Lookup returns the (owner,kind) pair covering pa. Per spec.md 4.B
// this must be called inside an RCU read section in the original
// design because owners may be freed after a grace period once their
// memdb entry is replaced; here the RWMutex read-lock plays that role
// (readers never block a writer out indefinitely, and a writer's
// update is only visible to a reader as a whole transaction).
func (d *DB) Lookup(pa uint64) (owner Owner, kind OwnerType, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var found *entry
	d.tree.DescendLessOrEqual(&entry{start: pa}, func(e *entry) bool {
		if pa >= e.start && pa < e.end {
			found = e
		}
		return false
	})
	if found == nil {
		return nil, TypeNone, false
	}
	return found.owner, found.kind, true
}

// TotalOwnedBy sums the bytes currently owned by entries of kind.
// Exercised by the memdb conservation invariant in spec.md 8: RAM -
// kernel image == sum(PARTITION) + sum(ALLOCATOR) + sum(EXTENT).
func (d *DB) TotalOwnedBy(kind OwnerType) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var total uint64
	d.tree.Ascend(func(e *entry) bool {
		if e.kind == kind {
			total += e.end - e.start
		}
		return true
	})
	return total
}

func (d *DB) overlapsLocked(start, end uint64) bool {
	overlap := false
	d.tree.Ascend(func(e *entry) bool {
		if e.start >= end {
			return false
		}
		if e.end > start {
			overlap = true
			return false
		}
		return true
	})
	return overlap
}

// checkExpectedLocked reports whether [start,end) is completely
// covered by existing entries that all match (expectOwner,expectKind),
// with no gaps.
func (d *DB) checkExpectedLocked(start, end uint64, expectOwner Owner, expectKind OwnerType) (bool, error) {
	cursor := start
	ok := true
	d.tree.Ascend(func(e *entry) bool {
		if e.end <= cursor {
			return true
		}
		if e.start > cursor {
			ok = false // gap
			return false
		}
		if e.owner != expectOwner || e.kind != expectKind {
			ok = false
			return false
		}
		cursor = e.end
		return cursor < end
	})
	if cursor < end {
		ok = false
	}
	return ok, nil
}

// replaceRangeLocked splits any entries overlapping [start,end) at the
// boundary and installs a single new entry spanning exactly
// [start,end) with the new owner/kind, preserving the un-covered tails
// of any entries that extended beyond the range.
func (d *DB) replaceRangeLocked(start, end uint64, owner Owner, kind OwnerType) {
	var toDelete []*entry
	var toInsert []*entry

	d.tree.Ascend(func(e *entry) bool {
		if e.end <= start {
			return true
		}
		if e.start >= end {
			return false
		}
		toDelete = append(toDelete, e)
		if e.start < start {
			toInsert = append(toInsert, &entry{start: e.start, end: start, owner: e.owner, kind: e.kind})
		}
		if e.end > end {
			toInsert = append(toInsert, &entry{start: end, end: e.end, owner: e.owner, kind: e.kind})
		}
		return true
	})
	for _, e := range toDelete {
		d.tree.Delete(e)
	}
	toInsert = append(toInsert, &entry{start: start, end: end, owner: owner, kind: kind})
	for _, e := range toInsert {
		d.tree.ReplaceOrInsert(e)
	}
}

// String dumps the current tree for debug logging / introspection,
// one "[start,end) type" line per record in address order.
func (d *DB) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := ""
	d.tree.Ascend(func(e *entry) bool {
		s += fmt.Sprintf("[%#x,%#x) %s\n", e.start, e.end, e.kind)
		return true
	})
	return s
}
