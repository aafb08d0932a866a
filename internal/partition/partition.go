// Package partition implements the resource-owning authority from
// spec.md 3/4.B: a partition holds a heap allocator, a virt-to-phys
// offset, and (via the self-referenced keepalive) its own lifetime
// independent of implicit last-put semantics.
package partition

import (
	"fmt"

	"github.com/gunyah-go/gunyah/internal/kerr"
	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/object"
)

// Partition is a first-class object; it embeds object.Header so cspace
// can manipulate it like any other capability target (the root and
// private partitions are mostly accessed directly by the boot
// sequence rather than through a cap, but nothing prevents capping
// one).
type Partition struct {
	hdr object.Header

	db        *memdb.DB
	alloc     *Allocator
	virtToPhy int64 // added to a physical address to get this partition's view of it

	// keepalive models the self-reference spec.md 9's Design Notes
	// call for: "partition holds a ref on itself ... model as an
	// explicit keepalive field set during activation and cleared
	// during an explicit destroy hypercall. Do NOT rely on implicit
	// last-put." Nil until Activate; cleared by Destroy.
	keepalive *Partition
}

// Header implements object.Ref.
func (p *Partition) Header() *object.Header { return &p.hdr }

const allocatorMinBlock = 32 // bookkeeping-overhead placeholder, see allocator.go

// New allocates a partition in INIT state, owned by parent (nil for
// the process-wide private partition). db is the shared global memdb
// instance.
func New(parent *Partition, db *memdb.DB) *Partition {
	p := &Partition{db: db, alloc: NewAllocator(allocatorMinBlock)}
	p.hdr.Init(object.TypePartition, parent, p)
	return p
}

// Deactivate implements object.Deactivator. A partition may only reach
// here after Destroy has released the keepalive and every object it
// owns has already been destroyed (spec.md 3: "destroyed only after
// all owned objects are destroyed") — enforcing that ordering is the
// caller's (boot/teardown sequencing) responsibility. Deactivate
// itself does nothing: it does not release the memdb ownership
// records of any heap the partition still holds.
func (p *Partition) Deactivate() {}

// Activate publishes the partition and establishes its self-reference.
func (p *Partition) Activate() error {
	if err := p.hdr.Activate("partition.Activate"); err != nil {
		return err
	}
	p.hdr.GetAdditional()
	p.keepalive = p
	return nil
}

// Destroy releases the partition's self-reference, allowing its
// refcount to reach zero once every other holder (derived caps, child
// objects) has also let go. Idempotent: destroying an already-
// destroyed partition is a no-op.
func (p *Partition) Destroy() {
	if p.keepalive == nil {
		return
	}
	p.keepalive = nil
	p.hdr.Put()
}

// AddHeap donates [phys, phys+size) of already-memdb-owned-by-this-
// partition memory to the allocator's free list.
func (p *Partition) AddHeap(phys, size uint64) error {
	owner, kind, ok := p.db.Lookup(phys)
	if !ok || owner != memdb.Owner(p) || kind != memdb.TypePartition {
		return kerr.New("partition.AddHeap", kerr.Denied)
	}
	if err := p.db.Update(phys, phys+size, memdb.Owner(p), memdb.TypeAllocator, memdb.Owner(p), memdb.TypePartition); err != nil {
		return err
	}
	p.hdr.Lock()
	p.alloc.AddHeap(phys, size)
	p.hdr.Unlock()
	return nil
}

// MapAndAddHeap registers [phys,phys+size) as newly owned by this
// partition (type PARTITION_NOMAP, since it has not yet been
// stage-2-mapped for any VM) and folds it into the heap. Used for
// memory a partition acquires from outside the normal donate chain —
// e.g. the root partition absorbing a platform-reserved carve-out at
// cold boot.
func (p *Partition) MapAndAddHeap(phys, size uint64) error {
	if err := p.db.Insert(phys, phys+size, memdb.Owner(p), memdb.TypePartitionNoMap); err != nil {
		return err
	}
	if err := p.db.Update(phys, phys+size, memdb.Owner(p), memdb.TypeAllocator, memdb.Owner(p), memdb.TypePartitionNoMap); err != nil {
		return err
	}
	p.hdr.Lock()
	p.alloc.AddHeap(phys, size)
	p.hdr.Unlock()
	return nil
}

// Alloc reserves size bytes aligned to align from the partition's
// heap.
func (p *Partition) Alloc(size, align uint64) (uint64, error) {
	p.hdr.Lock()
	defer p.hdr.Unlock()
	return p.alloc.Alloc(size, align)
}

// Free returns a previous Alloc's range to the heap.
func (p *Partition) Free(phys, size uint64) error {
	p.hdr.Lock()
	defer p.hdr.Unlock()
	return p.alloc.Free(phys, size)
}

// Donate transfers ownership of [base,base+size) from src to dst.
// fromHeap indicates the range is currently carved out of src's
// allocator (as opposed to a raw, never-allocated PARTITION range) and
// selects the expected source record: the memdb record is atomically
// flipped from (src,ALLOCATOR) or (src,PARTITION) to (dst,PARTITION).
// src's allocator free list is not modified. Allocator bookkeeping for
// freshly donated memory on the dst side is the caller's job
// (typically an immediate AddHeap on dst).
func Donate(src, dst *Partition, base, size uint64, fromHeap bool) error {
	if src == dst {
		return kerr.New("partition.Donate", kerr.ArgumentInvalid)
	}
	srcKind := memdb.TypePartition
	if fromHeap {
		srcKind = memdb.TypeAllocator
	}
	if err := src.db.Update(base, base+size, memdb.Owner(dst), memdb.TypePartition, memdb.Owner(src), srcKind); err != nil {
		return fmt.Errorf("partition.Donate: %w", err)
	}
	return nil
}

// FreeBytes reports the partition's currently free heap bytes (tests
// and diagnostics).
func (p *Partition) FreeBytes() uint64 { return p.alloc.FreeBytes() }

// DB returns the shared memdb instance, for subsystems (memextent,
// addrspace) that need to record their own ownership transactions.
func (p *Partition) DB() *memdb.DB { return p.db }
