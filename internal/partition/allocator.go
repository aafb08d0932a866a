package partition

import (
	"fmt"

	"github.com/gunyah-go/gunyah/internal/kerr"
)

// block is a free region in the partition's address-ordered free
// list, sorted by base address so adjacent frees can coalesce in
// O(1). Sized-but-unused allocator metadata (size, base) is tracked
// separately from the bytes themselves — this is a bookkeeping
// structure, not a real mmap; real backing memory is modeled as an
// opaque [base,base+size) physical range registered in memdb by the
// owning Partition.
type block struct {
	base, size uint64
	next       *block
}

// Allocator is a per-partition first-fit, address-sorted free-list
// allocator (spec.md 4.B). It is not thread-safe on its own: callers
// synchronize through the partition's header lock, exactly as spec.md
// 4.B specifies.
type Allocator struct {
	free *block
	// minBlock is the smallest free-list block retained after a free;
	// anything that would coalesce down to fewer bytes than this is
	// still tracked (we always coalesce fully) but a standalone free of
	// fewer bytes than minBlock is rejected as a caller bug, mirroring
	// "blocks smaller than the header size are withheld."
	minBlock uint64
}

// NewAllocator returns an empty allocator. minBlockSize should be the
// allocator's own per-block bookkeeping overhead in the original C
// source (here a documentation constant only, since Go blocks are
// tracked out-of-band).
func NewAllocator(minBlockSize uint64) *Allocator {
	return &Allocator{minBlock: minBlockSize}
}

// AddHeap donates [base,base+size) to the allocator's free list as new
// capacity, coalescing with adjacent free blocks.
func (a *Allocator) AddHeap(base, size uint64) {
	a.insertFree(base, size)
}

// Alloc reserves size bytes aligned to align from the free list,
// first-fit. Returns NoMemory if no sufficiently large, correctly
// alignable block exists.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, kerr.New("allocator.Alloc", kerr.ArgumentInvalid)
	}
	if align == 0 {
		align = 1
	}
	var prev *block
	for b := a.free; b != nil; prev, b = b, b.next {
		start := alignUp(b.base, align)
		pad := start - b.base
		if pad+size > b.size {
			continue
		}
		// Found a fit. Carve [start, start+size) out of b, re-inserting
		// any leftover head/tail padding as smaller free blocks.
		headBase, headSize := b.base, pad
		tailBase, tailSize := start+size, b.size-pad-size

		a.unlink(prev, b)
		if headSize > 0 {
			a.insertFree(headBase, headSize)
		}
		if tailSize > 0 {
			a.insertFree(tailBase, tailSize)
		}
		return start, nil
	}
	return 0, kerr.New("allocator.Alloc", kerr.NoMemory)
}

// Free returns [base,base+size) to the free list, coalescing with
// adjacent blocks. It is a caller bug to free a range not currently
// allocated from this allocator; Free does not attempt to detect that
// (no bookkeeping of "in use" ranges exists once Alloc hands them
// out — ownership tracking of live allocations is memdb's job, per
// spec.md 4.B).
func (a *Allocator) Free(base, size uint64) error {
	if size == 0 {
		return kerr.New("allocator.Free", kerr.ArgumentInvalid)
	}
	if size < a.minBlock {
		return fmt.Errorf("allocator: free of %d bytes below minimum block size %d", size, a.minBlock)
	}
	a.insertFree(base, size)
	return nil
}

func (a *Allocator) unlink(prev, b *block) {
	if prev == nil {
		a.free = b.next
	} else {
		prev.next = b.next
	}
}

func (a *Allocator) insertFree(base, size uint64) {
	nb := &block{base: base, size: size}

	var prev *block
	cur := a.free
	for cur != nil && cur.base < nb.base {
		prev, cur = cur, cur.next
	}

	// Coalesce with the following block.
	if cur != nil && nb.base+nb.size == cur.base {
		nb.size += cur.size
		nb.next = cur.next
	} else {
		nb.next = cur
	}

	// Coalesce with the preceding block.
	if prev != nil && prev.base+prev.size == nb.base {
		prev.size += nb.size
		prev.next = nb.next
		return
	}

	if prev == nil {
		a.free = nb
	} else {
		prev.next = nb
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// FreeBytes sums all currently free bytes, for diagnostics and tests.
func (a *Allocator) FreeBytes() uint64 {
	var total uint64
	for b := a.free; b != nil; b = b.next {
		total += b.size
	}
	return total
}
