package primitives

import "gvisor.dev/gvisor/pkg/atomicbitops"

// Refcount is a 32-bit atomic reference count matching spec.md 4.A:
// GetAdditional requires the count to already be nonzero (used when an
// RCU read section guarantees the pointer is still live), GetSafe is a
// CAS loop that fails once the count has reached zero, and Put is a
// release that reports whether it drove the count to zero.
type Refcount struct {
	count atomicbitops.Uint32
}

// NewRefcount returns a Refcount initialized to 1, the state a freshly
// allocated object is in before its master cap adopts the reference.
func NewRefcount() *Refcount {
	r := &Refcount{}
	r.count.Store(1)
	return r
}

// GetAdditional adds one reference without a barrier. Callers must
// already hold a reference or be inside an RCU read section that
// guarantees the object has not yet reached zero.
func (r *Refcount) GetAdditional() {
	r.count.Add(1)
}

// GetSafe attempts to add one reference, failing if the count has
// already reached zero (object is deactivating/deactivated). Succeeds
// with acquire ordering so the caller's subsequent reads observe the
// object's pre-deactivation state.
func (r *Refcount) GetSafe() bool {
	for {
		old := r.count.Load()
		if old == 0 {
			return false
		}
		if r.count.CompareAndSwap(old, old+1) == old {
			return true
		}
	}
}

// Put drops one reference with release ordering and reports whether
// this call drove the count to zero (true also implies an acquire, so
// the caller may safely run deactivation/destruction code after a true
// return without any further synchronization).
func (r *Refcount) Put() bool {
	return r.count.Add(^uint32(0)) == 0
}

// Load returns the current count for diagnostics/tests. Never use the
// result to decide whether to call GetSafe/Put — always race against
// the atomic operation itself.
func (r *Refcount) Load() uint32 {
	return r.count.Load()
}
