// Package object implements the common object lifecycle (spec.md 4.C):
// every first-class kernel object (partition, cspace, thread, memextent,
// addrspace, vic, doorbell, ...) embeds a Header that tracks its owning
// partition, type tag, refcount, and lifecycle state.
package object

import (
	"fmt"
	"log/slog"

	"github.com/gunyah-go/gunyah/internal/kerr"
	"github.com/gunyah-go/gunyah/internal/primitives"
	"gvisor.dev/gvisor/pkg/sync"
)

// Type tags every first-class object kind. Rights masks (see
// rights.go) are defined per Type.
type Type int

const (
	TypeNone Type = iota
	TypePartition
	TypeCspace
	TypeThread
	TypeMemextent
	TypeAddrspace
	TypeVic
	TypeDoorbell
	TypeWaitQueue
	TypeVPMGroup
	TypeVRTC
)

func (t Type) String() string {
	switch t {
	case TypePartition:
		return "partition"
	case TypeCspace:
		return "cspace"
	case TypeThread:
		return "thread"
	case TypeMemextent:
		return "memextent"
	case TypeAddrspace:
		return "addrspace"
	case TypeVic:
		return "vic"
	case TypeDoorbell:
		return "doorbell"
	case TypeWaitQueue:
		return "wait_queue"
	case TypeVPMGroup:
		return "vpm_group"
	case TypeVRTC:
		return "vrtc"
	default:
		return "none"
	}
}

// State is an object's lifecycle phase.
type State int32

const (
	StateInit State = iota
	StateActive
	StateDeactivated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateActive:
		return "ACTIVE"
	case StateDeactivated:
		return "DEACTIVATED"
	default:
		return "?"
	}
}

// Deactivator is implemented by every concrete object kind; it is
// invoked exactly once, when the object's refcount reaches zero,
// regardless of whether that happens via cap deletion, revoke, or a
// direct Put. It must reverse whatever the object's activate step
// published (spec.md 4.C: "Deactivation ... reverses publishing,
// ending in destruction").
type Deactivator interface {
	Deactivate()
}

// Header is the common prefix embedded by every first-class object.
type Header struct {
	mu       sync.Mutex
	Type     Type
	refcount *primitives.Refcount
	state    State
	// Partition is set at construction and never changes; it is the
	// owning authority whose heap backs this object and whose
	// accounting tracks its lifetime.
	Partition any
	deact     Deactivator
}

// Init initializes a freshly allocated object's header in INIT state
// with a refcount of 1, per spec.md 4.C's creation sequence. owner is
// the allocating partition (typed any to avoid an object<->partition
// import cycle; concrete code always passes *partition.Partition).
func (h *Header) Init(typ Type, owner any, deact Deactivator) {
	h.Type = typ
	h.Partition = owner
	h.refcount = primitives.NewRefcount()
	h.state = StateInit
	h.deact = deact
}

// Lock/Unlock guard configuration writes and lifecycle transitions,
// per spec.md 4.C ("each requires the header lock and INIT state").
func (h *Header) Lock()   { h.mu.Lock() }
func (h *Header) Unlock() { h.mu.Unlock() }

// State returns the current lifecycle phase. Safe to call without the
// header lock (used by cspace lookups checking active_only), but a
// racing Activate/Deactivate may make the result stale by the time the
// caller acts on it — callers that need a strict guarantee take the
// lock themselves.
func (h *Header) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RequireInit returns ObjectState unless the object is currently in
// INIT state. Configuration setters call this while holding the lock.
func (h *Header) RequireInit(op string) error {
	if h.state != StateInit {
		return kerr.New(op, kerr.ObjectState)
	}
	return nil
}

// Activate transitions INIT -> ACTIVE. This is a release operation:
// spec.md 5 requires that "any subsequent acquire observer of the
// object in ACTIVE state sees all configuration writes" made before
// Activate — the header mutex's unlock at the end of Activate
// provides that release barrier.
func (h *Header) Activate(op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateInit {
		return kerr.New(op, kerr.ObjectState)
	}
	h.state = StateActive
	slog.Debug("object activated", "type", h.Type)
	return nil
}

// GetAdditional and GetSafe add a reference. Use GetAdditional when the caller already
// holds a live reference or is inside an RCU read section; GetSafe
// otherwise (it fails once the object has started deactivating).
func (h *Header) GetAdditional() { h.refcount.GetAdditional() }
func (h *Header) GetSafe() bool  { return h.refcount.GetSafe() }

// Put drops a reference. When it is the last one, the header
// transitions to DEACTIVATED and the registered Deactivator runs
// synchronously on the releasing goroutine, matching "the last
// refcount-put deactivates and frees" (spec.md 3).
func (h *Header) Put() {
	if !h.refcount.Put() {
		return
	}
	h.mu.Lock()
	h.state = StateDeactivated
	h.mu.Unlock()
	slog.Debug("object deactivated", "type", h.Type)
	if h.deact != nil {
		h.deact.Deactivate()
	}
}

// RefCount reports the current reference count, for diagnostics and
// the cspace invariant refcount(obj) >= |{caps referring to obj}|.
func (h *Header) RefCount() uint32 {
	return h.refcount.Load()
}

// Summary is a read-only snapshot used by introspection tooling
// (internal/object.DumpObjects, cmd/gunyah-inspect).
type Summary struct {
	Type     Type
	State    State
	RefCount uint32
}

func (h *Header) Summary() Summary {
	return Summary{Type: h.Type, State: h.State(), RefCount: h.RefCount()}
}

func (s Summary) String() string {
	return fmt.Sprintf("%s state=%s refcount=%d", s.Type, s.State, s.RefCount)
}
