// Package trace implements the bounded trace ring named in spec.md
// §6 ("Trace ring is reset on cold boot") and the per-CPU PRNG reseed
// this expands into: the ring is a fixed-capacity circular buffer of
// tagged events, and each CPU's PRNG draws fresh entropy from the
// platform on a rate-limited cadence rather than on every consumer.
package trace

import (
	"time"

	"github.com/gunyah-go/gunyah/internal/platform"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/sync"
)

// Event is one trace ring entry.
type Event struct {
	Tag  string
	CPU  int
	Data uint64
	Seq  uint64
}

// Ring is a fixed-capacity circular buffer of Events, overwriting the
// oldest entry once full.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
	seq  uint64
}

// NewRing allocates a ring holding at most capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Emit appends an event, overwriting the oldest if the ring is full.
func (r *Ring) Emit(tag string, cpu int, data uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.buf[r.next] = Event{Tag: tag, CPU: cpu, Data: data, Seq: r.seq}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Reset clears the ring, per spec.md §6's "trace ring is reset on
// cold boot".
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.buf {
		r.buf[i] = Event{}
	}
	r.next = 0
	r.full = false
	r.seq = 0
}

// Snapshot returns events oldest-first.
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, len(r.buf))
	copy(out, r.buf[r.next:])
	copy(out[len(r.buf)-r.next:], r.buf[:r.next])
	return out
}

// reseedInterval bounds how often a CPU's PRNG draws fresh platform
// entropy; between reseeds it serves from its local state, the same
// "fixed cadence, not every draw" shape as power.retryBackoff.
const reseedInterval = 100 * time.Millisecond

// PRNG is a per-CPU pseudo-random source reseeded from platform
// entropy on a rate-limited cadence (spec.md §6 PRNG, elaborated per
// the domain-stack note on reseed cadence).
type PRNG struct {
	mu      sync.Mutex
	plat    platform.Platform
	limiter *rate.Limiter
	state   uint64
}

// NewPRNG constructs a per-CPU PRNG seeded immediately from plat.
func NewPRNG(plat platform.Platform) (*PRNG, error) {
	p := &PRNG{plat: plat, limiter: rate.NewLimiter(rate.Every(reseedInterval), 1)}
	if err := p.reseed(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PRNG) reseed() error {
	seed, err := p.plat.GetRandom32()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.state ^= uint64(seed)<<32 | uint64(seed)
	if p.state == 0 {
		p.state = 1
	}
	p.mu.Unlock()
	return nil
}

// Uint64 returns the next pseudo-random value, reseeding from the
// platform first if the rate limiter currently allows it.
func (p *PRNG) Uint64() uint64 {
	if p.limiter.Allow() {
		_ = p.reseed()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// xorshift64*, deterministic between reseeds.
	x := p.state
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	p.state = x
	return x * 2685821657736338717
}
