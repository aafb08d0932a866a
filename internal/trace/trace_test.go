package trace

import (
	"testing"

	"github.com/gunyah-go/gunyah/internal/platform/fakeplatform"
)

func TestRingWrapsAndOverwritesOldest(t *testing.T) {
	r := NewRing(3)
	r.Emit("a", 0, 1)
	r.Emit("b", 0, 2)
	r.Emit("c", 0, 3)
	r.Emit("d", 0, 4) // overwrites "a"

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	tags := []string{got[0].Tag, got[1].Tag, got[2].Tag}
	want := []string{"b", "c", "d"}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("snapshot order = %v, want %v", tags, want)
		}
	}
}

func TestRingResetClearsEvents(t *testing.T) {
	r := NewRing(4)
	r.Emit("a", 0, 1)
	r.Reset()
	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty ring after Reset, got %d entries", len(got))
	}
}

func TestPRNGProducesDistinctValuesWithoutReseed(t *testing.T) {
	plat := fakeplatform.New(1)
	p, err := NewPRNG(plat)
	if err != nil {
		t.Fatalf("NewPRNG: %v", err)
	}
	a := p.Uint64()
	b := p.Uint64()
	if a == b {
		t.Fatalf("expected successive draws to differ, got %d twice", a)
	}
}
