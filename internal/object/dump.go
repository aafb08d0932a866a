package object

import "gvisor.dev/gvisor/pkg/sync"

// NamedSummary pairs a tracked object's name with its Summary,
// folded in from original_source's
// hyp/core/debug/aarch64/src/debug.c trap-handler introspection path
// as a plain data dump instead of a debugger-facing trap.
type NamedSummary struct {
	Name string
	Summary
}

// Registry is an opt-in introspection directory: subsystems that want
// their live objects visible to DumpObjects call Track once per
// object. Nothing in the object/capability fastpath depends on it —
// it exists purely for cmd/gunyah-inspect.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Header
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Header{}}
}

// Track registers h under name, visible to future DumpObjects calls
// until Untrack is called (e.g. on deactivation).
func (r *Registry) Track(name string, h *Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = h
}

// Untrack removes name from the registry.
func (r *Registry) Untrack(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// DumpObjects returns a summary of every object currently tracked in
// r, ordered by name.
func DumpObjects(r *Registry) []NamedSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NamedSummary, 0, len(r.entries))
	for name, h := range r.entries {
		out = append(out, NamedSummary{Name: name, Summary: h.Summary()})
	}
	sortSummaries(out)
	return out
}

func sortSummaries(s []NamedSummary) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Name < s[j-1].Name; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
