// Package fakeplatform is an in-process double for internal/platform,
// used by every kernel-core package's tests so the object/capability
// and scheduling substrate can be exercised without real EL2
// hardware — the same role internal/hv/factory's backend selection
// plays for tinyrange-cc's hosted VMs, just inverted: there the
// backend is real (KVM/HVF/WHP) and the guest is simulated; here the
// backend is simulated and the "guest" is the code under test.
package fakeplatform

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/gunyah-go/gunyah/internal/platform"
)

// PageTable is a map-backed platform.PageTable good enough to drive
// the vdevice/fault-matching paths in tests.
type PageTable struct {
	mu      sync.Mutex
	entries map[uint64]entry
}

type entry struct {
	phys, size, attrs uint64
}

func NewPageTable() *PageTable { return &PageTable{entries: map[uint64]entry{}} }

func (p *PageTable) Start() error { return nil }

func (p *PageTable) Map(ipa, phys, size, attrs uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[ipa] = entry{phys: phys, size: size, attrs: attrs}
	return nil
}

func (p *PageTable) Unmap(ipa, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, ipa)
	return nil
}

func (p *PageTable) Commit() error { return nil }

func (p *PageTable) Lookup(addr uint64) (uint64, uint64, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for base, e := range p.entries {
		if addr >= base && addr < base+e.size {
			return e.phys + (addr - base), e.size, e.attrs, true
		}
	}
	return 0, 0, 0, false
}

func (p *PageTable) TranslateReadWrite(va uint64, write bool) (uint64, bool) {
	phys, _, _, ok := p.Lookup(va)
	return phys, ok
}

// Platform is a deterministic, fully in-process platform.Platform.
type Platform struct {
	mu       sync.Mutex
	cores    int
	irqMax   uint32
	disabled map[uint32]bool

	ipiMu  sync.Mutex
	ipiLog []ipiRecord
}

type ipiRecord struct {
	reason uint32
	target platform.CPUID
	others bool
}

func New(cores int) *Platform {
	return &Platform{cores: cores, irqMax: 1024, disabled: map[uint32]bool{}}
}

func (p *Platform) MaxCores() int                 { return p.cores }
func (p *Platform) CPUExists(id platform.CPUID) bool { return int(id) < p.cores }
func (p *Platform) CPUOn(id platform.CPUID, entry, ctx uint64) error { return nil }
func (p *Platform) CPUOff() error                 { return nil }
func (p *Platform) CPUSuspend(ctx context.Context, stateID uint32) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *Platform) TimerCurrentTicks() uint64      { return 0 }
func (p *Platform) ConvertNsToTicks(ns uint64) uint64 { return ns }
func (p *Platform) TimerSetTimeout(ticks uint64)   {}
func (p *Platform) TimerCancelTimeout()            {}
func (p *Platform) TimerFrequency() uint64         { return 1_000_000_000 }

func (p *Platform) IRQAcknowledge() (uint32, bool) { return 0, false }
func (p *Platform) IRQPriorityDrop(irq uint32)     {}
func (p *Platform) IRQDeactivate(irq uint32)       {}
func (p *Platform) IRQEnable(irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.disabled, irq)
}
func (p *Platform) IRQDisable(irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled[irq] = true
}
func (p *Platform) IRQIsPercpu(irq uint32) bool { return irq < 32 }
func (p *Platform) IRQMax() uint32              { return p.irqMax }

func (p *Platform) IPIOne(reason uint32, target platform.CPUID) {
	p.ipiMu.Lock()
	defer p.ipiMu.Unlock()
	p.ipiLog = append(p.ipiLog, ipiRecord{reason: reason, target: target})
}

func (p *Platform) IPIOthers(reason uint32) {
	p.ipiMu.Lock()
	defer p.ipiMu.Unlock()
	p.ipiLog = append(p.ipiLog, ipiRecord{reason: reason, others: true})
}

// IPICount reports how many physical IPIs (IPIOne and IPIOthers calls)
// have been sent so far.
func (p *Platform) IPICount() int {
	p.ipiMu.Lock()
	defer p.ipiMu.Unlock()
	return len(p.ipiLog)
}

func (p *Platform) GetEntropy256() ([32]byte, error) {
	var b [32]byte
	_, err := rand.Read(b[:])
	return b, err
}

func (p *Platform) GetRandom32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
