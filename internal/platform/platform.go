// Package platform declares the narrow external-collaborator
// interfaces spec.md 6 requires: the arch trampoline, the page-table
// module, and the per-SoC platform module (CPU/timer/IRQ/IPI/PRNG).
// spec.md 1 explicitly places their concrete implementations out of
// scope (register layouts, asm trampolines, MMU algorithms); this
// package exists only so the object/capability kernel core can be
// built and tested against a fake implementation
// (internal/platform/fakeplatform) instead of real EL2 hardware,
// mirroring how tinyrange-cc's internal/hv/factory selects among
// KVM/HVF/WHP backends behind one interface.
package platform

import "context"

// RegisterFile is an opaque per-thread register save area (general,
// FP/SIMD, EL1 sysregs, EL2 config per spec.md 3). The kernel core
// never interprets its contents; it only passes it to ArchTrampoline.
type RegisterFile struct {
	GPRs  [31]uint64
	PC    uint64
	SP    uint64
	PSTATE uint64
	SIMD  [32][2]uint64
	SysRegs map[string]uint64
}

// ArchTrampoline is the save/restore/switch boundary spec.md 6
// describes. SwitchTo is the context switch; in a goroutine-per-CPU
// simulation there is no live register state of the calling goroutine
// to save, so this interface exists so internal/scheduler can call a
// single well-defined seam instead of embedding asm.
type ArchTrampoline interface {
	// SwitchTo installs target's register state as current and
	// "returns" in target's context. curTicks is the tick count to
	// charge against the outgoing thread's timeslice.
	SwitchTo(target *RegisterFile, curTicks uint64)
	InterruptEnable()
	InterruptDisable()
	ContextSync()
}

// PageTable is the stage-2 (VM) or stage-1-EL2 (hyp) translation
// module from spec.md 6. The core treats every operation as
// transactional at Commit granularity, and assumes a concurrent fault
// racing a mid-flight operation retries rather than observing
// torn state.
type PageTable interface {
	Start() error
	Map(ipa, phys, size uint64, attrs uint64) error
	Unmap(ipa, size uint64) error
	Commit() error
	// Lookup resolves ipa (VM) or hyp VA to (phys, size, attrs); ok is
	// false on a translation miss.
	Lookup(addr uint64) (phys uint64, size uint64, attrs uint64, ok bool)
	// TranslateReadWrite performs an AT-style address translation for
	// the given access, used by the permission-fault vdevice matching
	// path in spec.md 4.D.
	TranslateReadWrite(va uint64, write bool) (phys uint64, ok bool)
}

// CPUID identifies a physical core, independent of primitives.CPUIndex
// (which is a dense 0..N-1 kernel-internal index); the platform module
// is the only place the two are translated between.
type CPUID uint32

// Platform is the SoC-specific bring-up/runtime surface: CPU
// enumeration and power control, the physical timer, the physical IRQ
// controller, physical IPI delivery, and a hardware entropy source.
type Platform interface {
	MaxCores() int
	CPUExists(id CPUID) bool
	CPUOn(id CPUID, entry uint64, ctx uint64) error
	CPUOff() error
	CPUSuspend(ctx context.Context, stateID uint32) error

	TimerCurrentTicks() uint64
	ConvertNsToTicks(ns uint64) uint64
	TimerSetTimeout(ticks uint64)
	TimerCancelTimeout()
	TimerFrequency() uint64

	IRQAcknowledge() (irq uint32, ok bool)
	IRQPriorityDrop(irq uint32)
	IRQDeactivate(irq uint32)
	IRQEnable(irq uint32)
	IRQDisable(irq uint32)
	IRQIsPercpu(irq uint32) bool
	IRQMax() uint32

	IPIOne(reason uint32, target CPUID)
	IPIOthers(reason uint32)

	GetEntropy256() ([32]byte, error)
	GetRandom32() (uint32, error)
}
