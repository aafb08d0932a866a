// Package ipi implements the cross-CPU notification layer from
// spec.md 4.F: each CPU exposes an atomic bitmask of pending reasons,
// and a send is a fetch-or optionally followed by a physical IPI.
package ipi

import (
	"github.com/gunyah-go/gunyah/internal/platform"
	"github.com/gunyah-go/gunyah/internal/primitives"
)

// Reason identifies why a CPU was poked.
type Reason int

const (
	ReasonReschedule Reason = iota
	ReasonIdle
	ReasonTaskQueue
	ReasonAbortStop
	numReasons
)

// WaitingInIdle is the dedicated high bit one_idle/others_idle consult:
// set while a CPU is polling in its idle loop via event-wait, cleared
// by whichever CPU sends it a reason so the sender knows whether a
// physical IPI is still needed to wake it.
const WaitingInIdle = Reason(numReasons) // lives past the real reasons, own bit

// Receiver is invoked once per pending reason drained by HandleRelaxed,
// matching spec.md 4.F's "dispatching each bit to its registered
// receiver event".
type Receiver func(cpu int, reason Reason)

// Layer owns the per-CPU pending words and dispatches to physical IPI
// delivery via platform.Platform.
type Layer struct {
	pending  []primitives.Bitmap
	plat     platform.Platform
	receiver Receiver
}

// New constructs an IPI layer for numCPUs logical CPUs.
func New(numCPUs int, plat platform.Platform, receiver Receiver) *Layer {
	l := &Layer{pending: make([]primitives.Bitmap, numCPUs), plat: plat, receiver: receiver}
	for i := range l.pending {
		l.pending[i] = *primitives.NewBitmap(int(numReasons) + 1)
	}
	return l
}

// One posts reason to a single target CPU and always sends a physical
// IPI.
func (l *Layer) One(reason Reason, target platform.CPUID) {
	l.pending[target].AtomicSet(int(reason))
	l.plat.IPIOne(uint32(reason), target)
}

// Others posts reason to every CPU but the caller, always physical.
// callerCPU identifies the sender so it can skip itself.
func (l *Layer) Others(reason Reason, callerCPU int) {
	for cpu := range l.pending {
		if cpu == callerCPU {
			continue
		}
		l.pending[cpu].AtomicSet(int(reason))
	}
	l.plat.IPIOthers(uint32(reason))
}

// OneRelaxed posts reason to target without a physical IPI: picked up
// at the target's next return-to-user or idle poll.
func (l *Layer) OneRelaxed(reason Reason, target int) {
	l.pending[target].AtomicSet(int(reason))
}

// OthersRelaxed posts reason to every CPU but the caller, relaxed.
func (l *Layer) OthersRelaxed(reason Reason, callerCPU int) {
	for cpu := range l.pending {
		if cpu == callerCPU {
			continue
		}
		l.pending[cpu].AtomicSet(int(reason))
	}
}

// OneIdle implements the fast-wakeup variant: if target is currently
// polling in idle (WaitingInIdle set), clearing that bit is enough —
// the target's event-wait loop notices the reason bit directly on its
// next poll. Otherwise it falls back to a physical IPI.
func (l *Layer) OneIdle(reason Reason, target platform.CPUID) {
	l.pending[target].AtomicSet(int(reason))
	wasWaiting := l.pending[target].AtomicClear(int(WaitingInIdle))
	if !wasWaiting {
		l.plat.IPIOne(uint32(reason), target)
	}
}

// OthersIdle is OneIdle fanned out to every CPU but the caller.
func (l *Layer) OthersIdle(reason Reason, callerCPU int) {
	needPhysical := false
	for cpu := range l.pending {
		if cpu == callerCPU {
			continue
		}
		l.pending[cpu].AtomicSet(int(reason))
		if !l.pending[cpu].AtomicClear(int(WaitingInIdle)) {
			needPhysical = true
		}
	}
	if needPhysical {
		l.plat.IPIOthers(uint32(reason))
	}
}

// EnterIdle marks cpu as polling in idle via event-wait, for OneIdle/
// OthersIdle's fast-wakeup check; callers clear it themselves on exit
// via ExitIdle, or it is cleared implicitly by the next IPI send.
func (l *Layer) EnterIdle(cpu int) { l.pending[cpu].AtomicSet(int(WaitingInIdle)) }

// ExitIdle clears the waiting-in-idle bit without consuming a send.
func (l *Layer) ExitIdle(cpu int) { l.pending[cpu].AtomicClear(int(WaitingInIdle)) }

// HandleRelaxed drains cpu's pending word with acquire ordering and
// dispatches each set bit to the registered receiver, per spec.md
// 4.F. Bits above the real reason range (WaitingInIdle) are not
// dispatched.
func (l *Layer) HandleRelaxed(cpu int) {
	if l.receiver == nil {
		for r := 0; r < int(numReasons); r++ {
			l.pending[cpu].AtomicClear(r)
		}
		return
	}
	for r := 0; r < int(numReasons); r++ {
		if l.pending[cpu].AtomicClear(r) {
			l.receiver(cpu, Reason(r))
		}
	}
}

// Pending reports whether reason is currently set for cpu, without
// clearing it.
func (l *Layer) Pending(cpu int, reason Reason) bool {
	return l.pending[cpu].AtomicTest(int(reason))
}
