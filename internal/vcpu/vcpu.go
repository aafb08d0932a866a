// Package vcpu implements the VCPU object and its lifecycle/WFI
// fastpath from spec.md 4.I: a first-class object wrapping a
// scheduler.Thread, with poweron/poweroff/suspend/warm_reset and a
// proxy vcpu_run surface.
package vcpu

import (
	"context"

	"github.com/gunyah-go/gunyah/internal/kerr"
	"github.com/gunyah-go/gunyah/internal/memextent"
	"github.com/gunyah-go/gunyah/internal/object"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/platform"
	"github.com/gunyah-go/gunyah/internal/primitives"
	"github.com/gunyah-go/gunyah/internal/scheduler"
	"gvisor.dev/gvisor/pkg/sync"
)

// State is a VCPU's coarse lifecycle phase (spec.md 4.I); distinct
// from object.State, which only tracks the capability-object
// lifecycle (INIT/ACTIVE/DEACTIVATED).
type State int

const (
	StateColdBoot State = iota
	StateOnline
	StateStarted
	StateSuspend
	StateOffline
	StateOff
)

// RunState is the enum returned by a proxy vcpu_run call.
type RunState int

const (
	RunReady RunState = iota
	RunBlocked
	RunPoweredOff
	RunAddrspaceVMMIORead
	RunAddrspaceVMMIOWrite
)

// Options configures vcpu_configure (spec.md 4.I): HLOS, pinned, SVE
// allowed, trace allowed, AMU counting disabled, proxy-scheduled
// vcpu_run, …
type Options struct {
	HLOS             bool
	Pinned           bool
	SVEAllowed       bool
	TraceAllowed     bool
	AMUCountingOff   bool
	ProxyScheduled   bool // vcpu_run required to make progress
}

// Handlers are the event hooks other components (power voting, vgic,
// doorbells) register against a VCPU's lifecycle transitions.
type Handlers struct {
	// PowerOn is called with the VCPU's affinity CPU so a power vote
	// can be cast.
	PowerOn func(cpu platform.CPUID)
	// PowerOff may veto a poweroff() call by returning false.
	PowerOff func() bool
	// Wakeup and PendingWakeup implement interrupt-source-driven WFI
	// wakeups (e.g. vgic delivery waking a VCPU parked in WFI).
	Wakeup        func()
	PendingWakeup func() bool
}

// VCPU is a first-class object pairing a scheduler.Thread with the
// VCPU-specific state machine and register save area.
type VCPU struct {
	hdr object.Header

	mu            sync.Mutex
	state         State
	options       Options
	handlers      Handlers
	regs          platform.RegisterFile
	addrspace     *memextent.Addrspace
	affinity      platform.CPUID
	interrupted   bool
	runBlocked    bool
	runState      RunState
	trampoline    platform.ArchTrampoline

	thread *scheduler.Thread
	sched  *scheduler.Scheduler
}

// New allocates a VCPU object in INIT state, owned by owner, backed
// by a freshly created scheduler thread blocked with VCPUOff (or
// ColdBoot for the boot VCPU, whose thread starts unblocked).
func New(owner *partition.Partition, sched *scheduler.Scheduler, priority int, isBootVCPU bool) *VCPU {
	v := &VCPU{sched: sched}
	v.hdr.Init(object.TypeThread, owner, v)
	v.thread = scheduler.NewThread("vcpu", priority)
	if isBootVCPU {
		v.state = StateColdBoot
		sched.Unblock(v.thread, scheduler.ReasonThreadLifecycle)
	} else {
		v.state = StateOff
		sched.Block(v.thread, scheduler.ReasonVCPUOff)
		sched.Unblock(v.thread, scheduler.ReasonThreadLifecycle)
	}
	return v
}

func (v *VCPU) Header() *object.Header { return &v.hdr }

// Deactivate implements object.Deactivator.
func (v *VCPU) Deactivate() {}

// Activate publishes the VCPU.
func (v *VCPU) Activate() error { return v.hdr.Activate("vcpu.Activate") }

// Thread exposes the underlying scheduler thread for code wiring
// affinity/runqueue state outside this package (e.g. boot sequencing).
func (v *VCPU) Thread() *scheduler.Thread { return v.thread }

// Configure sets VCPU options, INIT-state only.
func (v *VCPU) Configure(opts Options, handlers Handlers, trampoline platform.ArchTrampoline) error {
	v.hdr.Lock()
	defer v.hdr.Unlock()
	if err := v.hdr.RequireInit("vcpu.Configure"); err != nil {
		return err
	}
	v.mu.Lock()
	v.options = opts
	v.handlers = handlers
	v.trampoline = trampoline
	v.mu.Unlock()
	return nil
}

// AttachAddrspace binds the addrspace a VMMIO fault on this VCPU
// resolves against.
func (v *VCPU) AttachAddrspace(as *memextent.Addrspace) {
	v.mu.Lock()
	v.addrspace = as
	v.mu.Unlock()
}

// Poweron may only be called while the VCPU is blocked with
// VCPUOff. It sets PC=entry, x0=ctx, clears the block, and fires the
// poweron handler (which typically casts a power vote on the VCPU's
// affinity CPU). Returns whether a reschedule is now required on the
// VCPU's target CPU.
func (v *VCPU) Poweron(entry, ctx uint64) (bool, error) {
	v.mu.Lock()
	if v.state != StateOff {
		v.mu.Unlock()
		return false, kerr.New("vcpu.Poweron", kerr.ObjectState)
	}
	v.regs.PC = entry
	v.regs.GPRs[0] = ctx
	v.state = StateStarted
	affinity := v.affinity
	handler := v.handlers.PowerOn
	v.mu.Unlock()

	if handler != nil {
		handler(affinity)
	}
	return v.sched.Unblock(v.thread, scheduler.ReasonVCPUOff), nil
}

// Poweroff is a self-operation: it runs the poweroff handler (which
// may veto), then blocks the calling VCPU with VCPUOff and yields.
// When later re-powered, execution resumes at the new entry via
// Poweron (modeled here by Poweroff returning once unblocked, as if
// woken at a new PC already installed by a subsequent Poweron).
func (v *VCPU) Poweroff(cpu primitives.CPUIndex, switchFn func(old, next *scheduler.Thread)) error {
	v.mu.Lock()
	veto := v.handlers.PowerOff != nil && !v.handlers.PowerOff()
	v.mu.Unlock()
	if veto {
		return kerr.New("vcpu.Poweroff", kerr.Denied)
	}

	v.mu.Lock()
	v.state = StateOff
	v.mu.Unlock()
	v.sched.Block(v.thread, scheduler.ReasonVCPUOff)
	v.sched.Yield(cpu, switchFn)
	return nil
}

// Suspend is a self-operation: checks for a pending wakeup first
// (returning Busy if one is observed, matching spec.md 4.I), else
// blocks self with VCPUSuspend and yields; the resume event runs on
// unblock.
func (v *VCPU) Suspend(cpu primitives.CPUIndex, onResume func(), switchFn func(old, next *scheduler.Thread)) error {
	if v.PendingWakeup() {
		return kerr.New("vcpu.Suspend", kerr.Busy)
	}
	v.mu.Lock()
	v.state = StateSuspend
	v.mu.Unlock()
	v.sched.Block(v.thread, scheduler.ReasonVCPUSuspend)
	v.sched.Yield(cpu, switchFn)
	if onResume != nil {
		onResume()
	}
	return nil
}

// WarmReset resets EL1 sysregs to architectural reset state (modeled
// as clearing the register file's SysRegs map) and installs a new
// entry/context, per spec.md 4.I. It does not return through the
// normal call path in the original design (it jumps directly); here
// it simply installs the new state, leaving the actual "jump" to the
// caller's trampoline invocation.
func (v *VCPU) WarmReset(entry, ctx uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.regs = platform.RegisterFile{SysRegs: map[string]uint64{}}
	v.regs.PC = entry
	v.regs.GPRs[0] = ctx
}

// TrapWFI implements the WFI fastpath from spec.md 4.I: if the VCPU
// can currently idle (no pending wakeup), it runs blockStart, loops
// idleYield while canIdle(), then runs blockFinish. If execution is
// still not interrupted afterward, it blocks with VCPUWFI and calls
// Schedule.
func (v *VCPU) TrapWFI(cpu primitives.CPUIndex, canIdle func() bool, idleYield func(), blockStart, blockFinish func(), switchFn func(old, next *scheduler.Thread)) {
	if v.PendingWakeup() {
		return
	}
	if blockStart != nil {
		blockStart()
	}
	for canIdle() && !v.interruptedSnapshot() {
		idleYield()
	}
	if blockFinish != nil {
		blockFinish()
	}
	if v.interruptedSnapshot() {
		v.mu.Lock()
		v.interrupted = false
		v.mu.Unlock()
		return
	}
	v.sched.Block(v.thread, scheduler.ReasonVCPUWFI)
	v.sched.Schedule(cpu, switchFn)
}

func (v *VCPU) interruptedSnapshot() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.interrupted
}

// Wakeup sets the no-missed-wake flag, runs the wakeup handler, and
// unblocks VCPUWFI; returns true if this triggers a reschedule.
func (v *VCPU) Wakeup() bool {
	v.mu.Lock()
	v.interrupted = true
	handler := v.handlers.Wakeup
	v.mu.Unlock()
	if handler != nil {
		handler()
	}
	return v.sched.Unblock(v.thread, scheduler.ReasonVCPUWFI)
}

// PendingWakeup reports whether the interrupted flag is set or a
// registered handler reports a pending wakeup (e.g. vgic has a
// deliverable VIRQ already latched).
func (v *VCPU) PendingWakeup() bool {
	v.mu.Lock()
	interrupted := v.interrupted
	handler := v.handlers.PendingWakeup
	v.mu.Unlock()
	if interrupted {
		return true
	}
	return handler != nil && handler()
}

// RunVCPU implements the proxy vcpu_run surface from spec.md 4.I: the
// VCPU is kept blocked with VCPURun until an external caller issues
// RunVCPU, which unblocks it, forces affinity to callerCPU, yields to
// it, then re-blocks on return and reports a RunState.
func (v *VCPU) RunVCPU(ctx context.Context, callerCPU primitives.CPUIndex, caller *scheduler.Thread) (RunState, error) {
	v.mu.Lock()
	if !v.options.ProxyScheduled {
		v.mu.Unlock()
		return RunReady, kerr.New("vcpu.RunVCPU", kerr.ObjectConfig)
	}
	v.mu.Unlock()

	if err := v.sched.SetAffinity(ctx, v.thread, callerCPU); err != nil {
		return RunReady, err
	}
	v.sched.Unblock(v.thread, scheduler.ReasonVCPURun)
	v.sched.YieldTo(callerCPU, caller, v.thread, nil)
	v.sched.EndDonation(v.thread)
	v.sched.Block(v.thread, scheduler.ReasonVCPURun)

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.runState, nil
}

// ReportVMMIO records the VM-exit reason a proxy-run caller should see
// the next time RunVCPU returns (set by the addrspace fault dispatch
// path before yielding back to the caller).
func (v *VCPU) ReportVMMIO(isWrite bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if isWrite {
		v.runState = RunAddrspaceVMMIOWrite
	} else {
		v.runState = RunAddrspaceVMMIORead
	}
}
