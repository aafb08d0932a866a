// Package selftest folds in the original kernel's dedicated self-test
// threads (hyp/core/cspace_twolevel/src/cspace_tests.c,
// hyp/core/scheduler_fprr/src/scheduler_tests.c): goroutine-driven
// harnesses for the cap-revoke race and the FPRR tie-break scenario
// from spec.md §8. These run as ordinary Go tests rather than at
// hypervisor cold-boot, since there is no boot-time self-test hook in
// a Go hosting context.
package selftest

import (
	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/object"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/scheduler"
)

// CapRevokeRaceResult reports the outcome of RunCapRevokeRace.
type CapRevokeRaceResult struct {
	RevokeErr           error
	DeleteD1Err         error
	DeleteD2Err         error
	PreCopyRefcount     uint32
	PostRaceRefcount    uint32
}

// fakeRef is a minimal object.Ref so the race can target a plain
// Header without pulling in the real memextent package's full
// configure/activate machinery.
type fakeRef struct {
	hdr object.Header
}

func (f *fakeRef) Header() *object.Header { return &f.hdr }
func (f *fakeRef) Deactivate()             {}

// RunCapRevokeRace reproduces scenario 2 from spec.md §8: a master cap
// M for an object, two derived caps D1/D2, then a concurrent
// RevokeCaps(M) racing DeleteCap(D1) and DeleteCap(D2). The invariant
// under test is the cspace.go Open-Question decision: whichever of
// RevokeCaps/DeleteCap loses the race observes CspaceCapInvalid rather
// than double-releasing the object, so refcount returns to exactly its
// pre-copy value.
func RunCapRevokeRace() (*CapRevokeRaceResult, error) {
	db := memdb.New()
	p := partition.New(nil, db)
	if err := p.Activate(); err != nil {
		return nil, err
	}

	cs := object.NewCspace(p)
	if err := cs.Configure(64); err != nil {
		return nil, err
	}
	if err := cs.Activate(); err != nil {
		return nil, err
	}

	ref := &fakeRef{}
	ref.hdr.Init(object.TypeMemextent, p, ref)
	if err := ref.hdr.Activate("selftest.ref"); err != nil {
		return nil, err
	}

	master, err := cs.CreateMasterCap(ref, object.TypeMemextent, object.RightMemextentMap)
	if err != nil {
		return nil, err
	}
	preCopy := ref.hdr.RefCount()

	d1, err := object.CopyCap(cs, cs, master, object.RightMemextentMap)
	if err != nil {
		return nil, err
	}
	d2, err := object.CopyCap(cs, cs, master, object.RightMemextentMap)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		which string
		err   error
	}
	done := make(chan outcome, 3)
	go func() { done <- outcome{"revoke", cs.RevokeCaps(master)} }()
	go func() { done <- outcome{"d1", cs.DeleteCap(d1)} }()
	go func() { done <- outcome{"d2", cs.DeleteCap(d2)} }()

	res := &CapRevokeRaceResult{PreCopyRefcount: preCopy}
	for i := 0; i < 3; i++ {
		o := <-done
		switch o.which {
		case "revoke":
			res.RevokeErr = o.err
		case "d1":
			res.DeleteD1Err = o.err
		case "d2":
			res.DeleteD2Err = o.err
		}
	}
	res.PostRaceRefcount = ref.hdr.RefCount()
	return res, nil
}

// FPRRTieBreakResult reports the order same-priority threads ran in.
type FPRRTieBreakResult struct {
	RunOrder []string
}

// RunFPRRTieBreak reproduces the scheduler_tests.c tie-break scenario:
// three equal-priority threads enqueued in order A, B, C run in FIFO
// order, and a Yield by the running thread rotates it behind the
// others at the same priority level rather than re-running it.
func RunFPRRTieBreak() *FPRRTieBreakResult {
	sched := scheduler.New(1, nil)

	a := scheduler.NewThread("a", 10)
	b := scheduler.NewThread("b", 10)
	c := scheduler.NewThread("c", 10)
	sched.Unblock(a, scheduler.ReasonThreadLifecycle)
	sched.Unblock(b, scheduler.ReasonThreadLifecycle)
	sched.Unblock(c, scheduler.ReasonThreadLifecycle)

	var order []string
	record := func(old, next *scheduler.Thread) {
		if next != nil {
			order = append(order, next.Name())
		}
	}

	sched.Schedule(0, record)
	sched.Yield(0, record)
	sched.Yield(0, record)

	return &FPRRTieBreakResult{RunOrder: order}
}
