// Package vrtc implements the virtual real-time clock object named in
// spec.md's hypercall ABI table (vrtc: configure, set_time_base,
// attach_addrspace): a monotonic tick source plus a wall-clock time
// base offset, exposed to a guest as a mapped info-area page.
package vrtc

import (
	"github.com/gunyah-go/gunyah/internal/memextent"
	"github.com/gunyah-go/gunyah/internal/object"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/platform"
	"gvisor.dev/gvisor/pkg/sync"
)

// VRTC pairs a platform tick source with a wall-clock base so reads
// translate ticks to epoch nanoseconds.
type VRTC struct {
	hdr object.Header

	mu        sync.Mutex
	plat      platform.Platform
	baseTicks uint64
	baseNanos uint64
	addrspace *memextent.Addrspace
}

// New allocates a vrtc object in INIT state.
func New(owner *partition.Partition, plat platform.Platform) *VRTC {
	v := &VRTC{plat: plat}
	v.hdr.Init(object.TypeVRTC, owner, v)
	return v
}

func (v *VRTC) Header() *object.Header { return &v.hdr }
func (v *VRTC) Deactivate()             {}
func (v *VRTC) Activate() error         { return v.hdr.Activate("vrtc.Activate") }

// Configure is a no-op placeholder for future per-instance options;
// INIT-state only like every other object's configure hypercall.
func (v *VRTC) Configure() error {
	v.hdr.Lock()
	defer v.hdr.Unlock()
	return v.hdr.RequireInit("vrtc.Configure")
}

// SetTimeBase pins baseNanos as the wall-clock value corresponding to
// the platform's current tick count, establishing the ticks->epoch
// translation used by Now.
func (v *VRTC) SetTimeBase(baseNanos uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.baseTicks = v.plat.TimerCurrentTicks()
	v.baseNanos = baseNanos
}

// Now returns the current wall-clock time in epoch nanoseconds.
func (v *VRTC) Now() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	elapsedTicks := v.plat.TimerCurrentTicks() - v.baseTicks
	freq := v.plat.TimerFrequency()
	return v.baseNanos + elapsedTicks/freq*1_000_000_000 + elapsedTicks%freq*1_000_000_000/freq
}

// AttachAddrspace publishes this vrtc's info area (an extent already
// configured by the caller) into as, INIT-state only.
func (v *VRTC) AttachAddrspace(as *memextent.Addrspace, infoArea *memextent.Extent) error {
	v.hdr.Lock()
	defer v.hdr.Unlock()
	if err := v.hdr.RequireInit("vrtc.AttachAddrspace"); err != nil {
		return err
	}
	if err := as.AttachInfoArea(infoArea); err != nil {
		return err
	}
	v.mu.Lock()
	v.addrspace = as
	v.mu.Unlock()
	return nil
}
