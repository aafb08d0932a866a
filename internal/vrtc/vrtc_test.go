package vrtc

import (
	"testing"

	"github.com/gunyah-go/gunyah/internal/memdb"
	"github.com/gunyah-go/gunyah/internal/memextent"
	"github.com/gunyah-go/gunyah/internal/partition"
	"github.com/gunyah-go/gunyah/internal/platform/fakeplatform"
	"github.com/gunyah-go/gunyah/internal/primitives"
)

func newTestAddrspace(t *testing.T) (*partition.Partition, *memextent.Addrspace) {
	t.Helper()
	db := memdb.New()
	p := partition.New(nil, db)
	if err := p.Activate(); err != nil {
		t.Fatalf("partition Activate: %v", err)
	}
	rcu := primitives.NewRCU(1, 4)
	as := memextent.New(p, rcu, 1, fakeplatform.NewPageTable())
	if err := as.Activate(); err != nil {
		t.Fatalf("addrspace Activate: %v", err)
	}
	return p, as
}

func TestNowTranslatesElapsedTicksFromBase(t *testing.T) {
	plat := fakeplatform.New(1)
	v := New(nil, plat)
	v.SetTimeBase(1_000_000)
	got := v.Now()
	if got < 1_000_000 {
		t.Fatalf("Now() = %d, want >= base", got)
	}
}

func TestAttachAddrspaceRequiresInitAndPublishesInfoArea(t *testing.T) {
	p, as := newTestAddrspace(t)
	plat := fakeplatform.New(1)
	v := New(p, plat)

	_ = p.DB().Insert(0x2000, 0x3000, memdb.Owner(p), memdb.TypePartition)
	info := memextent.New(p)
	if err := info.Configure(0x2000, 0x1000, 0, memextent.AccessRead); err != nil {
		t.Fatalf("Configure info extent: %v", err)
	}
	if err := info.Activate(); err != nil {
		t.Fatalf("Activate info extent: %v", err)
	}

	if err := v.AttachAddrspace(as, info); err != nil {
		t.Fatalf("AttachAddrspace: %v", err)
	}
	if as.InfoArea() != info {
		t.Fatalf("expected addrspace info area set to the attached extent")
	}

	// A second attach after activation (not INIT) must fail.
	if err := v.hdr.Activate("test"); err != nil {
		t.Fatalf("Activate vrtc: %v", err)
	}
	if err := v.AttachAddrspace(as, info); err == nil {
		t.Fatalf("expected AttachAddrspace to fail once vrtc is no longer INIT")
	}
}
