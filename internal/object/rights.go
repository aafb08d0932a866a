package object

// Rights is a per-capability bitmask, typed per object kind the way
// spec.md 4.C describes ("Rights masks are typed per object kind —
// union of per-kind rights bitfields"). A single uint32 space is
// shared across kinds since a capability's Type already disambiguates
// which bits are meaningful.
type Rights uint32

const (
	// RightActivate is the generic activation-time right: lookups
	// performed by activate_from/reset hypercalls must tolerate an
	// object still in INIT state, unlike ordinary lookups.
	RightActivate Rights = 1 << iota

	RightCspaceCopy
	RightCspaceDelete
	RightCspaceRevoke
	RightCspaceAttachThread

	RightObjectReset

	RightAddrspaceAttachThread
	RightAddrspaceAttachVDMA
	RightAddrspaceMap
	RightAddrspaceUnmap
	RightAddrspaceUpdateAccess

	RightMemextentDerive
	RightMemextentMap
	RightMemextentUnmapAll
	RightMemextentDonate

	RightVcpuConfigure
	RightVcpuPowerctl
	RightVcpuAffinity
	RightVcpuRun

	RightVicBindVirq
	RightVicUnbindVirq

	RightDoorbellBindVirq
	RightDoorbellSend
	RightDoorbellReceive
	RightDoorbellMask

	RightVPMGroupAttach
	RightVPMGroupBindVirq
	RightVPMGroupGetState

	RightVRTCConfigure
	RightVRTCAttachAddrspace
)

// Contains reports whether r holds every bit set in subset — the
// `rights_mask ⊆ src.rights` check copy_cap performs.
func (r Rights) Contains(subset Rights) bool {
	return r&subset == subset
}
