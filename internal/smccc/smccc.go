// Package smccc implements the trap-handler dispatch shell from
// spec.md 4.L: decode the SMCCC function-ID word, route by owner
// range, and fall back to SMCCC_UNKNOWN_FUNCTION64 for anything
// unhandled, per the fixed SMCCC calling convention.
package smccc

// FunctionID is the raw 32-bit function identifier from w0/x0 on trap
// entry.
type FunctionID uint32

const (
	fastBit   = 1 << 31
	smc64Bit  = 1 << 30
	ownerMask = 0x3f
	ownerShift = 24
	funcMask  = 0xffff
)

// Owner is the SMCCC owning-entity range (bits 29:24 of the function
// ID).
type Owner uint8

const (
	OwnerArch         Owner = 0
	OwnerCPU          Owner = 1
	OwnerSiP          Owner = 2
	OwnerOEM          Owner = 3
	OwnerStandard     Owner = 4 // PSCI
	OwnerStandardHyp  Owner = 5 // PV-time
	OwnerVendorHyp    Owner = 6
	OwnerTrustedApp    Owner = 48
	OwnerTrustedOS     Owner = 50
)

// IsFast reports whether the call is fast (non-interruptible).
func (f FunctionID) IsFast() bool { return uint32(f)&fastBit != 0 }

// IsSMC64 reports whether the call uses the 64-bit calling
// convention.
func (f FunctionID) IsSMC64() bool { return uint32(f)&smc64Bit != 0 }

// Owner extracts the owning-entity range.
func (f FunctionID) Owner() Owner { return Owner((uint32(f) >> ownerShift) & ownerMask) }

// Number extracts the function number within its owner range.
func (f FunctionID) Number() uint32 { return uint32(f) & funcMask }

// Result is a dispatched call's return register set (x0..x3).
type Result struct {
	X0, X1, X2, X3 uint64
}

// unknownFunction is returned for any call that decodes to a valid
// owner/number pair the shell has no handler for, satisfying the
// defined-ABI requirement that every trap return something.
const unknownFunction uint64 = 0xffffffffffffffff // SMCCC_UNKNOWN_FUNCTION64, sign-extended -1 per convention

func unknownResult() Result { return Result{X0: unknownFunction} }

const (
	smcccVersionMajor = 1
	smcccVersionMinor = 2
)

// ArchFeature reports support for an arch-range SMCCC feature; callers
// plug in which sub-features this build implements.
type ArchFeature func(functionID uint32) (supported bool)

// PSCI is the function-number dispatch table for OWNER_STANDARD.
type PSCI interface {
	Dispatch(funcNum uint32, args [3]uint64) Result
}

// PVTime is the OWNER_STANDARD_HYP dispatch table: stolen-time
// features and the per-VCPU stolen-time IPA query.
type PVTime interface {
	Features(funcNum uint32) (supported bool)
	StolenTimeIPA(vcpuID uint32) (ipa uint64, ok bool)
}

// VendorHyp is the OWNER_VENDOR_HYP dispatch table: a numbered
// hypercall table plus the service UID/revision queries every vendor
// range must answer.
type VendorHyp interface {
	// UID returns the 128-bit vendor hyp service UID as four 32-bit
	// words, matching the SMCCC_VENDOR_HYP_CALL_UID_FUNC_ID contract.
	UID() (w0, w1, w2, w3 uint32)
	Revision() (major, minor uint32)
	Dispatch(funcNum uint32, args [3]uint64) (Result, bool)
}

// Shell is the trap-handler dispatch core.
type Shell struct {
	archFeatures ArchFeature
	psci         PSCI
	pvtime       PVTime
	vendor       VendorHyp
}

// New constructs a dispatch shell. Any of psci/pvtime/vendor may be
// nil, in which case calls to that owner range always return
// SMCCC_UNKNOWN_FUNCTION64.
func New(archFeatures ArchFeature, psci PSCI, pvtime PVTime, vendor VendorHyp) *Shell {
	return &Shell{archFeatures: archFeatures, psci: psci, pvtime: pvtime, vendor: vendor}
}

// Dispatch decodes id and routes the call per spec.md 4.L.
func (s *Shell) Dispatch(id FunctionID, args [3]uint64) Result {
	switch id.Owner() {
	case OwnerArch:
		return s.dispatchArch(id)
	case OwnerStandard:
		if s.psci == nil {
			return unknownResult()
		}
		return s.psci.Dispatch(id.Number(), args)
	case OwnerStandardHyp:
		return s.dispatchPVTime(id, args)
	case OwnerVendorHyp:
		return s.dispatchVendor(id, args)
	default:
		return unknownResult()
	}
}

// SMCCC_VERSION and arch-range ARCH_FEATURES function numbers, per the
// Arm SMCCC specification's fixed arch-range layout.
const (
	fnSMCCCVersion  = 0x0000
	fnArchFeatures  = 0x0001
)

func (s *Shell) dispatchArch(id FunctionID) Result {
	switch id.Number() {
	case fnSMCCCVersion:
		return Result{X0: uint64(uint32(smcccVersionMajor)<<16 | smcccVersionMinor)}
	case fnArchFeatures:
		if s.archFeatures != nil && s.archFeatures(uint32(id)) {
			return Result{X0: 0}
		}
		return Result{X0: unknownFunction}
	default:
		return unknownResult()
	}
}

func (s *Shell) dispatchPVTime(id FunctionID, args [3]uint64) Result {
	if s.pvtime == nil {
		return unknownResult()
	}
	const fnStolenTimeIPA = 0x0002
	switch id.Number() {
	case fnStolenTimeIPA:
		ipa, ok := s.pvtime.StolenTimeIPA(uint32(args[0]))
		if !ok {
			return unknownResult()
		}
		return Result{X0: ipa}
	default:
		if s.pvtime.Features(id.Number()) {
			return Result{X0: 0}
		}
		return unknownResult()
	}
}

const (
	fnVendorHypCallUID     = 0xff01
	fnVendorHypCallRevision = 0xff03
)

func (s *Shell) dispatchVendor(id FunctionID, args [3]uint64) Result {
	if s.vendor == nil {
		return unknownResult()
	}
	switch id.Number() {
	case fnVendorHypCallUID:
		w0, w1, w2, w3 := s.vendor.UID()
		return Result{X0: uint64(w0), X1: uint64(w1), X2: uint64(w2), X3: uint64(w3)}
	case fnVendorHypCallRevision:
		major, minor := s.vendor.Revision()
		return Result{X0: uint64(major), X1: uint64(minor)}
	default:
		if r, ok := s.vendor.Dispatch(id.Number(), args); ok {
			return r
		}
		return unknownResult()
	}
}
