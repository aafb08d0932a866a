// Package kerr defines the hypercall error taxonomy shared by every
// object/capability subsystem. Every fallible kernel operation returns
// one of these codes rather than a bare Go error, so it can be packed
// unchanged into a hypercall result register.
package kerr

import "fmt"

// Code is a hypercall result code. Code(0) is always success.
type Code uint32

const (
	OK Code = iota
	NoMemory
	Busy
	Retry
	NoEntropy
	ArgumentInvalid
	ArgumentSize
	ArgumentAlignment
	AddrInvalid
	AddrOverflow
	Denied
	ObjectState
	ObjectConfig
	CspaceCapInvalid
	CspaceWrongObjectType
	CspaceInsufficientRights
	VirqNotBound
	Failure
	Idle
	Unimplemented
	NoResources
)

var names = map[Code]string{
	OK:                       "OK",
	NoMemory:                 "NOMEM",
	Busy:                     "BUSY",
	Retry:                    "RETRY",
	NoEntropy:                "NO_ENTROPY",
	ArgumentInvalid:          "ARGUMENT_INVALID",
	ArgumentSize:             "ARGUMENT_SIZE",
	ArgumentAlignment:        "ARGUMENT_ALIGNMENT",
	AddrInvalid:              "ADDR_INVALID",
	AddrOverflow:             "ADDR_OVERFLOW",
	Denied:                   "DENIED",
	ObjectState:              "OBJECT_STATE",
	ObjectConfig:             "OBJECT_CONFIG",
	CspaceCapInvalid:         "CSPACE_CAP_INVALID",
	CspaceWrongObjectType:    "CSPACE_WRONG_OBJECT_TYPE",
	CspaceInsufficientRights: "CSPACE_INSUFFICIENT_RIGHTS",
	VirqNotBound:             "VIRQ_NOT_BOUND",
	Failure:                  "FAILURE",
	Idle:                     "IDLE",
	Unimplemented:            "UNIMPLEMENTED",
	NoResources:              "NORESOURCES",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Error wraps a Code with operation context. It implements error so
// normal Go call sites can use errors.Is/As, while the Code is still
// available unwrapped for callers that must pack a result register.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op failing with code.
func New(op string, code Code) *Error {
	return &Error{Op: op, Code: code}
}

// Wrap builds an *Error for op failing with code, preserving the
// underlying cause for logging/errors.Is chains.
func Wrap(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf extracts the Code from err, returning Failure for any error
// that did not originate in this package (defensive default for the
// hypercall dispatch boundary, which must always pack some code).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var kerr *Error
	if as(err, &kerr) {
		return kerr.Code
	}
	return Failure
}

// as is a tiny local shim so this package does not need to import
// errors.As at every call site in CodeOf; behavior matches errors.As
// for the *Error type exactly.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
