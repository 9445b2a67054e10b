// Package errors provides typed error handling for Antimony.
//
// It defines a small taxonomy of sandbox-domain error kinds (§7 of the
// design) so that callers can classify failures, map them to exit codes,
// and inspect them with the standard errors.Is/errors.As machinery.
package errors

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure into one of the categories from the
// error-handling design: configuration, resolution, cache, privilege,
// sandbox, seccomp, persistence, child.
type ErrorKind int

const (
	// ErrConfiguration indicates bad TOML, an unknown feature, or an
	// invalid inherit chain.
	ErrConfiguration ErrorKind = iota
	// ErrResolution indicates a missing library/binary or an ambiguous ELF.
	ErrResolution
	// ErrCache indicates lock contention or a checksum mismatch in the SOF cache.
	ErrCache
	// ErrPrivilege indicates a failed identity switch or a missing capability.
	ErrPrivilege
	// ErrSandbox indicates a bwrap failure or proxy startup timeout.
	ErrSandbox
	// ErrSeccomp indicates a filter load rejection or a Notify protocol error.
	ErrSeccomp
	// ErrPersistence indicates a SQLite I/O failure.
	ErrPersistence
	// ErrChild indicates the sandboxed child exited non-zero.
	ErrChild
	// ErrInternal indicates a bug in Antimony itself.
	ErrInternal
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrConfiguration:
		return "configuration"
	case ErrResolution:
		return "resolution"
	case ErrCache:
		return "cache"
	case ErrPrivilege:
		return "privilege"
	case ErrSandbox:
		return "sandbox"
	case ErrSeccomp:
		return "seccomp"
	case ErrPersistence:
		return "persistence"
	case ErrChild:
		return "child"
	case ErrInternal:
		return "internal"
	default:
		return "unknown error"
	}
}

// ExitCode maps an error kind to the reserved exit-code band from §6.
// Catastrophic internal faults get a reserved high band; the child's own
// exit code is passed through by the caller and never goes through here.
func (k ErrorKind) ExitCode() int {
	switch k {
	case ErrConfiguration:
		return 10
	case ErrResolution:
		return 11
	case ErrCache:
		return 12
	case ErrPrivilege:
		return 13
	case ErrSandbox:
		return 14
	case ErrSeccomp:
		return 15
	case ErrPersistence:
		return 16
	case ErrChild:
		return 1
	default:
		return 99
	}
}

// SandboxError is a classified, contextualised error produced anywhere in
// the fabricate/launch pipeline.
type SandboxError struct {
	// Op is the operation that failed (e.g. "resolve", "fabricate-sof").
	Op string
	// Profile is the profile name, if applicable.
	Profile string
	// Kind classifies the failure.
	Kind ErrorKind
	// Detail is a human-readable explanation.
	Detail string
	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (e *SandboxError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var msg string
	if e.Profile != "" {
		msg = fmt.Sprintf("profile %s: ", e.Profile)
	}
	if e.Op != "" {
		msg += fmt.Sprintf("%s: ", e.Op)
	}
	if e.Detail != "" {
		msg += e.Detail
	} else {
		msg += e.Kind.String()
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SandboxError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether the error matches target, by Kind, when target is
// also a *SandboxError.
func (e *SandboxError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*SandboxError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a SandboxError with the given kind.
func New(kind ErrorKind, op, detail string) *SandboxError {
	return &SandboxError{Op: op, Kind: kind, Detail: detail}
}

// Wrap wraps err with an operation and kind.
func Wrap(err error, kind ErrorKind, op string) *SandboxError {
	return &SandboxError{Op: op, Err: err, Kind: kind}
}

// WrapWithDetail wraps err with an operation, kind, and explanatory detail.
func WrapWithDetail(err error, kind ErrorKind, op, detail string) *SandboxError {
	return &SandboxError{Op: op, Err: err, Kind: kind, Detail: detail}
}

// WrapWithProfile wraps err with the profile name that was being resolved
// or launched when the failure occurred.
func WrapWithProfile(err error, kind ErrorKind, op, profile string) *SandboxError {
	return &SandboxError{Op: op, Profile: profile, Err: err, Kind: kind}
}

// IsKind reports whether err is a SandboxError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var serr *SandboxError
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}

// GetKind returns the error kind if err is a SandboxError.
func GetKind(err error) (ErrorKind, bool) {
	var serr *SandboxError
	if errors.As(err, &serr) {
		return serr.Kind, true
	}
	return 0, false
}

// Re-exported for convenience, as the teacher's package does.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)
