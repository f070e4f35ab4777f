// Package errs defines the error kinds shared across pkgsolve's core
// (§7 of the design: ManifestInvalid, Unsatisfiable, NetworkTransient,
// NetworkFatal, ArtifactHashMismatch, LockInconsistent, BuildFailure,
// EnvironmentConflict, Cancelled) and the chaining helpers built on
// golang.org/x/xerrors that the resolver and executor use to preserve a
// causal chain across retries and incompatibility derivations.
package errs

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind identifies one of the error categories from spec §7.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	KindManifestInvalid
	KindUnsatisfiable
	KindNetworkTransient
	KindNetworkFatal
	KindArtifactHashMismatch
	KindLockInconsistent
	KindBuildFailure
	KindEnvironmentConflict
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindManifestInvalid:
		return "manifest-invalid"
	case KindUnsatisfiable:
		return "unsatisfiable"
	case KindNetworkTransient:
		return "network-transient"
	case KindNetworkFatal:
		return "network-fatal"
	case KindArtifactHashMismatch:
		return "artifact-hash-mismatch"
	case KindLockInconsistent:
		return "lock-inconsistent"
	case KindBuildFailure:
		return "build-failure"
	case KindEnvironmentConflict:
		return "environment-conflict"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and a package/operation
// context string, using xerrors.Errorf so that %w-wrapped causes keep
// their frame and are still reachable via errors.Is / errors.As.
type Error struct {
	kind    Kind
	op      string
	cause   error
	fatal   bool // when true, the caller must not retry
}

// New builds a *Error of the given kind, wrapping cause with op context.
func New(kind Kind, op string, cause error) *Error {
	return &Error{kind: kind, op: op, cause: xerrors.Errorf("%s: %w", op, cause)}
}

// Retryable marks the error kinds the provider/cache/executor retry
// (NetworkTransient); everything else is surfaced immediately per §7's
// propagation policy.
func Retryable(kind Kind) bool {
	return kind == KindNetworkTransient
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Is reports whether target is an *Error of the same kind, so
// errors.Is(err, errs.Sentinel(errs.KindX)) matches any error of that kind;
// direct Kind comparison is the cheaper path and is what callers should prefer.
func (e *Error) Is(target error) bool {
	var other *Error
	if xerrors.As(target, &other) {
		return other.kind == e.kind
	}

	return false
}

// Sentinel returns a comparable error value for the given kind, useful for
// errors.Is(err, errs.Sentinel(errs.KindUnsatisfiable)) in tests and callers
// that don't want to import *Error directly.
func Sentinel(kind Kind) error {
	return &Error{kind: kind, cause: xerrors.New(kind.String())}
}
