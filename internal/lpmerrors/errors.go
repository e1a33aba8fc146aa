// Package lpmerrors defines the error taxonomy shared across the
// transaction engine, so the controller can map any failure to an exit
// code without parsing error strings.
package lpmerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error within a taxonomy category, e.g. the
// Network/Checksum/Timeout split within FetchError.
type Kind string

const (
	KindNone Kind = ""

	// ResolveError kinds.
	KindUNSAT     Kind = "unsat"
	KindAmbiguous Kind = "ambiguous"

	// FetchError kinds.
	KindNetwork  Kind = "network"
	KindChecksum Kind = "checksum"
	KindTimeout  Kind = "timeout"

	// ArchiveError kinds.
	KindFormat     Kind = "format"
	KindPathEscape Kind = "path-escape"
	KindIO         Kind = "io"

	// HookError kinds.
	KindParseError      Kind = "parse-error"
	KindDependencyCycle Kind = "dependency-cycle"
	KindExecFailure     Kind = "exec-failure"
)

// taggedError is the common shape for every taxonomy member: a category
// name, an optional Kind, and a wrapped cause.
type taggedError struct {
	category string
	kind     Kind
	msg      string
	cause    error
}

func (e *taggedError) Error() string {
	if e.kind != KindNone {
		if e.cause != nil {
			return fmt.Sprintf("%s[%s]: %s: %v", e.category, e.kind, e.msg, e.cause)
		}

		return fmt.Sprintf("%s[%s]: %s", e.category, e.kind, e.msg)
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.category, e.msg, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.category, e.msg)
}

func (e *taggedError) Unwrap() error { return e.cause }

// Category returns the taxonomy category name (e.g. "FetchError").
func (e *taggedError) Category() string { return e.category }

// Kind returns the taxonomy sub-kind, or KindNone if the category has none.
func (e *taggedError) Kind() Kind { return e.kind }

func newError(category string, kind Kind, msg string, cause error) *taggedError {
	return &taggedError{category: category, kind: kind, msg: msg, cause: cause}
}

// ConfigError wraps a failure loading or parsing configuration.
func ConfigError(msg string, cause error) error { return newError("ConfigError", KindNone, msg, cause) }

// RepoMetadataError wraps a malformed repository index entry (§4.2).
func RepoMetadataError(msg string, cause error) error {
	return newError("RepoMetadataError", KindNone, msg, cause)
}

// ResolveError wraps a solver-level failure: UNSAT or an ambiguous request.
func ResolveError(kind Kind, msg string, cause error) error {
	return newError("ResolveError", kind, msg, cause)
}

// PinViolation is returned when an operation would violate a hold without --force.
func PinViolation(msg string) error { return newError("PinViolation", KindNone, msg, nil) }

// ProtectedViolation is returned when an operation would remove a protected package without --force.
func ProtectedViolation(msg string) error { return newError("ProtectedViolation", KindNone, msg, nil) }

// FetchError wraps a blob acquisition failure (§4.6).
func FetchError(kind Kind, msg string, cause error) error {
	return newError("FetchError", kind, msg, cause)
}

// SignatureError wraps a detached-signature verification failure.
func SignatureError(msg string, cause error) error {
	return newError("SignatureError", KindNone, msg, cause)
}

// ArchiveError wraps a failure unpacking a package archive (§4.7).
func ArchiveError(kind Kind, msg string, cause error) error {
	return newError("ArchiveError", kind, msg, cause)
}

// DBError wraps a state-database failure (§4.8).
func DBError(msg string, cause error) error { return newError("DBError", KindNone, msg, cause) }

// SnapshotError wraps a snapshot creation/restore failure (§4.9).
func SnapshotError(msg string, cause error) error {
	return newError("SnapshotError", KindNone, msg, cause)
}

// HookError wraps a hook dispatch failure (§4.10).
func HookError(kind Kind, msg string, cause error) error {
	return newError("HookError", kind, msg, cause)
}

// LockError wraps a failure acquiring the transaction lock.
func LockError(msg string, cause error) error { return newError("LockError", KindNone, msg, cause) }

// Interrupted is returned when a signal aborted an in-progress transaction.
func Interrupted(msg string) error { return newError("Interrupted", KindNone, msg, nil) }

// RollbackIncomplete indicates rollback itself failed and requires manual intervention.
func RollbackIncomplete(msg string, cause error) error {
	return newError("RollbackIncomplete", KindNone, msg, cause)
}

// Category extracts the taxonomy category name from err, if it is one
// of ours (possibly wrapped).
func Category(err error) (string, bool) {
	var te *taggedError
	if errors.As(err, &te) {
		return te.category, true
	}

	return "", false
}

// KindOf extracts the taxonomy Kind from err, if it is one of ours.
func KindOf(err error) (Kind, bool) {
	var te *taggedError
	if errors.As(err, &te) {
		return te.kind, true
	}

	return "", false
}

// ExitCode maps an error to its CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	category, ok := Category(err)
	if !ok {
		return 1
	}

	switch category {
	case "ResolveError":
		return 2
	case "SignatureError":
		return 3
	case "PinViolation", "ProtectedViolation":
		return 4
	case "LockError":
		return 5
	case "Interrupted":
		return 130
	default:
		return 1
	}
}
