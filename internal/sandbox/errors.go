package sandbox

import (
	"errors"
	"fmt"

	"github.com/michaelbrown/nanobox/internal/guest"
)

// LoadErrorKind classifies why a reference could not be resolved.
type LoadErrorKind int

const (
	NotFound LoadErrorKind = iota
	UnsupportedKind
	Unreadable
)

func (k LoadErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case UnsupportedKind:
		return "unsupported workload kind"
	case Unreadable:
		return "unreadable"
	default:
		return "load error"
	}
}

var (
	ErrNotFound        = errors.New("not found")
	ErrUnsupportedKind = errors.New("unsupported workload kind")
	ErrUnreadable      = errors.New("unreadable")

	ErrTimeout   = errors.New("timeout exceeded")
	ErrCPULimit  = errors.New("cpu time limit exceeded")
	ErrCancelled = errors.New("cancelled")
)

// LoadError is returned by the Loader. It never reaches callers of Run
// directly; it becomes a failed WorkloadResult.
type LoadError struct {
	Kind LoadErrorKind
	Ref  string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load %s: %s: %v", e.Ref, e.Kind, e.Err)
	}
	return fmt.Sprintf("load %s: %s", e.Ref, e.Kind)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is matches the package sentinels so callers can use errors.Is.
func (e *LoadError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == NotFound
	case ErrUnsupportedKind:
		return e.Kind == UnsupportedKind
	case ErrUnreadable:
		return e.Kind == Unreadable
	}
	return false
}

type (
	// PolicyViolation is a denied guest action.
	PolicyViolation = guest.Violation
	// Fault is an unrecoverable guest failure.
	Fault = guest.Fault
)
