// Package fault classifies the failures a coupled run can produce and keeps
// fatal errors apart from advisory conditions.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the class of a coupling failure.
type Kind int

const (
	// Configuration covers malformed or missing tables, shape mismatches,
	// invalid operator names and optional features missing a counterpart.
	Configuration Kind = iota + 1
	// Mapping is an index outside the valid range of its array.
	Mapping
	// ShortageOverflow is a shortage larger than all outflow contributions.
	ShortageOverflow
	// ConvergenceNotReached is raised when the inner loop hits its cap.
	ConvergenceNotReached
	// ForeignCall is an error reported by a foreign model.
	ForeignCall
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration error"
	case Mapping:
		return "mapping error"
	case ShortageOverflow:
		return "shortage overflow"
	case ConvergenceNotReached:
		return "convergence not reached"
	case ForeignCall:
		return "foreign call failure"
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Fatal reports whether the kind terminates a run.
func (k Kind) Fatal() bool { return k != ConvergenceNotReached }

// Error is a classified failure raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New formats a classified error; %w verbs are honoured.
func New(k Kind, op, format string, args ...any) error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err, returning nil for a nil err. Errors that are already
// classified keep their kind.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Kind: fe.Kind, Op: op, Err: err}
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	kk, ok := KindOf(err)
	return ok && kk == k
}
