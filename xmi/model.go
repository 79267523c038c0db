// Package xmi is the coupler's view of a foreign simulator: a kernel that can
// be initialized, stepped, solved and asked for pointers to its own arrays.
package xmi

import (
	"strings"

	"github.com/maseology/coupler/fault"
)

// Model is the foreign model interface. Implementations are blocking and are
// never called concurrently.
type Model interface {
	Initialize() error
	Finalize() error

	// Update advances the model by one of its own natural time steps.
	Update() error
	PrepareTimeStep(dt float64) error
	FinalizeTimeStep() error

	PrepareSolve(component int) error
	// Solve performs one outer iteration and reports convergence.
	Solve(component int) (bool, error)
	FinalizeSolve(component int) error

	CurrentTime() (float64, error)
	EndTime() (float64, error)
	TimeStep() (float64, error)

	// Float64s and Int32s return slices aliasing the model's own memory.
	Float64s(name string) ([]float64, error)
	Int32s(name string) ([]int32, error)
}

// Unit is a model's time unit, in seconds.
type Unit float64

const (
	Second Unit = 1.
	Minute Unit = 60.
	Hour   Unit = 3600.
	Day    Unit = 86400.
)

// ParseUnit reads "s", "min", "h" or "d" (and their long forms).
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "d", "day", "days":
		return Day, nil
	case "h", "hr", "hour", "hours":
		return Hour, nil
	case "min", "minute", "minutes":
		return Minute, nil
	case "s", "sec", "second", "seconds":
		return Second, nil
	}
	return 0, fault.New(fault.Configuration, "xmi.ParseUnit", "unknown time unit %q", s)
}

func (u Unit) String() string {
	switch u {
	case Day:
		return "day"
	case Hour:
		return "hour"
	case Minute:
		return "minute"
	case Second:
		return "second"
	}
	return "custom"
}

// Convert expresses t (in u) in unit v.
func (u Unit) Convert(t float64, v Unit) float64 { return t * float64(u) / float64(v) }
