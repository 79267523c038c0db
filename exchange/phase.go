package exchange

import (
	"strings"

	"github.com/maseology/coupler/fault"
)

// Phase is the point in the outer time step at which a channel fires.
type Phase int

const (
	BeforeStep Phase = iota
	BeforeSubstep
	Substep
	AfterSubstep
	Iterate
	AfterStep
	nphase
)

var phaseNames = [...]string{"before_step", "before_substep", "substep", "after_substep", "iterate", "after_step"}

// Phases lists every phase in firing order.
func Phases() []Phase {
	p := make([]Phase, nphase)
	for i := range p {
		p[i] = Phase(i)
	}
	return p
}

func (p Phase) String() string {
	if p < 0 || p >= nphase {
		return "phase?"
	}
	return phaseNames[p]
}

// ParsePhase reads a phase name; the empty string is BeforeStep.
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return BeforeStep, nil
	}
	for i, n := range phaseNames {
		if s == n {
			return Phase(i), nil
		}
	}
	return BeforeStep, fault.New(fault.Configuration, "exchange.ParsePhase", "unknown phase %q", s)
}
