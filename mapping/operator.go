package mapping

import (
	"strings"

	"github.com/maseology/coupler/fault"
)

// Operator is the reduction applied when several source elements feed one
// target element.
type Operator int

const (
	Sum Operator = iota
	Average
	Weight
)

func (o Operator) String() string {
	switch o {
	case Sum:
		return "sum"
	case Average:
		return "avg"
	case Weight:
		return "weight"
	}
	return "unknown"
}

// ParseOperator accepts sum, avg/average and weight (case insensitive).
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sum":
		return Sum, nil
	case "avg", "average", "mean":
		return Average, nil
	case "weight", "weighted":
		return Weight, nil
	}
	return Sum, fault.New(fault.Configuration, "mapping.ParseOperator", "invalid operator %q", s)
}

// Pairs is a correspondence table in zero-based indices. Row k maps
// Source[k] onto Target[k]; Weight is only read by the Weight operator.
type Pairs struct {
	Source, Target []int
	Weight         []float64
}

// Len is the number of table rows.
func (p Pairs) Len() int { return len(p.Source) }

// Transpose swaps the roles of source and target, keeping row order.
func (p Pairs) Transpose() Pairs {
	return Pairs{Source: p.Target, Target: p.Source, Weight: p.Weight}
}

// Validate checks the table against the array sizes it will connect.
func (p Pairs) Validate(nsrc, ntgt int, op Operator) error {
	const opname = "mapping.Build"
	if len(p.Source) != len(p.Target) {
		return fault.New(fault.Configuration, opname, "%d source indices but %d target indices", len(p.Source), len(p.Target))
	}
	if op == Weight && len(p.Weight) != len(p.Source) {
		return fault.New(fault.Configuration, opname, "weight operator needs %d weights, got %d", len(p.Source), len(p.Weight))
	}
	for k, s := range p.Source {
		if s < 0 || s >= nsrc {
			return fault.New(fault.Mapping, opname, "row %d: source index %d outside [0,%d)", k, s, nsrc)
		}
		if t := p.Target[k]; t < 0 || t >= ntgt {
			return fault.New(fault.Mapping, opname, "row %d: target index %d outside [0,%d)", k, t, ntgt)
		}
	}
	return nil
}
