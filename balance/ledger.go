// Package balance keeps the books of a shared exchange: several labelled
// demands are summed into one outgoing transfer, and the amount the receiving
// model actually realised is apportioned back over the outflow demands.
package balance

import (
	"fmt"
	"math"
	"strings"

	"github.com/maseology/coupler/exchange"
	"github.com/maseology/coupler/fault"
)

// Policy decides how a shortage is spread over the outflow contributions.
type Policy int

const (
	// Sequential lets contributions absorb the shortage one after another in
	// priority order, each down to zero before the next is touched.
	Sequential Policy = iota
	// Proportional scales every outflow contribution by the same fraction.
	Proportional
)

func (p Policy) String() string {
	if p == Proportional {
		return "proportional"
	}
	return "sequential"
}

// ParsePolicy reads "sequential" (default) or "proportional".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential", "priority":
		return Sequential, nil
	case "proportional", "fraction":
		return Proportional, nil
	}
	return Sequential, fault.New(fault.Configuration, "balance.ParsePolicy", "unknown shortage policy %q", s)
}

type phase int

const (
	idle phase = iota
	collecting
	summed
	realised
)

func (p phase) String() string {
	return [...]string{"idle", "collecting", "summed", "realised"}[p]
}

// Ledger is the balance record of one exchange group. Its cycle per outer
// time step is Reset, Accumulate (or direct writes into Buffer), Sum,
// ComputeRealised, Correction/Realised, Consume.
type Ledger struct {
	Name string

	n        int
	labels   []string
	order    []string
	policy   Policy
	scale    float64
	demand   map[string]exchange.Local
	realized map[string]exchange.Local
	sum      exchange.Local
	shortage []float64
	state    phase
}

// Option configures a Ledger.
type Option func(*Ledger) error

// WithPriority names the absorbing order of the outflow labels. Labels not
// named follow in declaration order.
func WithPriority(labels ...string) Option {
	return func(l *Ledger) error {
		seen := make(map[string]bool, len(labels))
		for _, s := range labels {
			if _, ok := l.demand[s]; !ok {
				return fmt.Errorf("priority label %q is not a contribution", s)
			}
			if seen[s] {
				return fmt.Errorf("priority label %q repeated", s)
			}
			seen[s] = true
		}
		l.order = append([]string(nil), labels...)
		for _, s := range l.labels {
			if !seen[s] {
				l.order = append(l.order, s)
			}
		}
		return nil
	}
}

// WithPolicy sets the shortage policy.
func WithPolicy(p Policy) Option {
	return func(l *Ledger) error { l.policy = p; return nil }
}

// WithPrecision sets the number of decimal digits used when comparing
// demand and realised totals (10 by default).
func WithPrecision(digits int) Option {
	return func(l *Ledger) error {
		if digits < 0 || digits > 15 {
			return fmt.Errorf("precision %d outside [0,15]", digits)
		}
		l.scale = math.Pow10(digits)
		return nil
	}
}

// New creates a ledger over n elements for the given contribution labels.
func New(name string, n int, labels []string, opts ...Option) (*Ledger, error) {
	opname := "balance.New " + name
	if n < 0 {
		return nil, fault.New(fault.Configuration, opname, "negative size %d", n)
	}
	if len(labels) == 0 {
		return nil, fault.New(fault.Configuration, opname, "no contributions")
	}
	l := &Ledger{
		Name:     name,
		n:        n,
		labels:   append([]string(nil), labels...),
		order:    append([]string(nil), labels...),
		scale:    1e10,
		demand:   make(map[string]exchange.Local, len(labels)),
		realized: make(map[string]exchange.Local, len(labels)),
		sum:      make(exchange.Local, n),
		shortage: make([]float64, n),
	}
	for _, s := range labels {
		if strings.TrimSpace(s) == "" || s == "sum" {
			return nil, fault.New(fault.Configuration, opname, "invalid label %q", s)
		}
		if _, ok := l.demand[s]; ok {
			return nil, fault.New(fault.Configuration, opname, "duplicate label %q", s)
		}
		l.demand[s] = make(exchange.Local, n)
		l.realized[s] = make(exchange.Local, n)
	}
	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, fault.Wrap(fault.Configuration, opname, err)
		}
	}
	return l, nil
}

// Len is the number of elements.
func (l *Ledger) Len() int { return l.n }

// Labels returns the contribution labels in declaration order.
func (l *Ledger) Labels() []string { return l.labels }

// Policy returns the shortage policy in use.
func (l *Ledger) Policy() Policy { return l.policy }

func (l *Ledger) expect(op string, want phase) error {
	if l.state != want {
		return fault.New(fault.Configuration, "balance."+op+" "+l.Name, "ledger is %s, want %s", l.state, want)
	}
	return nil
}

// Reset zeroes every array and opens the ledger for a new time step.
func (l *Ledger) Reset() {
	for _, s := range l.labels {
		clear(l.demand[s])
		clear(l.realized[s])
	}
	clear(l.sum)
	clear(l.shortage)
	l.state = collecting
}

// Buffer returns the demand array of label, to be used as an exchange target.
func (l *Ledger) Buffer(label string) (exchange.Local, error) {
	d, ok := l.demand[label]
	if !ok {
		return nil, fault.New(fault.Configuration, "balance.Buffer "+l.Name, "unknown label %q", label)
	}
	return d, nil
}

// Accumulate adds v to the demand of label.
func (l *Ledger) Accumulate(label string, v []float64) error {
	if err := l.expect("Accumulate", collecting); err != nil {
		return err
	}
	d, err := l.Buffer(label)
	if err != nil {
		return err
	}
	if len(v) != l.n {
		return fault.New(fault.Configuration, "balance.Accumulate "+l.Name, "%s: %d elements, ledger has %d", label, len(v), l.n)
	}
	for i, x := range v {
		d[i] += x
	}
	return nil
}

// Sum closes the collection and returns the summed demand. The slice is owned
// by the ledger.
func (l *Ledger) Sum() ([]float64, error) {
	if err := l.expect("Sum", collecting); err != nil {
		return nil, err
	}
	clear(l.sum)
	for _, s := range l.labels {
		for i, x := range l.demand[s] {
			l.sum[i] += x
		}
	}
	l.state = summed
	return l.sum, nil
}

// Demand returns the current demand of label.
func (l *Ledger) Demand(label string) ([]float64, error) { return l.Buffer(label) }

func (l *Ledger) round(x float64) float64 { return math.Round(x*l.scale) / l.scale }

// ComputeRealised apportions the realised total over the contributions,
// element by element. When |realised| reaches |sum| every label is realised
// at its demand. Otherwise the shortage |sum-realised| is taken from the
// outflow (negative) contributions according to the policy; inflow
// contributions are never reduced. A shortage larger than all outflow
// contributions together is a ShortageOverflow error.
func (l *Ledger) ComputeRealised(realized []float64) error {
	opname := "balance.ComputeRealised " + l.Name
	if err := l.expect("ComputeRealised", summed); err != nil {
		return err
	}
	if len(realized) != l.n {
		return fault.New(fault.Configuration, opname, "%d realised elements, ledger has %d", len(realized), l.n)
	}
	for _, s := range l.labels {
		copy(l.realized[s], l.demand[s])
	}
	clear(l.shortage)
	for i, r := range realized {
		d := l.sum[i]
		if math.Abs(l.round(r)) >= math.Abs(l.round(d)) {
			continue
		}
		short := l.round(math.Abs(d - r))
		if short == 0. {
			continue
		}
		neg := 0.
		for _, s := range l.labels {
			if v := l.demand[s][i]; v < 0. {
				neg -= v
			}
		}
		if short > l.round(neg) {
			return fault.New(fault.ShortageOverflow, opname,
				"element %d: shortage %g exceeds outflow demand %g (demand %g, realised %g)", i, short, neg, d, r)
		}
		l.shortage[i] = short
		switch l.policy {
		case Proportional:
			f := 1. - short/neg
			for _, s := range l.labels {
				if v := l.demand[s][i]; v < 0. {
					l.realized[s][i] = v * f
				}
			}
		default:
			rem := short
			for _, s := range l.order {
				v := l.demand[s][i]
				if v >= 0. {
					continue
				}
				take := math.Min(rem, -v)
				l.realized[s][i] = v + take
				if rem -= take; rem <= 0. {
					break
				}
			}
		}
	}
	l.state = realised
	return nil
}

// Realised returns the realised value of label.
func (l *Ledger) Realised(label string) ([]float64, error) {
	if err := l.expect("Realised", realised); err != nil {
		return nil, err
	}
	r, ok := l.realized[label]
	if !ok {
		return nil, fault.New(fault.Configuration, "balance.Realised "+l.Name, "unknown label %q", label)
	}
	return r, nil
}

// Correction returns realised minus demand for label: the amount the sending
// side must be corrected by. The result is newly allocated.
func (l *Ledger) Correction(label string) ([]float64, error) {
	r, err := l.Realised(label)
	if err != nil {
		return nil, err
	}
	d := l.demand[label]
	c := make([]float64, l.n)
	for i := range c {
		c[i] = r[i] - d[i]
	}
	return c, nil
}

// Shortage returns the per-element shortage of the last ComputeRealised.
func (l *Ledger) Shortage() []float64 { return l.shortage }

// TotalShortage sums Shortage.
func (l *Ledger) TotalShortage() float64 {
	s := 0.
	for _, v := range l.shortage {
		s += v
	}
	return s
}

// Consume marks the realised values as used; the ledger must be Reset next.
func (l *Ledger) Consume() error {
	if err := l.expect("Consume", realised); err != nil {
		return err
	}
	l.state = idle
	return nil
}
