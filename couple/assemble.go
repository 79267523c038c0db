package couple

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/maseology/coupler/balance"
	"github.com/maseology/coupler/config"
	"github.com/maseology/coupler/exchange"
	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
	"github.com/maseology/coupler/table"
	"github.com/maseology/coupler/xmi"
	"github.com/maseology/mmio"
)

// Opener starts the foreign model a configuration entry describes.
type Opener func(m config.Model) (xmi.Model, error)

// OpenLibrary loads the model's shared library, running it in its own
// working directory.
func OpenLibrary(m config.Model) (xmi.Model, error) {
	return xmi.Open(m.Library, m.WorkDir, m.Config)
}

// FromConfig declares a Coupler from a run configuration. Run settings in
// cfg fill the corresponding zero fields of opts.
func FromConfig(cfg *config.Config, open Opener, opts Options) (*Coupler, error) {
	b, err := Declare(cfg, open)
	if err != nil {
		return nil, err
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = cfg.Run.MaxIterations
	}
	if opts.SubstepEpsilon == 0. {
		opts.SubstepEpsilon = cfg.Run.SubstepEpsilon
	}
	if len(opts.Converge) == 0 {
		opts.Converge = cfg.Run.Converge
	}
	if opts.CheckDir == "" {
		opts.CheckDir = cfg.Run.CheckDir
	}
	opts.Progress = opts.Progress || cfg.Run.Progress
	if len(opts.Dump) == 0 {
		for _, s := range cfg.Run.Snapshots {
			e, err := config.ParseEndpoint(s)
			if err != nil {
				return nil, err
			}
			opts.Dump = append(opts.Dump, e)
		}
	}
	return b.Options(opts).Build()
}

// Check declares and builds a Coupler from cfg without loading any model
// library.
func Check(cfg *config.Config) error {
	if _, err := FromConfig(cfg, func(config.Model) (xmi.Model, error) { return unopened{}, nil }, Options{}); err != nil {
		return err
	}
	var errs []error
	need := func(m config.Mapped) {
		if _, ok := mmio.FileExists(m.Table); !ok && !m.Optional {
			errs = append(errs, fmt.Errorf("%s: table %s: %w", m.Label, m.Table, fs.ErrNotExist))
		}
	}
	for _, x := range cfg.Exchanges {
		need(x.Mapped)
	}
	for _, b := range cfg.Balances {
		for _, ct := range b.Contributions {
			need(ct.Mapped)
		}
	}
	if len(errs) > 0 {
		return fault.Wrap(fault.Configuration, "couple.Check", errors.Join(errs...))
	}
	return nil
}

// Declare translates cfg into a Builder, opening every model with open.
func Declare(cfg *config.Config, open Opener) (*Builder, error) {
	const opname = "couple.Declare"
	b := NewBuilder()
	for _, m := range cfg.Models {
		role, err := ParseRole(m.Role)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, opname+" "+m.Name, err)
		}
		unit, err := xmi.ParseUnit(m.TimeUnit)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, opname+" "+m.Name, err)
		}
		xm, err := open(m)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, opname+" "+m.Name, err)
		}
		b.Model(Participant{Name: m.Name, Role: role, Unit: unit, Model: xm, X: m.X, Y: m.Y})
	}
	for _, x := range cfg.Exchanges {
		l, err := linkOf(x.Mapped)
		if err != nil {
			return nil, err
		}
		if l.Target, err = config.ParseEndpoint(x.Target); err != nil {
			return nil, err
		}
		if l.Phase, err = exchange.ParsePhase(x.Phase); err != nil {
			return nil, err
		}
		l.Accumulate = x.Accumulate
		b.Exchange(l)
	}
	for _, bc := range cfg.Balances {
		s := LedgerSpec{Name: bc.Name, Priority: bc.Priority, Precision: bc.Precision}
		var err error
		if s.Demand, err = config.ParseEndpoint(bc.Demand); err != nil {
			return nil, err
		}
		if s.Realised, err = config.ParseEndpoint(bc.Realised); err != nil {
			return nil, err
		}
		if s.Policy, err = balance.ParsePolicy(bc.Policy); err != nil {
			return nil, err
		}
		for _, ct := range bc.Contributions {
			l, err := linkOf(ct.Mapped)
			if err != nil {
				return nil, err
			}
			c := Contribution{Link: l}
			if ct.Correction != "" {
				if c.Correction, err = config.ParseEndpoint(ct.Correction); err != nil {
					return nil, err
				}
			}
			s.Contributions = append(s.Contributions, c)
		}
		b.Balance(s)
	}
	return b, nil
}

func linkOf(m config.Mapped) (Link, error) {
	l := Link{Label: m.Label, Table: m.Table, Locator: m.Locator, Optional: m.Optional, Requires: m.Requires}
	var err error
	if l.Source, err = config.ParseEndpoint(m.Source); err != nil {
		return l, err
	}
	if l.Operator, err = mapping.ParseOperator(m.Operator); err != nil {
		return l, err
	}
	l.Layout = table.DefaultLayout()
	for _, kv := range [][2]*string{
		{&l.Layout.Source, &m.Layout.Source},
		{&l.Layout.Target, &m.Layout.Target},
		{&l.Layout.Weight, &m.Layout.Weight},
		{&l.Layout.X, &m.Layout.X},
		{&l.Layout.Y, &m.Layout.Y},
	} {
		if *kv[1] != "" {
			*kv[0] = *kv[1]
		}
	}
	if strings.EqualFold(m.Layout.Keyed, "target") {
		l.Layout.Keyed = table.TargetSide
	}
	l.Layout.ZeroBased = m.Layout.ZeroBased
	for _, ts := range m.ConvA {
		t, err := config.ParseTerm(ts)
		if err != nil {
			return l, err
		}
		l.ConvA = append(l.ConvA, t)
	}
	for _, ts := range m.ConvB {
		t, err := config.ParseTerm(ts)
		if err != nil {
			return l, err
		}
		l.ConvB = append(l.ConvB, t)
	}
	return l, nil
}

// unopened stands in for a model library during checks; it is never called.
type unopened struct{}

func (unopened) Initialize() error                  { return errUnopened }
func (unopened) Finalize() error                    { return nil }
func (unopened) Update() error                      { return errUnopened }
func (unopened) PrepareTimeStep(float64) error      { return errUnopened }
func (unopened) FinalizeTimeStep() error            { return errUnopened }
func (unopened) PrepareSolve(int) error             { return errUnopened }
func (unopened) Solve(int) (bool, error)            { return false, errUnopened }
func (unopened) FinalizeSolve(int) error            { return errUnopened }
func (unopened) CurrentTime() (float64, error)      { return 0, errUnopened }
func (unopened) EndTime() (float64, error)          { return 0, errUnopened }
func (unopened) TimeStep() (float64, error)         { return 0, errUnopened }
func (unopened) Float64s(string) ([]float64, error) { return nil, errUnopened }
func (unopened) Int32s(string) ([]int32, error)     { return nil, errUnopened }

var errUnopened = fault.New(fault.Configuration, "couple.Check", "model library not loaded")
