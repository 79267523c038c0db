// Package couple drives a set of foreign models through a shared time loop,
// exchanging quantities between them at fixed points of every outer step.
package couple

import (
	"fmt"
	"strings"

	"github.com/maseology/coupler/balance"
	"github.com/maseology/coupler/config"
	"github.com/maseology/coupler/exchange"
	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
	"github.com/maseology/coupler/monitor"
	"github.com/maseology/coupler/table"
	"github.com/maseology/coupler/xmi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Role of a participating model.
type Role int

const (
	// Iterative models take the leader's step length and are solved in the
	// inner loop.
	Iterative Role = iota
	// Leader dictates the outer time step and is solved in the inner loop.
	Leader
	// Substep models advance with their own, finer step until they catch up
	// with the leader.
	Substep
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Substep:
		return "substep"
	}
	return "iterative"
}

// ParseRole reads "leader", "iterative" or "substep".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "leader", "lead":
		return Leader, nil
	case "", "iterative":
		return Iterative, nil
	case "substep", "sub-step":
		return Substep, nil
	}
	return Iterative, fault.New(fault.Configuration, "couple.ParseRole", "unknown role %q", s)
}

// Participant is one foreign model and its place in the loop.
type Participant struct {
	Name  string
	Role  Role
	Unit  xmi.Unit
	Model xmi.Model
	X, Y  string // coordinate arrays, for tables keyed by (x, y)
}

// Link is an exchange point: Source is moved into Target through a
// correspondence table.
type Link struct {
	Label  string
	Source config.Endpoint
	Target config.Endpoint

	// Pairs is a fixed table; when nil, Table is read during Initialize.
	Pairs   *mapping.Pairs
	Table   string
	Layout  table.Layout
	Locator string // "grid:<file.gdef>" or "model:<name>"

	Operator     mapping.Operator
	ConvA, ConvB []config.Term
	Phase        exchange.Phase
	Accumulate   bool

	Optional bool     // skipped when its table file is absent
	Requires []string // labels that must be active alongside this one
}

// Contribution is one labelled demand on a ledger. The Link's target is the
// ledger itself. Correction, when set, receives realised minus demand mapped
// back onto the source elements.
type Contribution struct {
	Link
	Correction config.Endpoint
}

// LedgerSpec declares a balance group whose receiving model is a sub-stepping
// model: Demand receives the summed contributions, Realised is read back after
// sub-stepping.
type LedgerSpec struct {
	Name          string
	Demand        config.Endpoint
	Realised      config.Endpoint
	Policy        balance.Policy
	Priority      []string
	Precision     *int
	Contributions []Contribution
}

// Options tune a Coupler.
type Options struct {
	MaxIterations  int
	SubstepEpsilon float64  // time tolerance in the coarser unit of the two models compared
	Converge       []string // models whose convergence ends the inner loop; the leader if empty
	CheckDir       string   // mapping check output prefix, none if empty
	Progress       bool

	Sink      exchange.Sink
	Metrics   *monitor.Metrics
	Snapshots *monitor.Snapshots
	Dump      []config.Endpoint // arrays dumped to Snapshots at the end of Run
	Logger    *zerolog.Logger
}

// Builder collects participants and exchange points.
type Builder struct {
	models  []Participant
	links   []Link
	ledgers []LedgerSpec
	opts    Options
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Model(p Participant) *Builder {
	b.models = append(b.models, p)
	return b
}

func (b *Builder) Exchange(l Link) *Builder {
	b.links = append(b.links, l)
	return b
}

func (b *Builder) Balance(s LedgerSpec) *Builder {
	b.ledgers = append(b.ledgers, s)
	return b
}

func (b *Builder) Options(o Options) *Builder {
	b.opts = o
	return b
}

// Build validates the declaration and returns an uninitialized Coupler.
func (b *Builder) Build() (*Coupler, error) {
	const opname = "couple.Build"
	bad := func(format string, args ...any) error {
		return fault.New(fault.Configuration, opname, format, args...)
	}
	o := b.opts
	if o.MaxIterations == 0 {
		o.MaxIterations = config.DefaultMaxIterations
	}
	if o.SubstepEpsilon == 0. {
		o.SubstepEpsilon = config.DefaultSubstepEpsilon
	}
	if o.MaxIterations < 0 || o.SubstepEpsilon < 0. {
		return nil, bad("negative iteration cap or sub-step tolerance")
	}
	if o.Logger == nil {
		o.Logger = &log.Logger
	}

	c := &Coupler{opts: o, byName: make(map[string]*participant), cache: mapping.NewCache()}
	for _, p := range b.models {
		if p.Name == "" || strings.Contains(p.Name, ":") {
			return nil, bad("invalid model name %q", p.Name)
		}
		if _, ok := c.byName[p.Name]; ok {
			return nil, bad("model %q declared twice", p.Name)
		}
		if p.Model == nil {
			return nil, bad("model %q has no implementation", p.Name)
		}
		if p.Unit <= 0 {
			p.Unit = xmi.Day
		}
		pp := &participant{Participant: p, h: xmi.NewHandle(p.Name, p.Unit, p.Model)}
		c.byName[p.Name] = pp
		c.models = append(c.models, pp)
		switch p.Role {
		case Leader:
			if c.leader != nil {
				return nil, bad("models %q and %q are both leaders", c.leader.Name, p.Name)
			}
			c.leader = pp
			c.solvers = append(c.solvers, pp)
		case Substep:
			c.substeps = append(c.substeps, pp)
		default:
			c.solvers = append(c.solvers, pp)
		}
	}
	if c.leader == nil {
		return nil, bad("no leader among %d models", len(c.models))
	}

	known := func(what string, e config.Endpoint) error {
		if _, ok := c.byName[e.Model]; !ok {
			return bad("%s: unknown model %q", what, e.Model)
		}
		return nil
	}
	terms := func(what string, ts []config.Term) error {
		for _, t := range ts {
			if t.Kind != config.FieldTerm {
				continue
			}
			if err := known(what, t.Field); err != nil {
				return err
			}
			if t.Index != nil {
				if err := known(what, *t.Index); err != nil {
					return err
				}
			}
		}
		return nil
	}
	link := func(what string, l Link) error {
		if l.Label == "" {
			return bad("%s: no label", what)
		}
		if _, ok := c.labels[l.Label]; ok {
			return bad("%s: label %q used twice", what, l.Label)
		}
		c.labels[l.Label] = what
		if err := known(what, l.Source); err != nil {
			return err
		}
		if l.Pairs == nil && l.Table == "" {
			return bad("%s: no correspondence table", what)
		}
		if l.Locator != "" {
			kind, arg, _ := strings.Cut(l.Locator, ":")
			switch kind {
			case "grid":
			case "model":
				p, ok := c.byName[arg]
				if !ok || p.X == "" {
					return bad("%s: locator %q names no model with coordinates", what, l.Locator)
				}
			default:
				return bad("%s: invalid locator %q", what, l.Locator)
			}
		}
		if err := terms(what, l.ConvA); err != nil {
			return err
		}
		return terms(what, l.ConvB)
	}

	c.labels = make(map[string]string)
	for _, l := range b.links {
		what := "exchange " + l.Label
		if err := link(what, l); err != nil {
			return nil, err
		}
		if err := known(what, l.Target); err != nil {
			return nil, err
		}
		if l.Phase < 0 || int(l.Phase) >= len(exchange.Phases()) {
			return nil, bad("%s: invalid phase %d", what, int(l.Phase))
		}
		c.links = append(c.links, &channel{Link: l})
	}
	for _, s := range b.ledgers {
		what := "balance " + s.Name
		if s.Name == "" {
			return nil, bad("balance without a name")
		}
		if err := known(what, s.Demand); err != nil {
			return nil, err
		}
		if s.Demand.Model != s.Realised.Model {
			return nil, bad("%s: demand and realised belong to different models", what)
		}
		if r := c.byName[s.Demand.Model]; r.Role != Substep {
			return nil, bad("%s: receiving model %q is not a sub-stepping model", what, r.Name)
		}
		if len(s.Contributions) == 0 {
			return nil, bad("%s: no contributions", what)
		}
		lg := &ledger{spec: s}
		for _, ct := range s.Contributions {
			if err := link(what+" contribution "+ct.Label, ct.Link); err != nil {
				return nil, err
			}
			if ct.Correction.Model != "" {
				if err := known(what, ct.Correction); err != nil {
					return nil, err
				}
				if ct.Operator != mapping.Sum {
					return nil, bad("%s: correction of %s requires a sum operator, got %s", what, ct.Label, ct.Operator)
				}
			}
			lg.contribs = append(lg.contribs, &contribution{channel: channel{Link: ct.Link}, Correction: ct.Correction})
		}
		c.ledgers = append(c.ledgers, lg)
	}
	for _, ch := range c.allChannels() {
		for _, r := range ch.Requires {
			if _, ok := c.labels[r]; !ok {
				return nil, bad("%s requires unknown exchange %q", ch.Label, r)
			}
		}
	}

	conv := o.Converge
	if len(conv) == 0 {
		conv = []string{c.leader.Name}
	}
	for _, n := range conv {
		p, ok := c.byName[n]
		if !ok || p.Role == Substep {
			return nil, bad("converging model %q is not a solved model", n)
		}
		p.converging = true
	}
	for _, e := range o.Dump {
		if err := known("dump", e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Coupler) allChannels() []*channel {
	chs := append([]*channel(nil), c.links...)
	for _, l := range c.ledgers {
		for _, ct := range l.contribs {
			chs = append(chs, &ct.channel)
		}
	}
	return chs
}

func (p *participant) String() string { return fmt.Sprintf("%s (%s, %s)", p.Name, p.Role, p.Unit) }
