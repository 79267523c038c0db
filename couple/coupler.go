package couple

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/maseology/coupler/balance"
	"github.com/maseology/coupler/config"
	"github.com/maseology/coupler/exchange"
	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
	"github.com/maseology/coupler/table"
	"github.com/maseology/coupler/xmi"
)

// State of a Coupler.
type State int

const (
	Uninitialized State = iota
	Initialized
	Exchanging
	Solving
	Advancing
	Finalized
	Failed
)

func (s State) String() string {
	return [...]string{"uninitialized", "initialized", "exchanging", "solving", "advancing", "finalized", "failed"}[s]
}

type participant struct {
	Participant
	h          *xmi.Handle
	converging bool
	dt         float64 // current step length, own unit
}

type channel struct {
	Link
	ch     *exchange.Channel
	active bool
}

type contribution struct {
	channel
	Correction config.Endpoint
	corr       *xmi.Buffer
}

type ledger struct {
	spec     LedgerSpec
	l        *balance.Ledger
	contribs []*contribution
	demand   *xmi.Buffer
	realised *xmi.Buffer
	receiver *participant
}

// Coupler runs the coupled models. Build one with a Builder.
type Coupler struct {
	opts     Options
	models   []*participant
	byName   map[string]*participant
	leader   *participant
	solvers  []*participant
	substeps []*participant
	links    []*channel
	ledgers  []*ledger
	labels   map[string]string
	cache    *mapping.Cache
	locators map[string]table.Locator

	state  State
	inited []*participant
	time   float64 // leader time after the current step's preparation
	end    float64

	inStep  bool
	solved  bool
	lastRes fault.Result
	iters   int

	report Report
}

// State returns the current state.
func (c *Coupler) State() State { return c.state }

// Channel returns the exchange channel of label, nil if the label is unknown
// or its exchange was skipped.
func (c *Coupler) Channel(label string) *exchange.Channel {
	for _, ch := range c.allChannels() {
		if ch.Label == label && ch.active {
			return ch.ch
		}
	}
	return nil
}

// Ledger returns the named balance ledger.
func (c *Coupler) Ledger(name string) *balance.Ledger {
	for _, l := range c.ledgers {
		if l.spec.Name == name {
			return l.l
		}
	}
	return nil
}

// Initialize starts every model in declaration order, then resolves tables
// and buffers and builds every channel and ledger. On failure all models
// started so far are finalized.
func (c *Coupler) Initialize() error {
	if c.state != Uninitialized {
		return fault.New(fault.Configuration, "couple.Initialize", "coupler is %s", c.state)
	}
	lg := c.opts.Logger
	for _, p := range c.models {
		if err := p.h.Initialize(); err != nil {
			return c.abort(err)
		}
		c.inited = append(c.inited, p)
		lg.Info().Str("model", p.Name).Stringer("role", p.Role).Stringer("unit", p.Unit).Msg("initialized")
	}
	var err error
	if c.time, err = c.leader.h.CurrentTime(); err != nil {
		return c.abort(err)
	}
	if c.end, err = c.leader.h.EndTime(); err != nil {
		return c.abort(err)
	}
	c.report.Start, c.report.End = c.time, c.end
	for _, p := range c.models {
		if p.dt, err = p.h.TimeStep(); err != nil {
			return c.abort(err)
		}
	}
	if err := c.wire(); err != nil {
		return c.abort(err)
	}
	c.state = Initialized
	return nil
}

func (c *Coupler) abort(err error) error {
	c.state = Failed
	if ferr := c.finalizeModels(); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

func (c *Coupler) wire() error {
	lg := c.opts.Logger
	c.locators = make(map[string]table.Locator)
	for _, ch := range c.allChannels() {
		p, err := c.pairs(&ch.Link)
		if err != nil {
			if ch.Optional && errors.Is(err, fs.ErrNotExist) {
				lg.Info().Str("exchange", ch.Label).Str("table", ch.Table).Msg("optional exchange skipped, no table")
				continue
			}
			return err
		}
		ch.Pairs, ch.active = &p, true
	}
	for _, ch := range c.allChannels() {
		if !ch.active {
			continue
		}
		for _, r := range ch.Requires {
			if !c.active(r) {
				return fault.New(fault.Configuration, "couple.Initialize", "exchange %s requires %s, which is not active", ch.Label, r)
			}
		}
	}

	for _, ch := range c.links {
		if !ch.active {
			continue
		}
		src, err := c.buffer(ch.Source)
		if err != nil {
			return err
		}
		tgt, err := c.buffer(ch.Target)
		if err != nil {
			return err
		}
		if err := c.build(ch, src, tgt); err != nil {
			return err
		}
	}
	for _, l := range c.ledgers {
		if err := c.wireLedger(l); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coupler) wireLedger(l *ledger) error {
	var labels []string
	for _, ct := range l.contribs {
		if ct.active {
			labels = append(labels, ct.Label)
		}
	}
	if len(labels) == 0 {
		c.opts.Logger.Info().Str("balance", l.spec.Name).Msg("balance skipped, no active contributions")
		return nil
	}
	var err error
	if l.demand, err = c.buffer(l.spec.Demand); err != nil {
		return err
	}
	if l.realised, err = c.buffer(l.spec.Realised); err != nil {
		return err
	}
	if l.demand.Len() != l.realised.Len() {
		return fault.New(fault.Configuration, "couple.Initialize", "balance %s: demand has %d elements, realised %d", l.spec.Name, l.demand.Len(), l.realised.Len())
	}
	l.receiver = c.byName[l.spec.Demand.Model]

	var prio []string
	for _, s := range l.spec.Priority {
		if c.active(s) {
			prio = append(prio, s)
		}
	}
	opts := []balance.Option{balance.WithPolicy(l.spec.Policy), balance.WithPriority(prio...)}
	if l.spec.Precision != nil {
		opts = append(opts, balance.WithPrecision(*l.spec.Precision))
	}
	if l.l, err = balance.New(l.spec.Name, l.demand.Len(), labels, opts...); err != nil {
		return err
	}
	for _, ct := range l.contribs {
		if !ct.active {
			continue
		}
		src, err := c.buffer(ct.Source)
		if err != nil {
			return err
		}
		dst, err := l.l.Buffer(ct.Label)
		if err != nil {
			return err
		}
		if err := c.build(&ct.channel, src, dst); err != nil {
			return err
		}
		if ct.Correction.Model != "" {
			if ct.corr, err = c.buffer(ct.Correction); err != nil {
				return err
			}
			if ct.corr.Len() != src.Len() {
				return fault.New(fault.Configuration, "couple.Initialize", "%s: correction %s has %d elements, source %d", ct.Label, ct.Correction, ct.corr.Len(), src.Len())
			}
		}
	}
	return nil
}

func (c *Coupler) active(label string) bool {
	for _, ch := range c.allChannels() {
		if ch.Label == label {
			return ch.active
		}
	}
	return false
}

func (c *Coupler) buffer(e config.Endpoint) (*xmi.Buffer, error) {
	return c.byName[e.Model].h.Buffer(e.Var)
}

func (c *Coupler) pairs(l *Link) (mapping.Pairs, error) {
	if l.Pairs != nil {
		return *l.Pairs, nil
	}
	var loc table.Locator
	if l.Locator != "" {
		var err error
		if loc, err = c.locator(l.Locator); err != nil {
			return mapping.Pairs{}, err
		}
	}
	t, err := table.Read(l.Table, l.Layout, loc)
	if err != nil {
		return mapping.Pairs{}, err
	}
	return t.Pairs, nil
}

func (c *Coupler) locator(spec string) (table.Locator, error) {
	if loc, ok := c.locators[spec]; ok {
		return loc, nil
	}
	kind, arg, _ := strings.Cut(spec, ":")
	var loc table.Locator
	switch kind {
	case "grid":
		gl, err := table.ReadGridLocator(arg)
		if err != nil {
			return nil, err
		}
		loc = gl
	default:
		p := c.byName[arg]
		xb, err := p.h.Buffer(p.X)
		if err != nil {
			return nil, err
		}
		yb, err := p.h.Buffer(p.Y)
		if err != nil {
			return nil, err
		}
		xs, err := xb.Values()
		if err != nil {
			return nil, err
		}
		ys, err := yb.Values()
		if err != nil {
			return nil, err
		}
		if loc, err = table.NewPointLocator(xs, ys); err != nil {
			return nil, err
		}
	}
	c.locators[spec] = loc
	return loc, nil
}

func (c *Coupler) build(ch *channel, src, tgt exchange.Array) error {
	a, err := c.conversion(ch.ConvA)
	if err != nil {
		return err
	}
	b, err := c.conversion(ch.ConvB)
	if err != nil {
		return err
	}
	opts := []exchange.Option{exchange.WithCache(c.cache), exchange.WithConversion(a, b)}
	if ch.Accumulate {
		opts = append(opts, exchange.Accumulate())
	}
	if c.opts.Sink != nil {
		opts = append(opts, exchange.WithSink(c.opts.Sink, func() float64 { return c.time }))
	}
	if ch.ch, err = exchange.New(ch.Label, src, tgt, *ch.Pairs, ch.Operator, opts...); err != nil {
		return err
	}
	if c.opts.CheckDir != "" {
		ch.ch.Matrix().CheckAndPrint(ch.Label, strings.TrimRight(c.opts.CheckDir, `/\`)+"/")
	}
	return nil
}

func (c *Coupler) conversion(ts []config.Term) (exchange.Conversion, error) {
	var cv exchange.Conversion
	for _, t := range ts {
		switch t.Kind {
		case config.ScalarTerm:
			cv = append(cv, exchange.Scalar(t.Value))
		case config.StepTerm:
			cv = append(cv, exchange.Clock{Name: "dt", F: func() float64 { return c.leader.dt }})
		default:
			b, err := c.buffer(t.Field)
			if err != nil {
				return nil, err
			}
			f := exchange.Field{Name: t.Text, A: b}
			if t.Index != nil {
				if f.Index, err = c.byName[t.Index.Model].h.Indices(t.Index.Var); err != nil {
					return nil, err
				}
			}
			cv = append(cv, f)
		}
	}
	return cv, nil
}

// Finalize finalizes every initialized model, even when one of them fails,
// and closes the diagnostics sink.
func (c *Coupler) Finalize() error {
	if c.state == Finalized {
		return nil
	}
	err := c.finalizeModels()
	if cl, ok := c.opts.Sink.(io.Closer); ok {
		if cerr := cl.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("diagnostics: %w", cerr))
		}
	}
	if c.opts.Snapshots != nil {
		c.opts.Snapshots.Wait()
	}
	if err != nil {
		c.state = Failed
		return err
	}
	c.state = Finalized
	return nil
}

func (c *Coupler) finalizeModels() error {
	var errs []error
	for _, p := range c.inited {
		if err := p.h.Finalize(); err != nil {
			c.opts.Logger.Error().Err(err).Str("model", p.Name).Msg("finalize failed")
			errs = append(errs, err)
			continue
		}
		c.opts.Logger.Info().Str("model", p.Name).Msg("finalized")
	}
	c.inited = nil
	return errors.Join(errs...)
}
