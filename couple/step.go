package couple

import (
	"math"
	"time"

	"github.com/maseology/coupler/exchange"
	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
)

// solve component passed to the foreign solver
const component = 1

func (c *Coupler) fire(ph exchange.Phase, from *participant) error {
	prev := c.state
	c.state = Exchanging
	defer func() { c.state = prev }()
	for _, ch := range c.links {
		if !ch.active || ch.Phase != ph || (from != nil && ch.Source.Model != from.Name) {
			continue
		}
		if err := ch.ch.Exchange(); err != nil {
			return err
		}
		c.opts.Metrics.Exchange(ch.Label)
	}
	return nil
}

// Step advances the coupled system by one leader time step.
func (c *Coupler) Step() (fault.Result, error) {
	switch c.state {
	case Initialized, Advancing:
	default:
		return fault.OK(), fault.New(fault.Configuration, "couple.Step", "coupler is %s", c.state)
	}
	if c.Done() {
		return fault.OK(), fault.New(fault.Configuration, "couple.Step", "leader reached its end time %g", c.end)
	}
	t0 := time.Now()
	res, err := c.step()
	if err != nil {
		c.state = Failed
		c.opts.Logger.Error().Err(err).Float64("time", c.time).Msg("step failed")
		return res, err
	}
	c.state = Advancing
	c.report.Steps++
	c.opts.Metrics.Step(time.Since(t0))
	return res, nil
}

func (c *Coupler) step() (fault.Result, error) {
	c.inStep = true
	defer func() { c.inStep = false }()
	if err := c.fire(exchange.BeforeStep, nil); err != nil {
		return fault.OK(), err
	}

	// leader sets the pace
	ld := c.leader
	if err := ld.h.PrepareTimeStep(ld.dt); err != nil {
		return fault.OK(), err
	}
	var err error
	if ld.dt, err = ld.h.TimeStep(); err != nil {
		return fault.OK(), err
	}
	prev := c.time
	if c.time, err = ld.h.CurrentTime(); err != nil {
		return fault.OK(), err
	}
	if c.time <= prev {
		return fault.OK(), fault.New(fault.ForeignCall, ld.Name+".PrepareTimeStep", "clock stuck at %g %s", c.time, ld.Unit)
	}
	for _, p := range c.solvers {
		if p == ld {
			continue
		}
		p.dt = ld.Unit.Convert(ld.dt, p.Unit)
		if err := p.h.PrepareTimeStep(p.dt); err != nil {
			return fault.OK(), err
		}
	}
	c.solved, c.iters = false, 0

	if err := c.demand(); err != nil {
		return fault.OK(), err
	}
	if err := c.fire(exchange.BeforeSubstep, nil); err != nil {
		return fault.OK(), err
	}
	for _, p := range c.substeps {
		if err := c.substep(p); err != nil {
			return fault.OK(), err
		}
	}
	if err := c.fire(exchange.AfterSubstep, nil); err != nil {
		return fault.OK(), err
	}
	if err := c.realise(); err != nil {
		return fault.OK(), err
	}

	res := c.Solve()
	if err := res.Err(); err != nil {
		return res, err
	}

	c.state = Advancing
	for _, p := range c.solvers {
		if err := p.h.FinalizeTimeStep(); err != nil {
			return res, err
		}
	}
	if err := c.correct(); err != nil {
		return res, err
	}
	if err := c.fire(exchange.AfterStep, nil); err != nil {
		return res, err
	}
	return res, nil
}

// Solve runs the inner loop of the current step: every solved model takes one
// outer iteration in declaration order, each followed by the "iterate"
// exchanges leaving it, until every converging model reports convergence or
// the iteration cap is hit. Hitting the cap is an advisory. Calling Solve
// again within the same step, or after it, returns the earlier result without
// touching the models. Solving before the first step is a configuration error.
func (c *Coupler) Solve() fault.Result {
	if c.solved {
		return c.lastRes
	}
	if !c.inStep {
		return fault.Fatal(fault.New(fault.Configuration, "couple.Solve", "no time step in progress, coupler is %s", c.state))
	}
	prev := c.state
	c.state = Solving
	defer func() { c.state = prev }()
	res := c.solve()
	c.solved, c.lastRes = true, res
	return res
}

func (c *Coupler) solve() fault.Result {
	for _, p := range c.solvers {
		if err := p.h.PrepareSolve(component); err != nil {
			return fault.Fatal(err)
		}
	}
	converged := false
	for c.iters < c.opts.MaxIterations && !converged {
		c.iters++
		converged = true
		for _, p := range c.solvers {
			ok, err := p.h.Solve(component)
			if err != nil {
				return fault.Fatal(err)
			}
			if p.converging && !ok {
				converged = false
			}
			if err := c.fire(exchange.Iterate, p); err != nil {
				return fault.Fatal(err)
			}
		}
	}
	for _, p := range c.solvers {
		if err := p.h.FinalizeSolve(component); err != nil {
			return fault.Fatal(err)
		}
	}
	c.report.Iterations += c.iters
	c.opts.Metrics.Solved(c.iters, converged)
	if converged {
		return fault.OK()
	}
	c.report.Unconverged++
	a := fault.Advisory{
		Kind: fault.ConvergenceNotReached,
		Op:   "couple.Solve",
		Msg:  "inner loop hit the iteration cap",
		Step: c.report.Steps + 1,
		Time: c.time,
	}
	c.opts.Logger.Warn().Int("iterations", c.iters).Float64("time", c.time).Msg("convergence not reached")
	return fault.Advise(a)
}

// substep updates p until its clock reaches the leader's, comparing both in
// the coarser of their units.
func (c *Coupler) substep(p *participant) error {
	coarse := p.Unit
	if c.leader.Unit > coarse {
		coarse = c.leader.Unit
	}
	goal := c.leader.Unit.Convert(c.time, coarse)
	eps := c.opts.SubstepEpsilon
	for {
		t, err := p.h.CurrentTime()
		if err != nil {
			return err
		}
		now := p.Unit.Convert(t, coarse)
		if now >= goal-eps {
			return nil
		}
		if err := p.h.Update(); err != nil {
			return err
		}
		t1, err := p.h.CurrentTime()
		if err != nil {
			return err
		}
		if p.Unit.Convert(t1, coarse) <= now {
			return fault.New(fault.ForeignCall, p.Name+".Update", "clock stuck at %g %s", t1, p.Unit)
		}
		if p.dt, err = p.h.TimeStep(); err != nil {
			return err
		}
		c.report.Substeps++
		c.opts.Metrics.Substep(p.Name)
		if err := c.fire(exchange.Substep, nil); err != nil {
			return err
		}
	}
}

// demand opens every ledger for the step, pushes the contributions and hands
// the summed demand to the receiving model.
func (c *Coupler) demand() error {
	for _, l := range c.ledgers {
		if l.l == nil {
			continue
		}
		l.l.Reset()
		for _, ct := range l.contribs {
			if !ct.active {
				continue
			}
			if err := ct.ch.Exchange(); err != nil {
				return err
			}
			c.opts.Metrics.Exchange(ct.Label)
		}
		sum, err := l.l.Sum()
		if err != nil {
			return err
		}
		dv, err := l.demand.Values()
		if err != nil {
			return err
		}
		copy(dv, sum)
	}
	return nil
}

func (c *Coupler) realise() error {
	for _, l := range c.ledgers {
		if l.l == nil {
			continue
		}
		rv, err := l.realised.Values()
		if err != nil {
			return err
		}
		if err := l.l.ComputeRealised(rv); err != nil {
			return err
		}
		if s := l.l.TotalShortage(); s > 0. {
			c.opts.Logger.Debug().Str("balance", l.spec.Name).Float64("shortage", s).Float64("time", c.time).Msg("demand not realised")
		}
		c.opts.Metrics.Shortage(l.spec.Name, l.l.TotalShortage())
	}
	return nil
}

// correct maps each contribution's realised-minus-demand back onto the
// contributing elements, in proportion to what each element sent this step.
func (c *Coupler) correct() error {
	for _, l := range c.ledgers {
		if l.l == nil {
			continue
		}
		for _, ct := range l.contribs {
			if !ct.active || ct.corr == nil {
				continue
			}
			d, err := l.l.Correction(ct.Label)
			if err != nil {
				return err
			}
			if err := c.distribute(ct, d); err != nil {
				return err
			}
		}
		if err := l.l.Consume(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coupler) distribute(ct *contribution, d []float64) error {
	opname := "couple.correct " + ct.Label
	nsrc, ntgt := ct.ch.Src.Len(), ct.ch.Tgt.Len()
	p := ct.ch.Pairs()
	w, err := mapping.WeightFromFluxDistribution(p, ct.ch.Sent())
	if err != nil {
		return fault.Wrap(fault.Mapping, opname, err)
	}
	inv, mask, err := mapping.Invert(p, nsrc, ntgt, w)
	if err != nil {
		return fault.Wrap(fault.Mapping, opname, err)
	}
	if b, err := ct.ch.ConvB.Eval(ntgt); err != nil {
		return fault.Wrap(fault.ForeignCall, opname, err)
	} else if b != nil {
		for i := range d {
			d[i] *= b[i]
		}
	}
	a, err := ct.ch.ConvA.Eval(nsrc)
	if err != nil {
		return fault.Wrap(fault.ForeignCall, opname, err)
	}
	out := make([]float64, nsrc)
	inv.MulVec(out, d)
	cv, err := ct.corr.Values()
	if err != nil {
		return err
	}
	for i, keep := range mask {
		if keep {
			continue
		}
		v := out[i]
		if a != nil {
			if a[i] == 0. || math.IsNaN(a[i]) {
				v = 0.
			} else {
				v /= a[i]
			}
		}
		cv[i] = v
	}
	return nil
}

// Time is the leader's current time.
func (c *Coupler) Time() float64 { return c.time }

// EndTime is the leader's end time.
func (c *Coupler) EndTime() float64 { return c.end }

// Done reports whether the leader has reached its end time.
func (c *Coupler) Done() bool {
	return c.end-c.time <= 1e-9*math.Max(1., math.Abs(c.end))
}
