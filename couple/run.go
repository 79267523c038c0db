package couple

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/maseology/coupler/fault"
)

// Report summarises a run.
type Report struct {
	Start, End  float64
	Steps       int
	Iterations  int
	Substeps    int
	Unconverged int
	Advisories  []fault.Advisory
	Snapshots   []string
	Elapsed     time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("%d steps from %g to %g, %d iterations (%d unconverged), %d sub-steps in %v",
		r.Steps, r.Start, r.End, r.Iterations, r.Unconverged, r.Substeps, r.Elapsed)
}

// Report returns the counts so far.
func (c *Coupler) Report() Report { return c.report }

// Run steps until the leader reaches its end time or ctx is cancelled, then
// dumps the requested arrays. The caller finalizes.
func (c *Coupler) Run(ctx context.Context) (Report, error) {
	t0 := time.Now()
	defer func() { c.report.Elapsed += time.Since(t0) }()

	var bar *uiprogress.Bar
	if c.opts.Progress && c.leader.dt > 0. {
		n := int(math.Ceil((c.end - c.time) / c.leader.dt))
		uiprogress.Start()
		defer uiprogress.Stop()
		bar = uiprogress.AddBar(n).AppendCompleted().PrependElapsed()
		bar.PrependFunc(func(b *uiprogress.Bar) string {
			return fmt.Sprintf("step %d/%d", b.Current(), n)
		})
	}

	for !c.Done() {
		if err := ctx.Err(); err != nil {
			return c.report, err
		}
		res, err := c.Step()
		c.report.Advisories = append(c.report.Advisories, res.Advisories()...)
		if err != nil {
			return c.report, err
		}
		if bar != nil {
			bar.Incr()
		}
	}
	if err := c.dump(); err != nil {
		return c.report, err
	}
	c.opts.Logger.Info().Int("steps", c.report.Steps).Int("iterations", c.report.Iterations).
		Int("unconverged", c.report.Unconverged).Int("substeps", c.report.Substeps).Msg("run complete")
	return c.report, nil
}

func (c *Coupler) dump() error {
	if c.opts.Snapshots == nil {
		return nil
	}
	for _, e := range c.opts.Dump {
		b, err := c.buffer(e)
		if err != nil {
			return err
		}
		v, err := b.Values()
		if err != nil {
			return err
		}
		c.report.Snapshots = append(c.report.Snapshots, c.opts.Snapshots.Dump(e.String(), v))
	}
	return nil
}
