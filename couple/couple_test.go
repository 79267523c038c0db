package couple_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/maseology/coupler/config"
	"github.com/maseology/coupler/couple"
	"github.com/maseology/coupler/exchange"
	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
	"github.com/maseology/coupler/monitor"
	"github.com/maseology/coupler/xmi"
	"github.com/maseology/coupler/xmi/xmitest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nop = zerolog.Nop()

func pairs(src, tgt []int) *mapping.Pairs {
	return &mapping.Pairs{Source: src, Target: tgt}
}

func ep(s string) config.Endpoint {
	e, err := config.ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return e
}

type record struct {
	label string
	t     float64
}

type memSink struct{ recs []record }

func (s *memSink) Record(label string, t float64, _ []float64) error {
	s.recs = append(s.recs, record{label, t})
	return nil
}

func (s *memSink) times(label string) []float64 {
	var ts []float64
	for _, r := range s.recs {
		if r.label == label {
			ts = append(ts, r.t)
		}
	}
	return ts
}

// gw leads in daily steps and needs two iterations per step; sw follows.
func twoModels() (*xmitest.Model, *xmitest.Model) {
	gw := xmitest.New("gw", 3, 1)
	gw.Lead, gw.ConvergeAfter = true, 2
	gw.Arrays["HEAD"] = []float64{1, 2, 3}
	gw.Arrays["RCH"] = []float64{0, 0}
	sw := xmitest.New("sw", 3, 1)
	sw.ConvergeAfter = 1
	sw.Arrays["LEVEL"] = []float64{0, 0}
	sw.Arrays["Q"] = []float64{5, 7}
	return gw, sw
}

func twoModelBuilder(gw, sw *xmitest.Model, o couple.Options) *couple.Builder {
	o.Logger = &nop
	return couple.NewBuilder().
		Model(couple.Participant{Name: "gw", Role: couple.Leader, Unit: xmi.Day, Model: gw}).
		Model(couple.Participant{Name: "sw", Role: couple.Iterative, Unit: xmi.Day, Model: sw}).
		Exchange(couple.Link{Label: "stage", Source: ep("gw:HEAD"), Target: ep("sw:LEVEL"),
			Pairs: pairs([]int{0, 1, 2}, []int{0, 0, 1}), Phase: exchange.BeforeStep}).
		Exchange(couple.Link{Label: "flux", Source: ep("sw:Q"), Target: ep("gw:RCH"),
			Pairs: pairs([]int{0, 1}, []int{1, 0}), Phase: exchange.Iterate}).
		Options(o)
}

func TestRunToEnd(t *testing.T) {
	gw, sw := twoModels()
	sink := &memSink{}
	c, err := twoModelBuilder(gw, sw, couple.Options{Sink: sink}).Build()
	require.NoError(t, err)
	assert.Equal(t, couple.Uninitialized, c.State())
	require.NoError(t, c.Initialize())

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Steps)
	assert.Equal(t, 6, rep.Iterations)
	assert.Zero(t, rep.Unconverged)
	assert.Empty(t, rep.Advisories)
	assert.Equal(t, 0., rep.Start)
	assert.Equal(t, 3., rep.End)
	assert.True(t, c.Done())

	assert.Equal(t, []float64{3, 3}, sw.Arrays["LEVEL"])
	assert.Equal(t, []float64{7, 5}, gw.Arrays["RCH"])
	assert.Equal(t, 3, gw.Count("PrepareTimeStep"))
	assert.Equal(t, 3, sw.Count("PrepareTimeStep"))
	assert.Equal(t, 3., sw.Time(), "dt propagated from the leader")
	assert.Equal(t, 6, sw.Count("Solve"))
	assert.Equal(t, 3, gw.Count("FinalizeTimeStep"))

	assert.Equal(t, []float64{0, 1, 2}, sink.times("stage"), "before_step fires ahead of the leader")
	assert.Len(t, sink.times("flux"), 6, "iterate fires after every solve of its source")

	require.NoError(t, c.Finalize())
	assert.Equal(t, couple.Finalized, c.State())
	assert.Equal(t, 1, gw.Count("Finalize"))
	assert.Equal(t, 1, sw.Count("Finalize"))
}

func TestSolveIsIdempotent(t *testing.T) {
	gw, sw := twoModels()
	c, err := twoModelBuilder(gw, sw, couple.Options{}).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	first, err := c.Step()
	require.NoError(t, err)

	before := gw.Mutations() + sw.Mutations()
	again := c.Solve()
	assert.Equal(t, before, gw.Mutations()+sw.Mutations())
	assert.Equal(t, first, again)
	assert.Equal(t, 2, c.Report().Iterations)
}

func TestConvergenceNotReachedIsAdvisory(t *testing.T) {
	gw, sw := twoModels()
	gw.ConvergeAfter = 100
	c, err := twoModelBuilder(gw, sw, couple.Options{MaxIterations: 5}).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())

	res, err := c.Step()
	require.NoError(t, err)
	assert.False(t, res.Failed())
	require.Len(t, res.Advisories(), 1)
	assert.Equal(t, fault.ConvergenceNotReached, res.Advisories()[0].Kind)
	assert.Equal(t, 1., res.Advisories()[0].Time)
	assert.Equal(t, 5, gw.Count("Solve"))
	assert.Equal(t, couple.Advancing, c.State())
	assert.Equal(t, 1, c.Report().Unconverged)

	_, err = c.Step()
	require.NoError(t, err, "the next step proceeds")
}

func TestConvergeOnAllNamedModels(t *testing.T) {
	gw, sw := twoModels()
	gw.ConvergeAfter, sw.ConvergeAfter = 1, 3
	c, err := twoModelBuilder(gw, sw, couple.Options{Converge: []string{"gw", "sw"}}).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	_, err = c.Step()
	require.NoError(t, err)
	assert.Equal(t, 3, gw.Count("Solve"))
}

func TestForeignFailureStopsTheRun(t *testing.T) {
	gw, sw := twoModels()
	gw.Fail["Solve"] = errors.New("matrix singular")
	c, err := twoModelBuilder(gw, sw, couple.Options{}).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())

	res, err := c.Step()
	require.Error(t, err)
	assert.True(t, res.Failed())
	assert.True(t, fault.Is(err, fault.ForeignCall))
	assert.Contains(t, err.Error(), "gw.Solve")
	assert.Equal(t, couple.Failed, c.State())

	_, err = c.Step()
	assert.True(t, fault.Is(err, fault.Configuration), "no step after failure")

	require.NoError(t, c.Finalize())
	assert.Equal(t, 1, gw.Count("Finalize"))
	assert.Equal(t, 1, sw.Count("Finalize"))
}

func TestInitializeFailureFinalizesEarlierModels(t *testing.T) {
	a, b, d := xmitest.New("a", 1, 1), xmitest.New("b", 1, 1), xmitest.New("d", 1, 1)
	b.Fail["Initialize"] = errors.New("missing input")
	c, err := couple.NewBuilder().
		Model(couple.Participant{Name: "a", Role: couple.Leader, Model: a}).
		Model(couple.Participant{Name: "b", Model: b}).
		Model(couple.Participant{Name: "d", Model: d}).
		Options(couple.Options{Logger: &nop}).
		Build()
	require.NoError(t, err)

	err = c.Initialize()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ForeignCall))
	assert.Equal(t, couple.Failed, c.State())
	assert.Equal(t, "Initialize,Finalize", a.Trace())
	assert.Equal(t, 0, b.Count("Finalize"))
	assert.Equal(t, 0, d.Count("Initialize"))
}

func TestFinalizeJoinsErrors(t *testing.T) {
	gw, sw := twoModels()
	gw.Fail["Finalize"] = errors.New("cannot write budget")
	c, err := twoModelBuilder(gw, sw, couple.Options{}).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())

	err = c.Finalize()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ForeignCall))
	assert.Equal(t, 1, sw.Count("Finalize"), "a failing model does not stop the others")
}

func TestSubstepsInSeconds(t *testing.T) {
	gw := xmitest.New("gw", 2, 1)
	gw.Lead, gw.ConvergeAfter = true, 1
	gw.Arrays["RCH"] = []float64{0}
	uz := xmitest.New("uz", 2*86400, 21600)
	uz.Arrays["PERC"] = []float64{1.5}
	sink := &memSink{}

	c, err := couple.NewBuilder().
		Model(couple.Participant{Name: "gw", Role: couple.Leader, Unit: xmi.Day, Model: gw}).
		Model(couple.Participant{Name: "uz", Role: couple.Substep, Unit: xmi.Second, Model: uz}).
		Exchange(couple.Link{Label: "zero", Source: ep("uz:PERC"), Target: ep("gw:RCH"),
			Pairs: pairs([]int{0}, []int{0}), Phase: exchange.BeforeSubstep, ConvA: []config.Term{{Kind: config.ScalarTerm}}}).
		Exchange(couple.Link{Label: "perc", Source: ep("uz:PERC"), Target: ep("gw:RCH"),
			Pairs: pairs([]int{0}, []int{0}), Phase: exchange.Substep, Accumulate: true}).
		Options(couple.Options{Logger: &nop, Sink: sink}).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Steps)
	assert.Equal(t, 8, rep.Substeps)
	assert.Equal(t, 8, uz.Count("Update"))
	assert.Equal(t, 0, uz.Count("PrepareTimeStep"))
	assert.Equal(t, 0, uz.Count("Solve"), "sub-stepping models are not solved")
	assert.Equal(t, 2.*86400, uz.Time())
	assert.Equal(t, []float64{6}, gw.Arrays["RCH"], "four sub-steps accumulated after the reset")
	assert.Len(t, sink.times("perc"), 8)
}

func TestSubstepClockStuck(t *testing.T) {
	gw := xmitest.New("gw", 2, 1)
	gw.Lead, gw.ConvergeAfter = true, 1
	uz := xmitest.New("uz", 2, .25)
	uz.StallUpdate = true
	c, err := couple.NewBuilder().
		Model(couple.Participant{Name: "gw", Role: couple.Leader, Model: gw}).
		Model(couple.Participant{Name: "uz", Role: couple.Substep, Model: uz}).
		Options(couple.Options{Logger: &nop}).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	_, err = c.Step()
	assert.True(t, fault.Is(err, fault.ForeignCall), "%v", err)
	assert.Equal(t, 1, uz.Count("Update"))
}

func TestLedgerCorrection(t *testing.T) {
	gw := xmitest.New("gw", 1, 1)
	gw.Lead, gw.ConvergeAfter = true, 1
	gw.Arrays["RIVQ"] = []float64{-6, -4}
	gw.Arrays["IRR"] = []float64{3}
	gw.Arrays["RIVCORR"] = []float64{0, 0}
	var atFinalize []float64
	gw.OnFinalizeStep = func(m *xmitest.Model) {
		atFinalize = append([]float64(nil), m.Arrays["RIVCORR"]...)
	}
	sw := xmitest.New("sw", 1, 1)
	sw.Arrays["DEMAND"] = []float64{0}
	sw.Arrays["REALISED"] = []float64{0}
	sw.OnUpdate = func(m *xmitest.Model) { m.Arrays["REALISED"][0] = -5 }

	c, err := couple.NewBuilder().
		Model(couple.Participant{Name: "gw", Role: couple.Leader, Model: gw}).
		Model(couple.Participant{Name: "sw", Role: couple.Substep, Model: sw}).
		Balance(couple.LedgerSpec{
			Name:     "surface",
			Demand:   ep("sw:DEMAND"),
			Realised: ep("sw:REALISED"),
			Contributions: []couple.Contribution{
				{Link: couple.Link{Label: "riv", Source: ep("gw:RIVQ"), Pairs: pairs([]int{0, 1}, []int{0, 0})}, Correction: ep("gw:RIVCORR")},
				{Link: couple.Link{Label: "irr", Source: ep("gw:IRR"), Pairs: pairs([]int{0}, []int{0})}},
			},
		}).
		Options(couple.Options{Logger: &nop}).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	_, err = c.Step()
	require.NoError(t, err)

	assert.Equal(t, []float64{-7}, sw.Arrays["DEMAND"])
	assert.Equal(t, []float64{0, 0}, atFinalize, "correction trails the step finalization")
	assert.InDeltaSlice(t, []float64{1.2, .8}, gw.Arrays["RIVCORR"], 1e-12)
	assert.Equal(t, []float64{2}, c.Ledger("surface").Shortage())
}

func TestLedgerShortageOverflow(t *testing.T) {
	gw := xmitest.New("gw", 1, 1)
	gw.Lead, gw.ConvergeAfter = true, 1
	gw.Arrays["Q"] = []float64{-4}
	sw := xmitest.New("sw", 1, 1)
	sw.Arrays["D"], sw.Arrays["R"] = []float64{0}, []float64{0}
	sw.OnUpdate = func(m *xmitest.Model) { m.Arrays["R"][0] = 2 }
	c, err := couple.NewBuilder().
		Model(couple.Participant{Name: "gw", Role: couple.Leader, Model: gw}).
		Model(couple.Participant{Name: "sw", Role: couple.Substep, Model: sw}).
		Balance(couple.LedgerSpec{Name: "b", Demand: ep("sw:D"), Realised: ep("sw:R"),
			Contributions: []couple.Contribution{{Link: couple.Link{Label: "A", Source: ep("gw:Q"), Pairs: pairs([]int{0}, []int{0})}}}}).
		Options(couple.Options{Logger: &nop}).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	_, err = c.Step()
	assert.True(t, fault.Is(err, fault.ShortageOverflow), "%v", err)
}

func TestOptionalExchanges(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "sprinkling.txt")
	build := func(requires bool) (*couple.Coupler, *xmitest.Model) {
		gw := xmitest.New("gw", 1, 1)
		gw.Lead = true
		gw.Arrays["A"], gw.Arrays["B"] = []float64{1}, []float64{0}
		irr := couple.Link{Label: "irrigation", Source: ep("gw:A"), Target: ep("gw:B"), Pairs: pairs([]int{0}, []int{0})}
		if requires {
			irr.Requires = []string{"sprinkling"}
		}
		c, err := couple.NewBuilder().
			Model(couple.Participant{Name: "gw", Role: couple.Leader, Model: gw}).
			Exchange(couple.Link{Label: "sprinkling", Source: ep("gw:A"), Target: ep("gw:B"), Table: missing, Optional: true}).
			Exchange(irr).
			Options(couple.Options{Logger: &nop}).
			Build()
		require.NoError(t, err)
		return c, gw
	}

	c, _ := build(false)
	require.NoError(t, c.Initialize())
	assert.Nil(t, c.Channel("sprinkling"))
	assert.NotNil(t, c.Channel("irrigation"))

	c, gw := build(true)
	err := c.Initialize()
	assert.True(t, fault.Is(err, fault.Configuration), "%v", err)
	assert.Equal(t, 1, gw.Count("Finalize"))
}

func TestBuildValidation(t *testing.T) {
	m := func() xmi.Model { return xmitest.New("m", 1, 1) }
	for name, b := range map[string]*couple.Builder{
		"no leader": couple.NewBuilder().Model(couple.Participant{Name: "a", Model: m()}),
		"two leaders": couple.NewBuilder().
			Model(couple.Participant{Name: "a", Role: couple.Leader, Model: m()}).
			Model(couple.Participant{Name: "b", Role: couple.Leader, Model: m()}),
		"duplicate model": couple.NewBuilder().
			Model(couple.Participant{Name: "a", Role: couple.Leader, Model: m()}).
			Model(couple.Participant{Name: "a", Model: m()}),
		"unknown model": couple.NewBuilder().
			Model(couple.Participant{Name: "a", Role: couple.Leader, Model: m()}).
			Exchange(couple.Link{Label: "x", Source: ep("a:Q"), Target: ep("b:Q"), Pairs: pairs(nil, nil)}),
		"duplicate label": couple.NewBuilder().
			Model(couple.Participant{Name: "a", Role: couple.Leader, Model: m()}).
			Exchange(couple.Link{Label: "x", Source: ep("a:Q"), Target: ep("a:R"), Pairs: pairs(nil, nil)}).
			Exchange(couple.Link{Label: "x", Source: ep("a:Q"), Target: ep("a:R"), Pairs: pairs(nil, nil)}),
		"no table": couple.NewBuilder().
			Model(couple.Participant{Name: "a", Role: couple.Leader, Model: m()}).
			Exchange(couple.Link{Label: "x", Source: ep("a:Q"), Target: ep("a:R")}),
		"ledger receiver": couple.NewBuilder().
			Model(couple.Participant{Name: "a", Role: couple.Leader, Model: m()}).
			Balance(couple.LedgerSpec{Name: "b", Demand: ep("a:D"), Realised: ep("a:R"),
				Contributions: []couple.Contribution{{Link: couple.Link{Label: "c", Source: ep("a:Q"), Pairs: pairs(nil, nil)}}}}),
		"converge": couple.NewBuilder().
			Model(couple.Participant{Name: "a", Role: couple.Leader, Model: m()}).
			Options(couple.Options{Converge: []string{"z"}}),
		"requires": couple.NewBuilder().
			Model(couple.Participant{Name: "a", Role: couple.Leader, Model: m()}).
			Exchange(couple.Link{Label: "x", Source: ep("a:Q"), Target: ep("a:R"), Pairs: pairs(nil, nil), Requires: []string{"y"}}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := b.Build()
			assert.True(t, fault.Is(err, fault.Configuration), "%v", err)
		})
	}
}

func TestStepBeforeInitialize(t *testing.T) {
	gw, sw := twoModels()
	c, err := twoModelBuilder(gw, sw, couple.Options{}).Build()
	require.NoError(t, err)
	_, err = c.Step()
	assert.True(t, fault.Is(err, fault.Configuration))
	assert.Zero(t, gw.Mutations())
}

func TestParseRole(t *testing.T) {
	r, err := couple.ParseRole("Leader")
	require.NoError(t, err)
	assert.Equal(t, couple.Leader, r)
	r, err = couple.ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, couple.Iterative, r)
	_, err = couple.ParseRole("follower")
	assert.Error(t, err)
}

func TestRunDumpsAndChecks(t *testing.T) {
	gw, sw := twoModels()
	dir := monitor.Prepare(t.TempDir(), false)
	m := monitor.NewMetrics()
	c, err := twoModelBuilder(gw, sw, couple.Options{
		CheckDir:  dir,
		Metrics:   m,
		Snapshots: monitor.NewSnapshots(dir),
		Dump:      []config.Endpoint{ep("gw:RCH")},
	}).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	assert.FileExists(t, filepath.Join(dir, "stage.fanin.bin"))
	assert.FileExists(t, filepath.Join(dir, "flux.rowsum.bin"))

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Finalize())
	require.Len(t, rep.Snapshots, 1)
	assert.FileExists(t, rep.Snapshots[0])
	assert.Equal(t, "gw_RCH.bin", filepath.Base(rep.Snapshots[0]))

	n, err := testutil.GatherAndCount(m.Registry, "coupler_exchanges_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per exchange label")
}

func TestCorrectionNeedsSummedContribution(t *testing.T) {
	for _, op := range []mapping.Operator{mapping.Average, mapping.Weight} {
		t.Run(op.String(), func(t *testing.T) {
			gw := xmitest.New("gw", 1, 1)
			gw.Lead = true
			sw := xmitest.New("sw", 1, 1)
			_, err := couple.NewBuilder().
				Model(couple.Participant{Name: "gw", Role: couple.Leader, Model: gw}).
				Model(couple.Participant{Name: "sw", Role: couple.Substep, Model: sw}).
				Balance(couple.LedgerSpec{Name: "surface", Demand: ep("sw:DEMAND"), Realised: ep("sw:REALISED"),
					Contributions: []couple.Contribution{{
						Link:       couple.Link{Label: "riv", Source: ep("gw:RIVQ"), Pairs: pairs([]int{0, 1}, []int{0, 0}), Operator: op},
						Correction: ep("gw:RIVCORR"),
					}}}).
				Options(couple.Options{Logger: &nop}).
				Build()
			assert.True(t, fault.Is(err, fault.Configuration), "%v", err)
			assert.Contains(t, err.Error(), "sum operator")
		})
	}
}

func TestSolveOutsideAStep(t *testing.T) {
	gw, sw := twoModels()
	c, err := twoModelBuilder(gw, sw, couple.Options{}).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())

	res := c.Solve()
	require.True(t, res.Failed())
	assert.True(t, fault.Is(res.Err(), fault.Configuration))
	assert.Zero(t, gw.Count("Solve"))
	assert.Zero(t, sw.Count("PrepareSolve"))
	assert.Equal(t, couple.Initialized, c.State())

	_, err = c.Step()
	require.NoError(t, err, "a refused solve leaves the coupler usable")
	assert.Equal(t, 2, gw.Count("Solve"))
}

func TestStepPastEndTime(t *testing.T) {
	gw, sw := twoModels()
	c, err := twoModelBuilder(gw, sw, couple.Options{}).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	_, err = c.Run(context.Background())
	require.NoError(t, err)
	require.True(t, c.Done())

	_, err = c.Step()
	assert.True(t, fault.Is(err, fault.Configuration), "%v", err)
	assert.Equal(t, 3, gw.Count("PrepareTimeStep"))
	assert.Equal(t, 3., c.Time())
}
