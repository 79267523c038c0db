package exchange_test

import (
	"math"
	"testing"

	"github.com/maseology/coupler/exchange"
	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	label  string
	t      float64
	values []float64
}

type memSink struct{ recs []record }

func (s *memSink) Record(label string, t float64, v []float64) error {
	s.recs = append(s.recs, record{label, t, append([]float64(nil), v...)})
	return nil
}

var riv = mapping.Pairs{Source: []int{0, 1, 2, 3}, Target: []int{0, 0, 2, 2}}

func TestExchangeDeclaredOperator(t *testing.T) {
	src := exchange.Local{1, 2, 3, 5}
	tgt := exchange.Local{-1, -1, -1}
	c, err := exchange.New("riv", src, tgt, riv, mapping.Average)
	require.NoError(t, err)
	require.NoError(t, c.Apply(nil, nil))
	assert.Equal(t, exchange.Local{1.5, -1, 4}, tgt)
	assert.Equal(t, []float64{1, 2, 3, 5}, c.Sent())
}

func TestExchangeConversionForcesSum(t *testing.T) {
	src := exchange.Local{1, 2, 3, 5}
	tgt := exchange.Local{-1, -1, -1}
	c, err := exchange.New("riv", src, tgt, riv, mapping.Average)
	require.NoError(t, err)

	// volume per cell -> flux per area: times 2, divided by target area
	a := []float64{2, 2, 2, 2}
	b := []float64{3, 1, 4}
	require.NoError(t, c.Apply(a, b))
	assert.Equal(t, exchange.Local{2, -1, 4}, tgt) // (2+4)/3, untouched, (6+10)/4
	assert.Equal(t, []float64{2, 4, 6, 10}, c.Sent())
}

func TestExchangePreservesUntouchedBitForBit(t *testing.T) {
	src := exchange.Local{1, 2, 3, 5}
	nz := math.Copysign(0, -1)
	tgt := exchange.Local{7, nz, 9}
	tgt[1] = nz
	c, err := exchange.New("riv", src, tgt, riv, mapping.Sum)
	require.NoError(t, err)
	require.NoError(t, c.Apply([]float64{1, 1, 1, 1}, []float64{1, 1, 1}))
	assert.Equal(t, math.Float64bits(nz), math.Float64bits(tgt[1]))

	tgt[1] = math.NaN()
	require.NoError(t, c.Apply(nil, nil))
	assert.True(t, math.IsNaN(tgt[1]))
	assert.Equal(t, 3., tgt[0])
	assert.Equal(t, 8., tgt[2])
}

func TestExchangeAccumulate(t *testing.T) {
	src := exchange.Local{1, 1, 1, 1}
	tgt := exchange.Local{0, 10, 0}
	c, err := exchange.New("dfm", src, tgt, riv, mapping.Sum, exchange.Accumulate())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Apply(nil, nil))
	}
	assert.Equal(t, exchange.Local{6, 10, 6}, tgt)
}

func TestExchangeWithConversionTerms(t *testing.T) {
	src := exchange.Local{1, 2, 3, 5}
	tgt := exchange.Local{0, 0, 0}
	area := exchange.Local{10, 20, 40, 80}
	dt := 2.
	conv := exchange.Conversion{exchange.Clock{Name: "dt", F: func() float64 { return dt }}}
	div := exchange.Conversion{
		exchange.Scalar(.5),
		exchange.Field{Name: "area", A: area, Index: []int32{2, 1, 4}}, // one-based gather
	}
	sink := &memSink{}
	c, err := exchange.New("msw-rch", src, tgt, riv, mapping.Sum,
		exchange.WithConversion(conv, div),
		exchange.WithSink(sink, func() float64 { return 3.5 }))
	require.NoError(t, err)
	require.NoError(t, c.Exchange())
	assert.InDeltaSlice(t, []float64{6. / 10., 0, 16. / 40.}, tgt, 1e-15)

	require.Len(t, sink.recs, 1)
	assert.Equal(t, "msw-rch", sink.recs[0].label)
	assert.Equal(t, 3.5, sink.recs[0].t)
	assert.Equal(t, []float64(tgt), sink.recs[0].values)
	assert.Equal(t, "0.5*area", div.String())
}

func TestExchangeSetupErrors(t *testing.T) {
	src, tgt := exchange.Local{1, 2}, exchange.Local{0}

	_, err := exchange.New("bad", src, tgt, mapping.Pairs{Source: []int{0, 2}, Target: []int{0, 0}}, mapping.Sum)
	assert.True(t, fault.Is(err, fault.Mapping))

	_, err = exchange.New("bad", src, tgt, mapping.Pairs{Source: []int{0, 1}, Target: []int{0}}, mapping.Sum)
	assert.True(t, fault.Is(err, fault.Configuration))

	ok := mapping.Pairs{Source: []int{0, 1}, Target: []int{0, 0}}
	_, err = exchange.New("bad", src, tgt, ok, mapping.Sum,
		exchange.WithConversion(exchange.Conversion{exchange.Field{Name: "area", A: exchange.Local{1, 2, 3}}}, nil))
	assert.True(t, fault.Is(err, fault.Configuration))

	_, err = exchange.New("bad", src, tgt, ok, mapping.Sum,
		exchange.WithConversion(nil, exchange.Conversion{exchange.Field{Name: "area", A: exchange.Local{1}, Index: []int32{2}}}))
	assert.True(t, fault.Is(err, fault.Mapping))
}

func TestExchangeZeroDivisor(t *testing.T) {
	src, tgt := exchange.Local{1, 2}, exchange.Local{0, 0}
	c, err := exchange.New("z", src, tgt, mapping.Pairs{Source: []int{0}, Target: []int{0}}, mapping.Sum)
	require.NoError(t, err)
	assert.NoError(t, c.Apply(nil, []float64{1, 0}), "zero divisor on an untouched element is ignored")
	assert.True(t, fault.Is(c.Apply(nil, []float64{0, 1}), fault.ForeignCall), "divisor read from a model at run time")
}

func TestExchangeSharesCachedOperators(t *testing.T) {
	mc := mapping.NewCache()
	a, err := exchange.New("a", exchange.Local{1, 2, 3, 4}, exchange.Local{0, 0, 0}, riv, mapping.Sum, exchange.WithCache(mc))
	require.NoError(t, err)
	b, err := exchange.New("b", exchange.Local{5, 6, 7, 8}, exchange.Local{0, 0, 0}, riv, mapping.Sum, exchange.WithCache(mc))
	require.NoError(t, err)
	assert.Same(t, a.Matrix(), b.Matrix())
}

func TestParsePhase(t *testing.T) {
	for _, p := range exchange.Phases() {
		q, err := exchange.ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, q)
	}
	p, err := exchange.ParsePhase("")
	require.NoError(t, err)
	assert.Equal(t, exchange.BeforeStep, p)
	_, err = exchange.ParsePhase("whenever")
	assert.True(t, fault.Is(err, fault.Configuration))
}
