package balance_test

import (
	"testing"

	"github.com/maseology/coupler/balance"
	"github.com/maseology/coupler/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAB(t *testing.T, opts ...balance.Option) *balance.Ledger {
	t.Helper()
	l, err := balance.New("wells", 1, []string{"A", "B"}, opts...)
	require.NoError(t, err)
	l.Reset()
	require.NoError(t, l.Accumulate("A", []float64{-10}))
	require.NoError(t, l.Accumulate("B", []float64{5}))
	s, err := l.Sum()
	require.NoError(t, err)
	require.Equal(t, []float64{-5}, s)
	return l
}

func TestFullRealisation(t *testing.T) {
	l := newAB(t)
	require.NoError(t, l.ComputeRealised([]float64{-5}))
	a, err := l.Realised("A")
	require.NoError(t, err)
	b, err := l.Realised("B")
	require.NoError(t, err)
	assert.Equal(t, []float64{-10}, a)
	assert.Equal(t, []float64{5}, b)
	assert.Equal(t, []float64{0}, l.Shortage())
}

func TestPartialRealisation(t *testing.T) {
	l := newAB(t)
	require.NoError(t, l.ComputeRealised([]float64{-3}))
	a, _ := l.Realised("A")
	b, _ := l.Realised("B")
	assert.InDelta(t, -8., a[0], 1e-12)
	assert.Equal(t, 5., b[0])
	assert.InDelta(t, 2., l.TotalShortage(), 1e-12)

	c, err := l.Correction("A")
	require.NoError(t, err)
	assert.InDelta(t, 2., c[0], 1e-12)
	c, err = l.Correction("B")
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, c)
}

func TestOverRealisationIsNotAShortage(t *testing.T) {
	l := newAB(t)
	require.NoError(t, l.ComputeRealised([]float64{-7}))
	a, _ := l.Realised("A")
	assert.Equal(t, []float64{-10}, a)
}

func TestShortageOverflow(t *testing.T) {
	l, err := balance.New("riv", 1, []string{"A"})
	require.NoError(t, err)
	l.Reset()
	require.NoError(t, l.Accumulate("A", []float64{-4}))
	_, err = l.Sum()
	require.NoError(t, err)
	err = l.ComputeRealised([]float64{2})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ShortageOverflow))
}

func TestSequentialCascade(t *testing.T) {
	l, err := balance.New("sw", 2, []string{"B", "C", "A"}, balance.WithPriority("A", "C"))
	require.NoError(t, err)
	l.Reset()
	require.NoError(t, l.Accumulate("A", []float64{-3, -1}))
	require.NoError(t, l.Accumulate("C", []float64{-4, -1}))
	require.NoError(t, l.Accumulate("B", []float64{0, 1}))
	_, err = l.Sum()
	require.NoError(t, err)
	require.NoError(t, l.ComputeRealised([]float64{-2, -1}))

	a, _ := l.Realised("A")
	c, _ := l.Realised("C")
	b, _ := l.Realised("B")
	assert.Equal(t, []float64{0, -1}, a)
	assert.Equal(t, []float64{-2, -1}, c)
	assert.Equal(t, []float64{0, 1}, b)
	assert.Equal(t, []float64{5, 0}, l.Shortage())
}

func TestProportional(t *testing.T) {
	l, err := balance.New("sw", 1, []string{"A", "C"}, balance.WithPolicy(balance.Proportional))
	require.NoError(t, err)
	l.Reset()
	require.NoError(t, l.Accumulate("A", []float64{-6}))
	require.NoError(t, l.Accumulate("C", []float64{-2}))
	_, err = l.Sum()
	require.NoError(t, err)
	require.NoError(t, l.ComputeRealised([]float64{-4}))
	a, _ := l.Realised("A")
	c, _ := l.Realised("C")
	assert.InDelta(t, -3., a[0], 1e-12)
	assert.InDelta(t, -1., c[0], 1e-12)
}

func TestBufferWritesCountAsDemand(t *testing.T) {
	l, err := balance.New("drn", 2, []string{"A", "B"})
	require.NoError(t, err)
	l.Reset()
	buf, err := l.Buffer("A")
	require.NoError(t, err)
	buf[0], buf[1] = -1, -2
	require.NoError(t, l.Accumulate("B", []float64{3, 3}))
	s, err := l.Sum()
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1}, s)
}

func TestPhaseOrder(t *testing.T) {
	l, err := balance.New("x", 1, []string{"A"})
	require.NoError(t, err)

	_, err = l.Sum()
	assert.True(t, fault.Is(err, fault.Configuration), "sum before reset")

	l.Reset()
	assert.Error(t, l.ComputeRealised([]float64{0}), "realise before sum")
	_, err = l.Realised("A")
	assert.Error(t, err)

	_, err = l.Sum()
	require.NoError(t, err)
	assert.Error(t, l.Accumulate("A", []float64{1}), "accumulate after sum")
	require.NoError(t, l.ComputeRealised([]float64{0}))
	require.NoError(t, l.Consume())
	_, err = l.Correction("A")
	assert.Error(t, err, "consumed once")
}

func TestNewErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		labels []string
		opts   []balance.Option
	}{
		"none":          {nil, nil},
		"duplicate":     {[]string{"A", "A"}, nil},
		"reserved":      {[]string{"sum"}, nil},
		"priority":      {[]string{"A"}, []balance.Option{balance.WithPriority("Z")}},
		"bad precision": {[]string{"A"}, []balance.Option{balance.WithPrecision(-1)}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := balance.New("x", 1, tc.labels, tc.opts...)
			assert.True(t, fault.Is(err, fault.Configuration), "%v", err)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := balance.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, balance.Sequential, p)
	p, err = balance.ParsePolicy("Proportional")
	require.NoError(t, err)
	assert.Equal(t, balance.Proportional, p)
	_, err = balance.ParsePolicy("lottery")
	assert.Error(t, err)
}
