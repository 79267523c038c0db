// Package exchange moves a quantity from one array into another through a
// sparse mapping, with optional unit conversion.
package exchange

import (
	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
)

// Channel couples one source array to one target array:
//
//	target[i] = target[i]                         if mask[i]
//	target[i] = (M·(convA∘source))[i] / convB[i]  otherwise
//
// Without conversions M is the declared operator; with any conversion M is a
// plain sum and the conversions carry the semantics.
type Channel struct {
	Label        string
	Src, Tgt     Array
	Op           mapping.Operator
	ConvA, ConvB Conversion

	pairs      mapping.Pairs
	m, sum     *mapping.Matrix
	mask       mapping.Mask
	accumulate bool
	cache      *mapping.Cache
	sink       Sink
	clock      func() float64

	scaled, out, sent []float64
}

// Option configures a Channel.
type Option func(*Channel)

// WithConversion sets the source multiplier a and the target divisor b.
func WithConversion(a, b Conversion) Option {
	return func(c *Channel) { c.ConvA, c.ConvB = a, b }
}

// WithSink records the target after every exchange, stamped by clock.
func WithSink(s Sink, clock func() float64) Option {
	return func(c *Channel) { c.sink, c.clock = s, clock }
}

// WithCache shares operators between channels built from identical tables.
func WithCache(mc *mapping.Cache) Option {
	return func(c *Channel) { c.cache = mc }
}

// Accumulate adds mapped values to the target instead of overwriting them.
func Accumulate() Option {
	return func(c *Channel) { c.accumulate = true }
}

// New builds a channel. Any shape disagreement between the table, the arrays
// and the conversions is reported here as a configuration or mapping error.
func New(label string, src, tgt Array, p mapping.Pairs, op mapping.Operator, opts ...Option) (*Channel, error) {
	c := &Channel{Label: label, Src: src, Tgt: tgt, Op: op, pairs: p}
	for _, o := range opts {
		o(c)
	}
	nsrc, ntgt := src.Len(), tgt.Len()
	build := mapping.Build
	if c.cache != nil {
		build = c.cache.Build
	}
	var err error
	if c.m, c.mask, err = build(p, nsrc, ntgt, op); err != nil {
		return nil, fault.Wrap(fault.Configuration, "exchange.New "+label, err)
	}
	c.sum = c.m
	if op != mapping.Sum {
		if c.sum, _, err = build(p, nsrc, ntgt, mapping.Sum); err != nil {
			return nil, fault.Wrap(fault.Configuration, "exchange.New "+label, err)
		}
	}
	if err := c.ConvA.Check(nsrc); err != nil {
		return nil, fault.Wrap(fault.Configuration, "exchange.New "+label, err)
	}
	if err := c.ConvB.Check(ntgt); err != nil {
		return nil, fault.Wrap(fault.Configuration, "exchange.New "+label, err)
	}
	c.scaled, c.out, c.sent = make([]float64, nsrc), make([]float64, ntgt), make([]float64, nsrc)
	return c, nil
}

// Pairs returns the correspondence table the channel was built from.
func (c *Channel) Pairs() mapping.Pairs { return c.pairs }

// Matrix returns the declared operator.
func (c *Channel) Matrix() *mapping.Matrix { return c.m }

// Mask returns the pass-through mask.
func (c *Channel) Mask() mapping.Mask { return c.mask }

// Sent returns the source vector (after convA) pushed by the last exchange.
// The slice is reused by the next exchange.
func (c *Channel) Sent() []float64 { return c.sent }

// Exchange evaluates the channel's conversions and applies them.
func (c *Channel) Exchange() error {
	a, err := c.ConvA.Eval(c.Src.Len())
	if err != nil {
		return fault.Wrap(fault.ForeignCall, "exchange "+c.Label, err)
	}
	b, err := c.ConvB.Eval(c.Tgt.Len())
	if err != nil {
		return fault.Wrap(fault.ForeignCall, "exchange "+c.Label, err)
	}
	return c.Apply(a, b)
}

// Apply performs one exchange with explicit conversions; nil means identity.
func (c *Channel) Apply(a, b []float64) error {
	opname := "exchange " + c.Label
	src, err := c.Src.Values()
	if err != nil {
		return fault.Wrap(fault.ForeignCall, opname, err)
	}
	tgt, err := c.Tgt.Values()
	if err != nil {
		return fault.Wrap(fault.ForeignCall, opname, err)
	}
	if len(src) != len(c.sent) || len(tgt) != len(c.out) {
		return fault.New(fault.Configuration, opname, "arrays resized to %d/%d, channel built for %d/%d", len(src), len(tgt), len(c.sent), len(c.out))
	}
	if a != nil && len(a) != len(src) {
		return fault.New(fault.Configuration, opname, "source conversion has %d elements, source %d", len(a), len(src))
	}
	if b != nil && len(b) != len(tgt) {
		return fault.New(fault.Configuration, opname, "target conversion has %d elements, target %d", len(b), len(tgt))
	}

	if a == nil && b == nil {
		copy(c.sent, src)
		c.m.MulVec(c.out, src)
	} else {
		x := src
		if a != nil {
			for i, v := range src {
				c.scaled[i] = a[i] * v
			}
			x = c.scaled
		}
		copy(c.sent, x)
		c.sum.MulVec(c.out, x)
		if b != nil {
			for i, keep := range c.mask {
				if keep {
					continue
				}
				if b[i] == 0. {
					return fault.New(fault.ForeignCall, opname, "zero target conversion at mapped element %d", i)
				}
				c.out[i] /= b[i]
			}
		}
	}

	for i, keep := range c.mask {
		if keep {
			continue
		}
		if c.accumulate {
			tgt[i] += c.out[i]
		} else {
			tgt[i] = c.out[i]
		}
	}

	if c.sink != nil {
		t := 0.
		if c.clock != nil {
			t = c.clock()
		}
		if err := c.sink.Record(c.Label, t, tgt); err != nil {
			return fault.Wrap(fault.Configuration, opname, err)
		}
	}
	return nil
}
