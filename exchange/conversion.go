package exchange

import (
	"fmt"
	"strings"

	"github.com/maseology/coupler/fault"
)

// Term is one factor of a Conversion.
type Term interface {
	// Apply multiplies dst element-wise by the term.
	Apply(dst []float64) error
	// Check verifies the term can serve an array of n elements.
	Check(n int) error
	String() string
}

// Scalar is a constant factor.
type Scalar float64

func (s Scalar) Apply(dst []float64) error {
	for i := range dst {
		dst[i] *= float64(s)
	}
	return nil
}

func (s Scalar) Check(int) error { return nil }
func (s Scalar) String() string  { return fmt.Sprintf("%g", float64(s)) }

// Clock is a factor read at exchange time, such as the current step length.
type Clock struct {
	Name string
	F    func() float64
}

func (c Clock) Apply(dst []float64) error {
	v := c.F()
	for i := range dst {
		dst[i] *= v
	}
	return nil
}

func (c Clock) Check(int) error { return nil }
func (c Clock) String() string  { return c.Name }

// Field is a per-element factor taken from an array, optionally gathered
// through a one-based index list (e.g. cell areas of a package's node list).
type Field struct {
	Name  string
	A     Array
	Index []int32
}

func (f Field) Check(n int) error {
	const opname = "exchange.Field"
	if f.Index == nil {
		if f.A.Len() != n {
			return fault.New(fault.Configuration, opname, "%s has %d elements, exchange needs %d", f.Name, f.A.Len(), n)
		}
		return nil
	}
	if len(f.Index) != n {
		return fault.New(fault.Configuration, opname, "%s index has %d elements, exchange needs %d", f.Name, len(f.Index), n)
	}
	for k, j := range f.Index {
		if j < 1 || int(j) > f.A.Len() {
			return fault.New(fault.Mapping, opname, "%s index %d: %d outside [1,%d]", f.Name, k, j, f.A.Len())
		}
	}
	return nil
}

func (f Field) Apply(dst []float64) error {
	v, err := f.A.Values()
	if err != nil {
		return err
	}
	if f.Index == nil {
		for i := range dst {
			dst[i] *= v[i]
		}
		return nil
	}
	for i, j := range f.Index {
		dst[i] *= v[j-1]
	}
	return nil
}

func (f Field) String() string { return f.Name }

// Conversion is a product of terms; empty means identity.
type Conversion []Term

// Check verifies every term against n elements.
func (c Conversion) Check(n int) error {
	for _, t := range c {
		if err := t.Check(n); err != nil {
			return err
		}
	}
	return nil
}

// Eval returns the n conversion factors, or nil for an empty conversion.
func (c Conversion) Eval(n int) ([]float64, error) {
	if len(c) == 0 {
		return nil, nil
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = 1.
	}
	for _, t := range c {
		if err := t.Apply(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (c Conversion) String() string {
	if len(c) == 0 {
		return "1"
	}
	s := make([]string, len(c))
	for i, t := range c {
		s[i] = t.String()
	}
	return strings.Join(s, "*")
}
