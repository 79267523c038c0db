// Package mapping turns correspondence tables between two models' element
// indices into reusable sparse operators and pass-through masks.
package mapping

import (
	"github.com/maseology/coupler/fault"
)

// negligible replaces a zero denominator in weight inversion
const negligible = 1e-30

// Build creates the (ntgt x nsrc) operator for table p and its mask.
//
//	Sum:     every row contributes 1
//	Average: every row contributes 1/n, n the rows sharing its target
//	Weight:  every row contributes its table weight, verbatim
func Build(p Pairs, nsrc, ntgt int, op Operator) (*Matrix, Mask, error) {
	if err := p.Validate(nsrc, ntgt, op); err != nil {
		return nil, nil, err
	}
	v := make([]float64, p.Len())
	switch op {
	case Sum:
		for k := range v {
			v[k] = 1.
		}
	case Average:
		cnt := make(map[int]int, ntgt)
		for _, t := range p.Target {
			cnt[t]++
		}
		for k, t := range p.Target {
			v[k] = 1. / float64(cnt[t])
		}
	case Weight:
		copy(v, p.Weight)
	default:
		return nil, nil, fault.New(fault.Configuration, "mapping.Build", "unsupported operator %d", int(op))
	}
	m := fromTriplets(ntgt, nsrc, p.Target, p.Source, v)
	return m, m.Mask(), nil
}

// WeightFromFluxDistribution derives, for every row of an n:1 table, the share
// of its target's total that the row's source contributed:
//
//	w[k] = flux[Source[k]] / Σ flux[Source[j]] for all j with Target[j] == Target[k]
//
// flux is indexed by source element. A zero total is replaced by 1e-30, so
// targets whose fluxes are all zero get weight 0, while mixed-sign fluxes
// cancelling to zero give very large weights of either sign.
func WeightFromFluxDistribution(p Pairs, flux []float64) ([]float64, error) {
	const opname = "mapping.WeightFromFluxDistribution"
	if len(p.Source) != len(p.Target) {
		return nil, fault.New(fault.Configuration, opname, "%d source indices but %d target indices", len(p.Source), len(p.Target))
	}
	tot := make(map[int]float64)
	for k, s := range p.Source {
		if s < 0 || s >= len(flux) {
			return nil, fault.New(fault.Mapping, opname, "row %d: source index %d outside flux of length %d", k, s, len(flux))
		}
		tot[p.Target[k]] += flux[s]
	}
	w := make([]float64, p.Len())
	for k, s := range p.Source {
		d := tot[p.Target[k]]
		if d == 0. {
			d = negligible
		}
		w[k] = flux[s] / d
	}
	return w, nil
}

// Invert builds the distributing (1:n) operator that sends values from the
// target space of the n:1 table p back onto its sources, with the given
// per-row weights. Its index pairs are the exact transpose of p's, so the
// result has the shape of the forward operator transposed (nsrc x ntgt).
func Invert(p Pairs, nsrc, ntgt int, weights []float64) (*Matrix, Mask, error) {
	q := p.Transpose()
	q.Weight = weights
	return Build(q, ntgt, nsrc, Weight)
}
