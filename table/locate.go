package table

import (
	"math"

	"github.com/maseology/coupler/fault"
	"github.com/maseology/goHydro/grid"
)

// Locator resolves a coordinate to an element index.
type Locator interface {
	Locate(x, y float64) (int, bool)
}

type key [2]int64

func keyOf(x, y float64) key {
	return key{int64(math.Round(x * 1000.)), int64(math.Round(y * 1000.))}
}

// PointLocator matches coordinates exactly (to the millimetre) against a set
// of element coordinates.
type PointLocator map[key]int

// NewPointLocator indexes element i at (xs[i], ys[i]).
func NewPointLocator(xs, ys []float64) (PointLocator, error) {
	if len(xs) != len(ys) {
		return nil, fault.New(fault.Configuration, "table.NewPointLocator", "%d x-coordinates, %d y-coordinates", len(xs), len(ys))
	}
	p := make(PointLocator, len(xs))
	for i := range xs {
		k := keyOf(xs[i], ys[i])
		if _, ok := p[k]; !ok {
			p[k] = i
		}
	}
	return p, nil
}

func (p PointLocator) Locate(x, y float64) (int, bool) {
	i, ok := p[keyOf(x, y)]
	return i, ok
}

// GridLocator resolves cell-centroid coordinates of a grid definition to the
// position of the cell in the grid's active ordering.
type GridLocator struct {
	GD *grid.Definition
	PointLocator
}

// ReadGridLocator loads a grid definition (.gdef).
func ReadGridLocator(fp string) (*GridLocator, error) {
	gd, err := grid.ReadGDEF(fp, true)
	if err != nil {
		return nil, fault.Wrap(fault.Configuration, "table.ReadGridLocator", err)
	}
	return NewGridLocator(gd)
}

// NewGridLocator indexes the active cells of gd.
func NewGridLocator(gd *grid.Definition) (*GridLocator, error) {
	if len(gd.Sactives) == 0 {
		return nil, fault.New(fault.Configuration, "table.NewGridLocator", "grid definition has no active cells")
	}
	xs, ys := make([]float64, len(gd.Sactives)), make([]float64, len(gd.Sactives))
	for k, cid := range gd.Sactives {
		xs[k], ys[k] = gd.Coord[cid].X, gd.Coord[cid].Y
	}
	p, err := NewPointLocator(xs, ys)
	if err != nil {
		return nil, err
	}
	return &GridLocator{GD: gd, PointLocator: p}, nil
}
