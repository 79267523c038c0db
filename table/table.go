// Package table loads correspondence tables: whitespace-delimited text files
// pairing source and target element indices, optionally weighted, with either
// side optionally keyed by (x, y) coordinates instead of an index.
package table

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
	"github.com/maseology/mmio"
)

// Side of a correspondence.
type Side int

const (
	SourceSide Side = iota
	TargetSide
)

// Layout names the columns of a table file.
type Layout struct {
	Source, Target, Weight string
	X, Y                   string
	Keyed                  Side // side resolved from X, Y when its index column is absent
	ZeroBased              bool
}

// DefaultLayout expects one-based "source" and "target" columns and an
// optional "weight" column.
func DefaultLayout() Layout {
	return Layout{Source: "source", Target: "target", Weight: "weight", X: "x", Y: "y"}
}

// Table is a parsed correspondence table.
type Table struct {
	Name string
	mapping.Pairs
}

type columns struct {
	src, tgt, wgt, x, y int
}

func (l Layout) columns(header []string) columns {
	c := columns{-1, -1, -1, -1, -1}
	for i, h := range header {
		switch {
		case l.Source != "" && strings.EqualFold(h, l.Source):
			c.src = i
		case l.Target != "" && strings.EqualFold(h, l.Target):
			c.tgt = i
		case l.Weight != "" && strings.EqualFold(h, l.Weight):
			c.wgt = i
		case l.X != "" && strings.EqualFold(h, l.X):
			c.x = i
		case l.Y != "" && strings.EqualFold(h, l.Y):
			c.y = i
		}
	}
	return c
}

// Read loads a table file. A missing file returns a Configuration error
// wrapping fs.ErrNotExist.
func Read(fp string, l Layout, loc Locator) (*Table, error) {
	if _, ok := mmio.FileExists(fp); !ok {
		return nil, fault.New(fault.Configuration, "table.Read", "%s: %w", fp, fs.ErrNotExist)
	}
	lns, err := mmio.ReadTextLines(fp)
	if err != nil {
		return nil, fault.Wrap(fault.Configuration, "table.Read", fmt.Errorf("%s: %w", fp, err))
	}
	return Parse(fp, lns, l, loc)
}

// Parse reads table lines. Blank lines and lines starting with '#' are
// skipped; the first remaining line is the header.
func Parse(name string, lines []string, l Layout, loc Locator) (*Table, error) {
	op := "table.Parse " + name
	t := &Table{Name: name}
	var c columns
	header, ncol := true, 0
	for ln, s := range lines {
		s = strings.TrimSpace(s)
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		sp := strings.Fields(s)
		if header {
			c = l.columns(sp)
			if err := c.check(l, loc); err != nil {
				return nil, fault.New(fault.Configuration, op, "%v", err)
			}
			header, ncol = false, len(sp)
			continue
		}
		if len(sp) != ncol {
			return nil, fault.New(fault.Configuration, op, "line %d: %d columns, header has %d", ln+1, len(sp), ncol)
		}
		is, err := l.index(sp, c.src, c, SourceSide, loc)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, op, fmt.Errorf("line %d: %w", ln+1, err))
		}
		it, err := l.index(sp, c.tgt, c, TargetSide, loc)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, op, fmt.Errorf("line %d: %w", ln+1, err))
		}
		t.Source = append(t.Source, is)
		t.Target = append(t.Target, it)
		if c.wgt >= 0 {
			w, err := strconv.ParseFloat(sp[c.wgt], 64)
			if err != nil {
				return nil, fault.New(fault.Configuration, op, "line %d: weight: %v", ln+1, err)
			}
			t.Weight = append(t.Weight, w)
		}
	}
	if header {
		return nil, fault.New(fault.Configuration, op, "empty table")
	}
	return t, nil
}

func (c columns) check(l Layout, loc Locator) error {
	keyed := c.x >= 0 && c.y >= 0
	for _, sd := range []struct {
		col  int
		side Side
		name string
	}{{c.src, SourceSide, l.Source}, {c.tgt, TargetSide, l.Target}} {
		if sd.col >= 0 {
			continue
		}
		if !keyed || l.Keyed != sd.side {
			return fmt.Errorf("missing column %q", sd.name)
		}
		if loc == nil {
			return fmt.Errorf("column %q keyed by (%s, %s) but no locator given", sd.name, l.X, l.Y)
		}
	}
	return nil
}

func (l Layout) index(sp []string, col int, c columns, side Side, loc Locator) (int, error) {
	if col < 0 {
		x, err := strconv.ParseFloat(sp[c.x], 64)
		if err != nil {
			return 0, err
		}
		y, err := strconv.ParseFloat(sp[c.y], 64)
		if err != nil {
			return 0, err
		}
		i, ok := loc.Locate(x, y)
		if !ok {
			return 0, fault.New(fault.Mapping, "table.Locate", "(%g, %g) not found", x, y)
		}
		return i, nil
	}
	i, err := strconv.Atoi(sp[col])
	if err != nil {
		return 0, err
	}
	if !l.ZeroBased {
		i--
	}
	if i < 0 {
		return 0, fault.New(fault.Mapping, "table.index", "index %s below base", sp[col])
	}
	return i, nil
}
