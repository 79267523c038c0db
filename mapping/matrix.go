package mapping

import "sort"

// Matrix is a sparse linear operator in compressed sparse row form, shaped
// rows (targets) by cols (sources).
type Matrix struct {
	rows, cols int
	indptr     []int
	indices    []int
	data       []float64
}

// Mask flags target rows that no table row maps to; true means the target
// value is passed through untouched.
type Mask []bool

// Untouched counts the pass-through entries.
func (m Mask) Untouched() int {
	n := 0
	for _, b := range m {
		if b {
			n++
		}
	}
	return n
}

type entry struct {
	col int
	v   float64
}

// fromTriplets assembles a CSR matrix, summing duplicate (row, col) entries.
func fromTriplets(nrows, ncols int, r, c []int, v []float64) *Matrix {
	byrow := make([][]entry, nrows)
	for k := range r {
		byrow[r[k]] = append(byrow[r[k]], entry{c[k], v[k]})
	}
	m := &Matrix{
		rows:    nrows,
		cols:    ncols,
		indptr:  make([]int, nrows+1),
		indices: make([]int, 0, len(r)),
		data:    make([]float64, 0, len(r)),
	}
	for i, es := range byrow {
		sort.SliceStable(es, func(a, b int) bool { return es[a].col < es[b].col })
		for k, e := range es {
			if k > 0 && es[k-1].col == e.col {
				m.data[len(m.data)-1] += e.v
				continue
			}
			m.indices = append(m.indices, e.col)
			m.data = append(m.data, e.v)
		}
		m.indptr[i+1] = len(m.indices)
	}
	return m
}

// Shape returns (rows, cols).
func (m *Matrix) Shape() (int, int) { return m.rows, m.cols }

// NNZ is the number of stored entries.
func (m *Matrix) NNZ() int { return len(m.data) }

// RowNNZ is the number of stored entries in row i.
func (m *Matrix) RowNNZ(i int) int { return m.indptr[i+1] - m.indptr[i] }

// At returns entry (i, j).
func (m *Matrix) At(i, j int) float64 {
	for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
		if m.indices[k] == j {
			return m.data[k]
		}
	}
	return 0.
}

// Row returns the column indices and values of row i. Both slices alias the
// matrix and must not be modified.
func (m *Matrix) Row(i int) ([]int, []float64) {
	a, b := m.indptr[i], m.indptr[i+1]
	return m.indices[a:b], m.data[a:b]
}

// Mask derives the pass-through mask: true for every empty row.
func (m *Matrix) Mask() Mask {
	mask := make(Mask, m.rows)
	for i := range mask {
		mask[i] = m.RowNNZ(i) == 0
	}
	return mask
}

// MulVec computes dst = M·x. dst must have length rows, x length cols.
func (m *Matrix) MulVec(dst, x []float64) {
	for i := 0; i < m.rows; i++ {
		s := 0.
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			s += m.data[k] * x[m.indices[k]]
		}
		dst[i] = s
	}
}

// Transpose returns a new cols by rows matrix.
func (m *Matrix) Transpose() *Matrix {
	t := &Matrix{
		rows:    m.cols,
		cols:    m.rows,
		indptr:  make([]int, m.cols+1),
		indices: make([]int, len(m.indices)),
		data:    make([]float64, len(m.data)),
	}
	for _, j := range m.indices {
		t.indptr[j+1]++
	}
	for j := 0; j < m.cols; j++ {
		t.indptr[j+1] += t.indptr[j]
	}
	next := make([]int, m.cols)
	copy(next, t.indptr[:m.cols])
	for i := 0; i < m.rows; i++ { // rows visited in order so columns of t stay sorted
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			j := m.indices[k]
			t.indices[next[j]] = i
			t.data[next[j]] = m.data[k]
			next[j]++
		}
	}
	return t
}
