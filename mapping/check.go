package mapping

import (
	"fmt"

	"github.com/maseology/mmio"
)

// Summary describes an operator for build checks.
type Summary struct {
	Rows, Cols, NNZ   int
	Mapped, Untouched int
	MaxFanIn          int // most sources feeding a single target
	MaxFanOut         int // most targets fed by a single source
}

func (s Summary) String() string {
	return fmt.Sprintf("%d x %d, %d entries, %d targets mapped (%d untouched), max fan-in %d, max fan-out %d",
		s.Rows, s.Cols, s.NNZ, s.Mapped, s.Untouched, s.MaxFanIn, s.MaxFanOut)
}

// Summary counts the operator's structure.
func (m *Matrix) Summary() Summary {
	s := Summary{Rows: m.rows, Cols: m.cols, NNZ: m.NNZ()}
	fo := make([]int, m.cols)
	for i := 0; i < m.rows; i++ {
		n := m.RowNNZ(i)
		if n == 0 {
			s.Untouched++
			continue
		}
		s.Mapped++
		if n > s.MaxFanIn {
			s.MaxFanIn = n
		}
	}
	for _, j := range m.indices {
		fo[j]++
		if fo[j] > s.MaxFanOut {
			s.MaxFanOut = fo[j]
		}
	}
	return s
}

// CheckAndPrint prints the operator summary and writes its per-target fan-in
// and row sums to chkdirprfx+label.*.bin
func (m *Matrix) CheckAndPrint(label, chkdirprfx string) Summary {
	s := m.Summary()
	fmt.Printf("   %-24s %s\n", label, s)
	if chkdirprfx == "" {
		return s
	}
	fanin, rsum := make([]float64, m.rows), make([]float64, m.rows)
	for i := 0; i < m.rows; i++ {
		_, v := m.Row(i)
		fanin[i] = float64(len(v))
		for _, x := range v {
			rsum[i] += x
		}
	}
	mmio.WriteFloats(chkdirprfx+label+".fanin.bin", fanin) // number of contributing sources per target
	mmio.WriteFloats(chkdirprfx+label+".rowsum.bin", rsum) // 1 for avg, n for sum
	return s
}
