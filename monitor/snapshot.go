package monitor

import (
	"sync"

	"github.com/maseology/mmio"
)

// Snapshots dumps arrays as binary float64 files without blocking the
// caller. Wait must be called before the process exits.
type Snapshots struct {
	dir string
	wg  sync.WaitGroup
}

func NewSnapshots(dir string) *Snapshots { return &Snapshots{dir: dir} }

type snapshot struct {
	v  []float64
	fp string
}

func (s *snapshot) print(wg *sync.WaitGroup) {
	defer wg.Done()
	mmio.WriteFloats(s.fp, s.v)
}

// Dump copies v and writes it to <dir><name>.bin.
func (s *Snapshots) Dump(name string, v []float64) string {
	ss := &snapshot{v: append([]float64(nil), v...), fp: s.dir + fileName(name) + snapshotExt}
	s.wg.Add(1)
	go ss.print(&s.wg)
	return ss.fp
}

// Wait blocks until every dump is written.
func (s *Snapshots) Wait() { s.wg.Wait() }
