package monitor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/maseology/mmio"
)

// Series records every exchange of a run, one CSV per label with a row per
// exchange: time followed by the target values. Rows are kept in memory
// and written by Close.
type Series struct {
	dir   string
	mu    sync.Mutex
	lns   map[string][]string
	order []string
}

// NewSeries writes into dir (see Prepare).
func NewSeries(dir string) *Series {
	return &Series{dir: dir, lns: make(map[string][]string)}
}

// Record satisfies exchange.Sink.
func (s *Series) Record(label string, t float64, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lns, ok := s.lns[label]
	if !ok {
		var sb strings.Builder
		sb.WriteString("time")
		for i := range values {
			sb.WriteString(",v" + strconv.Itoa(i))
		}
		lns = []string{sb.String()}
		s.order = append(s.order, label)
	}
	var sb strings.Builder
	sb.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	for _, v := range values {
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	s.lns[label] = append(lns, sb.String())
	return nil
}

// Labels in first-recorded order.
func (s *Series) Labels() []string { return s.order }

// Path of the file holding label.
func (s *Series) Path(label string) string { return s.dir + fileName(label) + seriesExt }

// Close writes every series.
func (s *Series) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wg sync.WaitGroup
	errs := make([]error, len(s.order))
	for i, l := range s.order {
		wg.Add(1)
		go func(i int, l string) {
			defer wg.Done()
			if err := mmio.WriteStrings(s.Path(l), s.lns[l]); err != nil {
				errs[i] = fmt.Errorf("series %s: %w", l, err)
			}
		}(i, l)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
