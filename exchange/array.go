package exchange

// Array is a vector the channel reads from or writes into. Foreign buffers
// (*xmi.Buffer) and coupler-owned Local slices both satisfy it.
type Array interface {
	Len() int
	Values() ([]float64, error)
}

// Local is a coupler-owned array.
type Local []float64

func (l Local) Len() int                   { return len(l) }
func (l Local) Values() ([]float64, error) { return l, nil }

// Sink receives post-exchange snapshots. Implementations own their storage
// format; values must be copied if retained.
type Sink interface {
	Record(label string, t float64, values []float64) error
}
