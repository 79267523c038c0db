package xmi

import (
	"fmt"

	"github.com/maseology/coupler/fault"
)

// Handle owns one foreign model for the length of a coupled run. Every call
// made through it is classified as a ForeignCall failure on error, and every
// Buffer it lends is tied to its current lifetime.
type Handle struct {
	Name string
	Unit Unit

	m    Model
	gen  int
	live bool
}

// NewHandle wraps m.
func NewHandle(name string, unit Unit, m Model) *Handle {
	return &Handle{Name: name, Unit: unit, m: m}
}

// Live reports whether the model is initialized.
func (h *Handle) Live() bool { return h.live }

func (h *Handle) wrap(call string, err error) error {
	if err == nil {
		return nil
	}
	return fault.Wrap(fault.ForeignCall, h.Name+"."+call, err)
}

// Initialize starts the model; buffers borrowed before are invalidated.
func (h *Handle) Initialize() error {
	if h.live {
		return fault.New(fault.Configuration, h.Name+".Initialize", "already initialized")
	}
	if err := h.m.Initialize(); err != nil {
		return h.wrap("Initialize", err)
	}
	h.gen++
	h.live = true
	return nil
}

// Finalize stops the model. Finalizing a model that is not live is a no-op.
func (h *Handle) Finalize() error {
	if !h.live {
		return nil
	}
	h.live = false
	h.gen++
	return h.wrap("Finalize", h.m.Finalize())
}

func (h *Handle) Update() error { return h.wrap("Update", h.m.Update()) }

func (h *Handle) PrepareTimeStep(dt float64) error {
	return h.wrap("PrepareTimeStep", h.m.PrepareTimeStep(dt))
}

func (h *Handle) FinalizeTimeStep() error {
	return h.wrap("FinalizeTimeStep", h.m.FinalizeTimeStep())
}

func (h *Handle) PrepareSolve(component int) error {
	return h.wrap("PrepareSolve", h.m.PrepareSolve(component))
}

func (h *Handle) Solve(component int) (bool, error) {
	ok, err := h.m.Solve(component)
	return ok, h.wrap("Solve", err)
}

func (h *Handle) FinalizeSolve(component int) error {
	return h.wrap("FinalizeSolve", h.m.FinalizeSolve(component))
}

func (h *Handle) CurrentTime() (float64, error) {
	t, err := h.m.CurrentTime()
	return t, h.wrap("CurrentTime", err)
}

func (h *Handle) EndTime() (float64, error) {
	t, err := h.m.EndTime()
	return t, h.wrap("EndTime", err)
}

func (h *Handle) TimeStep() (float64, error) {
	t, err := h.m.TimeStep()
	return t, h.wrap("TimeStep", err)
}

// Buffer borrows the named float64 array.
func (h *Handle) Buffer(name string) (*Buffer, error) {
	if !h.live {
		return nil, fault.New(fault.Configuration, h.Name+".Buffer", "%s requested before initialization", name)
	}
	v, err := h.m.Float64s(name)
	if err != nil {
		return nil, h.wrap("Float64s", fmt.Errorf("%s: %w", name, err))
	}
	return &Buffer{Name: name, h: h, gen: h.gen, data: v}, nil
}

// Indices borrows the named int32 array. The slice must not be modified.
func (h *Handle) Indices(name string) ([]int32, error) {
	if !h.live {
		return nil, fault.New(fault.Configuration, h.Name+".Indices", "%s requested before initialization", name)
	}
	v, err := h.m.Int32s(name)
	if err != nil {
		return nil, h.wrap("Int32s", fmt.Errorf("%s: %w", name, err))
	}
	return v, nil
}

// Buffer is a borrowed view of an array owned by a foreign model. It is valid
// only while the lending model stays in the lifetime it was borrowed in; the
// coupler writes through it element-wise and never resizes it.
type Buffer struct {
	Name string
	h    *Handle
	gen  int
	data []float64
}

// Len is the number of elements.
func (b *Buffer) Len() int { return len(b.data) }

// Model is the name of the lending model.
func (b *Buffer) Model() string { return b.h.Name }

// Values returns the live slice or fails when the lending model has since
// been finalized or re-initialized.
func (b *Buffer) Values() ([]float64, error) {
	if !b.h.live || b.gen != b.h.gen {
		return nil, fault.New(fault.ForeignCall, "xmi.Buffer", "%s:%s is stale", b.h.Name, b.Name)
	}
	return b.data, nil
}
