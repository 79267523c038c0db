// Package xmitest provides an in-memory xmi.Model for tests.
package xmitest

import (
	"fmt"
	"strings"
)

// Model is a scripted kernel. With Lead set, PrepareTimeStep ignores the
// requested step and advances the clock by Dt (the way a groundwater kernel
// dictates its own stress periods); otherwise a positive requested dt is used.
// Update always advances by Dt.
type Model struct {
	Name           string
	Start, End, Dt float64
	Lead           bool
	ConvergeAfter  int // iterations per time step before Solve reports convergence
	Arrays         map[string][]float64
	Ints           map[string][]int32
	Fail           map[string]error // call name -> error returned by that call
	StallUpdate    bool             // Update leaves the clock unchanged
	OnSolve        func(m *Model, iter int)
	OnUpdate       func(m *Model)
	OnPrepare      func(m *Model, dt float64)
	OnFinalizeStep func(m *Model)
	Calls          []string

	t, step float64
	iter    int
}

// New returns a model running from 0 to end in steps of dt.
func New(name string, end, dt float64) *Model {
	return &Model{
		Name:   name,
		End:    end,
		Dt:     dt,
		Arrays: make(map[string][]float64),
		Ints:   make(map[string][]int32),
		Fail:   make(map[string]error),
	}
}

// Time is the model clock.
func (m *Model) Time() float64 { return m.t }

// Count is the number of calls made to the named method.
func (m *Model) Count(call string) int {
	n := 0
	for _, c := range m.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// Mutations counts calls that change model state.
func (m *Model) Mutations() int {
	n := 0
	for _, c := range m.Calls {
		switch c {
		case "CurrentTime", "EndTime", "TimeStep", "Float64s", "Int32s":
		default:
			n++
		}
	}
	return n
}

// Trace joins the call log.
func (m *Model) Trace() string { return strings.Join(m.Calls, ",") }

func (m *Model) call(name string) error {
	m.Calls = append(m.Calls, name)
	if err, ok := m.Fail[name]; ok {
		return err
	}
	return nil
}

func (m *Model) Initialize() error {
	if err := m.call("Initialize"); err != nil {
		return err
	}
	m.t, m.step, m.iter = m.Start, m.Dt, 0
	return nil
}

func (m *Model) Finalize() error { return m.call("Finalize") }

func (m *Model) Update() error {
	if err := m.call("Update"); err != nil {
		return err
	}
	if !m.StallUpdate {
		m.t += m.Dt
	}
	if m.OnUpdate != nil {
		m.OnUpdate(m)
	}
	return nil
}

func (m *Model) PrepareTimeStep(dt float64) error {
	if err := m.call("PrepareTimeStep"); err != nil {
		return err
	}
	m.step = m.Dt
	if !m.Lead && dt > 0. {
		m.step = dt
	}
	m.t += m.step
	m.iter = 0
	if m.OnPrepare != nil {
		m.OnPrepare(m, dt)
	}
	return nil
}

func (m *Model) FinalizeTimeStep() error {
	if err := m.call("FinalizeTimeStep"); err != nil {
		return err
	}
	if m.OnFinalizeStep != nil {
		m.OnFinalizeStep(m)
	}
	return nil
}

func (m *Model) PrepareSolve(int) error { return m.call("PrepareSolve") }

func (m *Model) Solve(int) (bool, error) {
	if err := m.call("Solve"); err != nil {
		return false, err
	}
	m.iter++
	if m.OnSolve != nil {
		m.OnSolve(m, m.iter)
	}
	return m.iter >= m.ConvergeAfter, nil
}

func (m *Model) FinalizeSolve(int) error { return m.call("FinalizeSolve") }

func (m *Model) CurrentTime() (float64, error) { return m.t, m.call("CurrentTime") }

func (m *Model) EndTime() (float64, error) { return m.End, m.call("EndTime") }

func (m *Model) TimeStep() (float64, error) { return m.step, m.call("TimeStep") }

func (m *Model) Float64s(name string) ([]float64, error) {
	if err := m.call("Float64s"); err != nil {
		return nil, err
	}
	v, ok := m.Arrays[name]
	if !ok {
		return nil, fmt.Errorf("%s: no variable %q", m.Name, name)
	}
	return v, nil
}

func (m *Model) Int32s(name string) ([]int32, error) {
	if err := m.call("Int32s"); err != nil {
		return nil, err
	}
	v, ok := m.Ints[name]
	if !ok {
		return nil, fmt.Errorf("%s: no variable %q", m.Name, name)
	}
	return v, nil
}
