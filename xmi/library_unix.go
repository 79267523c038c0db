//go:build linux || darwin

package xmi

import (
	"fmt"
	"path/filepath"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/maseology/coupler/fault"
)

const lenErrMessage = 1025 // BMI_LENERRMESSAGE

// library binds the XMI symbols of a shared-library kernel.
type library struct {
	path, workdir, config string
	handle                uintptr

	initialize       func(string) int32
	finalize         func() int32
	update           func() int32
	getCurrentTime   func(*float64) int32
	getEndTime       func(*float64) int32
	getTimeStep      func(*float64) int32
	getValuePtr      func(string, *unsafe.Pointer) int32
	getVarNbytes     func(string, *int32) int32
	getVarItemsize   func(string, *int32) int32
	prepareTimeStep  func(float64) int32
	finalizeTimeStep func() int32
	prepareSolve     func(int32) int32
	solve            func(int32, *int32) int32
	finalizeSolve    func(int32) int32
	getLastError     func(*byte) int32
}

// Open loads an XMI kernel. config is resolved against workdir; the process
// working directory is left alone.
func Open(lib, workdir, config string) (Model, error) {
	const opname = "xmi.Open"
	h, err := purego.Dlopen(lib, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fault.New(fault.Configuration, opname, "%s: %w", lib, err)
	}
	if !filepath.IsAbs(config) {
		config = filepath.Join(workdir, config)
	}
	l := &library{path: lib, workdir: workdir, config: config, handle: h}
	syms := []struct {
		fptr     any
		name     string
		optional bool
	}{
		{&l.initialize, "initialize", false},
		{&l.finalize, "finalize", false},
		{&l.update, "update", false},
		{&l.getCurrentTime, "get_current_time", false},
		{&l.getEndTime, "get_end_time", false},
		{&l.getTimeStep, "get_time_step", false},
		{&l.getValuePtr, "get_value_ptr", false},
		{&l.getVarNbytes, "get_var_nbytes", false},
		{&l.getVarItemsize, "get_var_itemsize", false},
		{&l.prepareTimeStep, "prepare_time_step", true},
		{&l.finalizeTimeStep, "finalize_time_step", true},
		{&l.prepareSolve, "prepare_solve", true},
		{&l.solve, "solve", true},
		{&l.finalizeSolve, "finalize_solve", true},
		{&l.getLastError, "get_last_bmi_error", true},
	}
	for _, s := range syms {
		sym, err := purego.Dlsym(h, s.name)
		if err != nil {
			if s.optional {
				continue
			}
			purego.Dlclose(h)
			return nil, fault.New(fault.Configuration, opname, "%s: missing symbol %s", lib, s.name)
		}
		purego.RegisterFunc(s.fptr, sym)
	}
	return l, nil
}

func (l *library) check(call string, rc int32) error {
	if rc == 0 {
		return nil
	}
	msg := ""
	if l.getLastError != nil {
		buf := make([]byte, lenErrMessage)
		l.getLastError(&buf[0])
		for i, b := range buf {
			if b == 0 {
				msg = string(buf[:i])
				break
			}
		}
	}
	return fmt.Errorf("%s: %s returned %d %s", filepath.Base(l.path), call, rc, msg)
}

func (l *library) missing(call string) error {
	return fmt.Errorf("%s: %s not exported", filepath.Base(l.path), call)
}

func (l *library) Initialize() error { return l.check("initialize", l.initialize(l.config)) }

// Finalize leaves the library loaded: XMI kernels are not safe to dlclose.
func (l *library) Finalize() error { return l.check("finalize", l.finalize()) }

func (l *library) Update() error { return l.check("update", l.update()) }

func (l *library) PrepareTimeStep(dt float64) error {
	if l.prepareTimeStep == nil {
		return l.missing("prepare_time_step")
	}
	return l.check("prepare_time_step", l.prepareTimeStep(dt))
}

func (l *library) FinalizeTimeStep() error {
	if l.finalizeTimeStep == nil {
		return l.missing("finalize_time_step")
	}
	return l.check("finalize_time_step", l.finalizeTimeStep())
}

func (l *library) PrepareSolve(component int) error {
	if l.prepareSolve == nil {
		return l.missing("prepare_solve")
	}
	return l.check("prepare_solve", l.prepareSolve(int32(component)))
}

func (l *library) Solve(component int) (bool, error) {
	if l.solve == nil {
		return false, l.missing("solve")
	}
	var conv int32
	if err := l.check("solve", l.solve(int32(component), &conv)); err != nil {
		return false, err
	}
	return conv == 1, nil
}

func (l *library) FinalizeSolve(component int) error {
	if l.finalizeSolve == nil {
		return l.missing("finalize_solve")
	}
	return l.check("finalize_solve", l.finalizeSolve(int32(component)))
}

func (l *library) CurrentTime() (float64, error) {
	var t float64
	return t, l.check("get_current_time", l.getCurrentTime(&t))
}

func (l *library) EndTime() (float64, error) {
	var t float64
	return t, l.check("get_end_time", l.getEndTime(&t))
}

func (l *library) TimeStep() (float64, error) {
	var t float64
	return t, l.check("get_time_step", l.getTimeStep(&t))
}

func (l *library) pointer(name string, itemsize int32) (unsafe.Pointer, int, error) {
	var nb, is int32
	if err := l.check("get_var_itemsize", l.getVarItemsize(name, &is)); err != nil {
		return nil, 0, err
	}
	if is != itemsize {
		return nil, 0, fmt.Errorf("%s has item size %d, want %d", name, is, itemsize)
	}
	if err := l.check("get_var_nbytes", l.getVarNbytes(name, &nb)); err != nil {
		return nil, 0, err
	}
	var p unsafe.Pointer
	if err := l.check("get_value_ptr", l.getValuePtr(name, &p)); err != nil {
		return nil, 0, err
	}
	if p == nil {
		return nil, 0, fmt.Errorf("%s: null pointer", name)
	}
	return p, int(nb / is), nil
}

func (l *library) Float64s(name string) ([]float64, error) {
	p, n, err := l.pointer(name, 8)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*float64)(p), n), nil
}

func (l *library) Int32s(name string) ([]int32, error) {
	p, n, err := l.pointer(name, 4)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*int32)(p), n), nil
}
