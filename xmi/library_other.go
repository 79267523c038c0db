//go:build !(linux || darwin)

package xmi

import (
	"runtime"

	"github.com/maseology/coupler/fault"
)

// Open is unavailable on this platform.
func Open(lib, workdir, config string) (Model, error) {
	return nil, fault.New(fault.Configuration, "xmi.Open", "shared-library kernels are not supported on %s (%s)", runtime.GOOS, lib)
}
