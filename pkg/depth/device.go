package depth

import (
	"github.com/klauspost/cpuid"
	"github.com/pkg/errors"
)

// computeContext is the parallel compute resource the accelerated filter runs on.
type computeContext struct {
	name    string
	workers int
}

// probeDevice reports the logical core count and brand of the host CPU.
// A zero count means the probe could not identify the processor.
var probeDevice = func() (int, string) {
	return cpuid.CPU.LogicalCores, cpuid.CPU.BrandName
}

// acquireComputeContext is called once per Estimator. An error means the
// estimator must fall back to unfiltered output.
func acquireComputeContext(p Params) (*computeContext, error) {
	if p.Filter == FilterOff {
		return nil, errors.New("filtering disabled by configuration")
	}
	if p.FilterWorkers > 0 {
		return &computeContext{name: "configured", workers: p.FilterWorkers}, nil
	}
	cores, brand := probeDevice()
	if cores < 1 {
		return nil, errors.Errorf("no compute device detected (cpu %q)", brand)
	}
	return &computeContext{name: brand, workers: cores}, nil
}
