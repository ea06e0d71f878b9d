// Package fitting fits voxelwise signal models across the series dimension
// of a volume series.
//
// A SignalModel describes how a single voxel's series is reconstructed; the
// Fitter applies it to every voxel of a series in parallel, recovering from
// localized failures with a fallback value so that one bad voxel never
// aborts the whole fit.
package fitting

import (
	"context"
	"fmt"
)

// Constants holds acquisition constants such as flip angles or the
// repetition time. Scalars are stored as one-element slices.
type Constants map[string][]float64

// Scalar returns the first value stored under name.
func (c Constants) Scalar(name string) (float64, error) {
	v, ok := c[name]
	if !ok || len(v) == 0 {
		return 0, fmt.Errorf("missing constant %q", name)
	}
	return v[0], nil
}

// Vector returns the values stored under name, checking that there is one
// value per series index.
func (c Constants) Vector(name string, length int) ([]float64, error) {
	v, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("missing constant %q", name)
	}
	if len(v) != length {
		return nil, fmt.Errorf("constant %q has %d values, series has %d", name, len(v), length)
	}
	return v, nil
}

// SignalModel reconstructs a single voxel's series.
//
// FitVoxel must be deterministic for identical input, must return a fitted
// series of the same length as signal, and one parameter value per name
// returned by Parameters. Implementations should honour ctx deadlines where
// they can; the Fitter enforces its own timeout regardless.
type SignalModel interface {
	// Name identifies the model in logs
	Name() string

	// Parameters lists the names of the fitted parameters, in the order
	// FitVoxel returns them
	Parameters() []string

	// FitVoxel fits one voxel series
	FitVoxel(ctx context.Context, signal []float64, c Constants) (fitted, params []float64, err error)
}

// Preparer is implemented by models that precompute state from the
// constants once per fit (design matrices, abscissae) instead of per voxel.
type Preparer interface {
	Prepare(length int, c Constants) error
}
