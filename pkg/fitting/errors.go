package fitting

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is wrapped by a ModelFitError when a voxel exceeded the
	// per-voxel time budget.
	ErrTimeout = errors.New("fitting: voxel fit timed out")

	// ErrNonFinite is wrapped when a model produced NaN or Inf values.
	ErrNonFinite = errors.New("fitting: non-finite model output")

	// ErrNotConverged is returned by models whose optimizer gave up.
	ErrNotConverged = errors.New("fitting: optimization did not converge")
)

// ModelFitError records a model failure at a single voxel. The Fitter
// recovers from it with the configured fallback.
type ModelFitError struct {
	Voxel int
	Model string
	Err   error
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("model %s failed at voxel %d: %v", e.Model, e.Voxel, e.Err)
}

func (e *ModelFitError) Unwrap() error { return e.Err }
