// Package convergence decides when the model-driven registration loop has
// stabilised, by comparing the deformation fields of consecutive iterations.
//
// The metric makes no assumption that successive changes decrease:
// oscillating or diverging fields simply never satisfy the tolerance, and
// the loop's iteration cap ends the run.
package convergence

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"mdreg/pkg/volume"
)

// Metric selects how per-voxel displacement changes are aggregated.
type Metric string

const (
	// Max is the largest change in displacement length over all voxels
	// and frames
	Max Metric = "max"

	// Mean is the average change in displacement length
	Mean Metric = "mean"
)

// ParseMetric validates a metric name; the empty string selects Max.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", Max:
		return Max, nil
	case Mean:
		return Mean, nil
	default:
		return "", fmt.Errorf("unknown convergence metric %q (want max or mean)", s)
	}
}

// Distance returns the scalar change between two field sets, in voxels.
// All-zero inputs give 0. Field sets that cannot be compared frame by frame
// yield a *volume.ShapeMismatchError.
func Distance(previous, current volume.FieldSet, m Metric) (float64, error) {
	if err := previous.Compatible("convergence metric", current); err != nil {
		return 0, err
	}

	var max, sum float64
	var count int
	var delta []float64
	for i := range current {
		p, c := previous[i], current[i]
		if cap(delta) < c.Dims {
			delta = make([]float64, c.Dims)
		}
		delta = delta[:c.Dims]
		for v := 0; v < c.Shape.Voxels(); v++ {
			floats.SubTo(delta, c.Vector(v), p.Vector(v))
			d := floats.Norm(delta, 2)
			if d > max {
				max = d
			}
			sum += d
			count++
		}
	}

	switch m {
	case Mean:
		if count == 0 {
			return 0, nil
		}
		return sum / float64(count), nil
	default:
		return max, nil
	}
}

// HasConverged reports whether the change between previous and current is
// strictly below tolerance. A tolerance of +Inf always converges; identical
// field sets converge for any positive tolerance.
func HasConverged(previous, current volume.FieldSet, tolerance float64) (bool, error) {
	d, err := Distance(previous, current, Max)
	if err != nil {
		return false, err
	}
	return below(d, tolerance), nil
}

func below(d, tolerance float64) bool {
	if math.IsInf(tolerance, 1) {
		return true
	}
	return d < tolerance
}

// Tracker remembers the previous iteration's fields and the metric history.
type Tracker struct {
	Tolerance float64
	Metric    Metric

	previous volume.FieldSet
	history  []float64
}

// NewTracker starts from the identity fields of the initial estimate, so
// the first observation measures the displacement of the first iteration
// itself.
func NewTracker(shape volume.Shape, frames int, tolerance float64, m Metric) *Tracker {
	return &Tracker{
		Tolerance: tolerance,
		Metric:    m,
		previous:  volume.IdentityFields(shape, frames),
	}
}

// Observe records the fields of a completed iteration and returns the
// metric against the previous iteration and whether it is below tolerance.
func (t *Tracker) Observe(current volume.FieldSet) (float64, bool, error) {
	d, err := Distance(t.previous, current, t.Metric)
	if err != nil {
		return 0, false, err
	}
	t.previous = current
	t.history = append(t.history, d)
	return d, below(d, t.Tolerance), nil
}

// History returns the metric of every observed iteration in order.
func (t *Tracker) History() []float64 {
	return append([]float64(nil), t.history...)
}
