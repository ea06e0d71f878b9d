package convergence

import (
	"errors"
	"math"
	"testing"

	"mdreg/pkg/volume"
)

func shiftedFields(shape volume.Shape, frames int, ux float64) volume.FieldSet {
	fs := volume.IdentityFields(shape, frames)
	for _, f := range fs {
		for v := 0; v < shape.Voxels(); v++ {
			f.Vector(v)[0] = ux
		}
	}
	return fs
}

// TestDistanceZeroFields must be well defined for all-zero inputs
func TestDistanceZeroFields(t *testing.T) {
	shape := volume.Shape{Width: 4, Height: 4, Depth: 4}
	zero := volume.IdentityFields(shape, 3)

	for _, m := range []Metric{Max, Mean} {
		d, err := Distance(zero, zero.Clone(), m)
		if err != nil {
			t.Fatalf("Distance failed: %v", err)
		}
		if d != 0 {
			t.Errorf("%s metric of zero fields = %f, want 0", m, d)
		}
	}
}

// TestDistanceMaxAndMean checks both aggregations
func TestDistanceMaxAndMean(t *testing.T) {
	shape := volume.Shape{Width: 2, Height: 2, Depth: 1}
	prev := volume.IdentityFields(shape, 2)
	cur := prev.Clone()
	cur[1].Vector(3)[0] = 3
	cur[1].Vector(3)[1] = 4

	d, err := Distance(prev, cur, Max)
	if err != nil {
		t.Fatal(err)
	}
	if d != 5 {
		t.Errorf("Expected max 5, got %f", d)
	}

	d, err = Distance(prev, cur, Mean)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(d-5.0/8) > 1e-12 {
		t.Errorf("Expected mean 0.625, got %f", d)
	}
}

// TestHasConvergedIdenticalFields converges for any positive tolerance
func TestHasConvergedIdenticalFields(t *testing.T) {
	shape := volume.Shape{Width: 3, Height: 3, Depth: 1}
	fs := shiftedFields(shape, 2, 7)

	for _, tol := range []float64{1e-12, 0.5, 100, math.Inf(1)} {
		ok, err := HasConverged(fs, fs.Clone(), tol)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("Expected convergence with tolerance %g", tol)
		}
	}
	ok, _ := HasConverged(fs, fs.Clone(), 0)
	if ok {
		t.Error("Zero tolerance should never be satisfied")
	}
}

// TestHasConvergedShapeMismatch is a programmer error
func TestHasConvergedShapeMismatch(t *testing.T) {
	a := volume.IdentityFields(volume.Shape{Width: 3, Height: 3, Depth: 1}, 2)
	b := volume.IdentityFields(volume.Shape{Width: 3, Height: 3, Depth: 1}, 3)
	_, err := HasConverged(a, b, 1)
	var sme *volume.ShapeMismatchError
	if !errors.As(err, &sme) {
		t.Errorf("Expected *ShapeMismatchError, got %v", err)
	}
}

// TestTrackerOscillation tolerates non-monotonic metrics
func TestTrackerOscillation(t *testing.T) {
	shape := volume.Shape{Width: 2, Height: 2, Depth: 1}
	tr := NewTracker(shape, 2, 0.5, Max)

	steps := []struct {
		ux        float64
		metric    float64
		converged bool
	}{
		{2, 2, false},
		{0, 2, false},
		{2, 2, false},
		{2.25, 0.25, true},
	}
	for i, s := range steps {
		d, ok, err := tr.Observe(shiftedFields(shape, 2, s.ux))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if math.Abs(d-s.metric) > 1e-12 || ok != s.converged {
			t.Errorf("step %d: got (%f, %v), want (%f, %v)", i, d, ok, s.metric, s.converged)
		}
	}
	if len(tr.History()) != len(steps) {
		t.Errorf("Expected %d history entries, got %d", len(steps), len(tr.History()))
	}
}

// TestParseMetric covers metric names
func TestParseMetric(t *testing.T) {
	if m, err := ParseMetric(""); err != nil || m != Max {
		t.Errorf("Expected default max, got %v %v", m, err)
	}
	if _, err := ParseMetric("median"); err == nil {
		t.Error("Expected unknown metric to fail")
	}
}
