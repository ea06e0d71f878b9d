package diagnostics

import (
	"math"
	"testing"

	"mdreg/pkg/volume"
)

// TestGoodnessOfFitZeroRaw checks that all-zero voxels get the sentinel
func TestGoodnessOfFitZeroRaw(t *testing.T) {
	shape := volume.Shape{Width: 2, Height: 2, Depth: 1}
	raw := volume.NewSeries(shape, 3)
	fitted := volume.NewSeries(shape, 3)

	// voxel 0: raw zero everywhere but fitted is not
	fitted.SetSignal(0, []float64{5, 5, 5})
	// voxel 1: ordinary residuals
	raw.SetSignal(1, []float64{1, 2, 4})
	fitted.SetSignal(1, []float64{2, 2, 2})
	// voxel 2: raw zero at one index only
	raw.SetSignal(2, []float64{0, 2, 2})
	fitted.SetSignal(2, []float64{9, 4, 2})

	chi2, err := GoodnessOfFit(fitted, raw)
	if err != nil {
		t.Fatalf("GoodnessOfFit failed: %v", err)
	}

	want := []float64{0, 1 + 0 + 1, 2, 0}
	for v := range want {
		if math.IsNaN(chi2[v]) || math.IsInf(chi2[v], 0) {
			t.Fatalf("voxel %d is not finite: %f", v, chi2[v])
		}
		if math.Abs(chi2[v]-want[v]) > 1e-12 {
			t.Errorf("chi2[%d] = %f, want %f", v, chi2[v], want[v])
		}
	}
}

// TestGoodnessOfFitShapeMismatch rejects incompatible inputs
func TestGoodnessOfFitShapeMismatch(t *testing.T) {
	a := volume.NewSeries(volume.Shape{Width: 2, Height: 2, Depth: 1}, 3)
	b := volume.NewSeries(volume.Shape{Width: 2, Height: 2, Depth: 2}, 3)
	if _, err := GoodnessOfFit(a, b); err == nil {
		t.Error("Expected shape mismatch")
	}
}

// TestSummarize checks the distribution statistics
func TestSummarize(t *testing.T) {
	values := make([]float64, 101)
	for i := range values {
		values[i] = float64(i)
	}
	values = append(values, math.NaN())

	s := Summarize(values)
	if s.Mean != 50 || s.Median != 50 || s.Max != 100 {
		t.Errorf("Unexpected summary %+v", s)
	}
	if s.P1 > 2 || s.P99 < 98 {
		t.Errorf("Unexpected percentiles %+v", s)
	}
	if (Summarize(nil) != Summary{}) {
		t.Error("Expected zero summary for empty input")
	}
}

// TestCompare checks the whole-series quality measures
func TestCompare(t *testing.T) {
	shape := volume.Shape{Width: 4, Height: 4, Depth: 1}
	data := volume.NewSeries(shape, 2)
	for i := range data.Data {
		data.Data[i] = float64(i % 7)
	}

	same, err := Compare(data.Clone(), data)
	if err != nil {
		t.Fatal(err)
	}
	if same.RMSE != 0 || math.Abs(same.Correlation-1) > 1e-12 || same.EntropyDiff != 0 {
		t.Errorf("Unexpected quality for identical series %+v", same)
	}
	if math.IsInf(same.MI, 0) || same.MI <= 0 {
		t.Errorf("Expected finite positive MI, got %f", same.MI)
	}

	flat := volume.NewSeries(shape, 2)
	q, err := Compare(flat, data)
	if err != nil {
		t.Fatal(err)
	}
	if q.Correlation != 0 || q.RMSE == 0 {
		t.Errorf("Unexpected quality against a flat fit %+v", q)
	}
}
