// Package diagnostics computes read-only quality measures of a model fit.
// Nothing here feeds back into the registration loop; the functions can be
// applied to any iteration's fitted series the caller has kept.
package diagnostics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mdreg/pkg/volume"
)

// GoodnessOfFit returns the per-voxel chi-squared statistic
//
//	chi2(v) = Σ_t (fitted(v,t) - raw(v,t))² / raw(v,t)
//
// summed over the series indices where raw is non-zero. Indices where raw
// is exactly zero are left out; a voxel with no usable index gets 0.
func GoodnessOfFit(fitted, raw *volume.Series) ([]float64, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	if err := raw.SameShape("goodness of fit", fitted); err != nil {
		return nil, err
	}

	n := raw.Shape.Voxels()
	chi2 := make([]float64, n)
	for t := 0; t < raw.Length; t++ {
		r := raw.Frame(t)
		f := fitted.Frame(t)
		for v := 0; v < n; v++ {
			if r[v] == 0 {
				continue
			}
			d := f[v] - r[v]
			term := d * d / r[v]
			if math.IsNaN(term) || math.IsInf(term, 0) {
				continue
			}
			chi2[v] += term
		}
	}
	return chi2, nil
}

// Summary describes the distribution of a diagnostic map.
type Summary struct {
	Mean   float64 `yaml:"mean"`
	Median float64 `yaml:"median"`
	P1     float64 `yaml:"p1"`
	P99    float64 `yaml:"p99"`
	Max    float64 `yaml:"max"`
}

// Summarize computes distribution statistics of values, ignoring NaNs.
func Summarize(values []float64) Summary {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return Summary{}
	}
	sort.Float64s(sorted)
	return Summary{
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P1:     stat.Quantile(0.01, stat.Empirical, sorted, nil),
		P99:    stat.Quantile(0.99, stat.Empirical, sorted, nil),
		Max:    sorted[len(sorted)-1],
	}
}
