package diagnostics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mdreg/pkg/volume"
)

// Quality holds whole-series agreement measures between a model fit and the
// data it was fitted to. Values are computed over all voxels and frames.
type Quality struct {
	// RMSE is the root mean square difference
	RMSE float64 `yaml:"rmse"`

	// Correlation is Pearson's correlation coefficient
	Correlation float64 `yaml:"correlation"`

	// MI approximates mutual information under a Gaussian assumption,
	// -0.5*log(1-r²)
	MI float64 `yaml:"mutual_information"`

	// EntropyDiff is the absolute difference of the histogram entropies
	EntropyDiff float64 `yaml:"entropy_difference"`
}

// Compare computes Quality between fitted and data. Shapes must match.
func Compare(fitted, data *volume.Series) (Quality, error) {
	if err := data.SameShape("quality", fitted); err != nil {
		return Quality{}, err
	}
	q := Quality{
		RMSE:        rmse(fitted.Data, data.Data),
		EntropyDiff: math.Abs(entropy(fitted.Data) - entropy(data.Data)),
	}

	if stat.StdDev(fitted.Data, nil) > 0 && stat.StdDev(data.Data, nil) > 0 {
		r := stat.Correlation(fitted.Data, data.Data, nil)
		q.Correlation = r
		// capped so that a perfect fit stays finite
		r2 := math.Min(r*r, 1-1e-12)
		q.MI = -0.5 * math.Log(1-r2)
	}
	return q, nil
}

func rmse(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var mse float64
	for i := range a {
		d := a[i] - b[i]
		mse += d * d
	}
	return math.Sqrt(mse / float64(len(a)))
}

// entropy computes the Shannon entropy (bits) of a 256-bin histogram.
func entropy(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	lo, hi := data[0], data[0]
	for _, v := range data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		return 0
	}

	const bins = 256
	dividers := make([]float64, bins+1)
	for i := range dividers {
		dividers[i] = lo + (hi-lo)*float64(i)/bins
	}
	// the last divider must lie strictly above the maximum
	dividers[bins] = math.Nextafter(hi, math.Inf(1))

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	hist := stat.Histogram(nil, dividers, sorted, nil)

	var h float64
	total := float64(len(data))
	for _, c := range hist {
		if c > 0 {
			p := c / total
			h -= p * math.Log2(p)
		}
	}
	return h
}
