package fitting

import "context"

// ConstantModel makes no parametric assumption: every series index is
// reconstructed as the series mean. It is the default when no model is
// configured.
type ConstantModel struct{}

func (ConstantModel) Name() string { return "constant" }

func (ConstantModel) Parameters() []string { return []string{"mean"} }

func (ConstantModel) FitVoxel(_ context.Context, signal []float64, _ Constants) ([]float64, []float64, error) {
	var sum float64
	for _, s := range signal {
		sum += s
	}
	mean := 0.0
	if len(signal) > 0 {
		mean = sum / float64(len(signal))
	}
	fitted := make([]float64, len(signal))
	for i := range fitted {
		fitted[i] = mean
	}
	return fitted, []float64{mean}, nil
}
