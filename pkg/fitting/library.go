package fitting

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ExpDecay returns the mono-exponential decay S(x) = S0 exp(-x/T), as used
// for T2 and T2* mapping. abscissa names the constant with the echo times.
func ExpDecay(abscissa string) *CurveModel {
	return &CurveModel{
		Label:    "exp_decay",
		Names:    []string{"S0", "T"},
		Abscissa: abscissa,
		Func: func(x float64, p []float64, _ Constants) float64 {
			return p[0] * math.Exp(-x/p[1])
		},
		Lower:          []float64{0, 1e-6},
		InitFromSignal: initAmplitude,
	}
}

// AbsExpRecovery returns the magnitude inversion recovery model
// S(x) = |S0 (1 - 2 exp(-x/T1))|. abscissa names the constant with the
// inversion times.
func AbsExpRecovery(abscissa string) *CurveModel {
	return &CurveModel{
		Label:    "abs_exp_recovery",
		Names:    []string{"S0", "T1"},
		Abscissa: abscissa,
		Func: func(x float64, p []float64, _ Constants) float64 {
			return math.Abs(p[0] * (1 - 2*math.Exp(-x/p[1])))
		},
		Lower:          []float64{0, 1e-6},
		InitFromSignal: initAmplitude,
	}
}

// initAmplitude starts S0 at the largest signal magnitude and the time
// constant at 1.
func initAmplitude(signal []float64) []float64 {
	peak := 0.0
	for _, s := range signal {
		if math.Abs(s) > peak {
			peak = math.Abs(s)
		}
	}
	if peak == 0 {
		peak = 1
	}
	return []float64{peak, 1}
}

var library = map[string]func(degree int, abscissa string) SignalModel{
	"constant": func(int, string) SignalModel { return ConstantModel{} },
	"polynomial": func(degree int, abscissa string) SignalModel {
		return &PolynomialModel{Degree: degree, Abscissa: abscissa}
	},
	"exp_decay": func(_ int, abscissa string) SignalModel { return ExpDecay(abscissa) },
	"abs_exp_recovery": func(_ int, abscissa string) SignalModel {
		return AbsExpRecovery(abscissa)
	},
}

// Models lists the names accepted by ModelByName.
func Models() []string {
	names := make([]string, 0, len(library))
	for name := range library {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelByName builds one of the built-in signal models. degree is only used
// by the polynomial model; abscissa names the constant holding the
// acquisition parameter per series index.
func ModelByName(name string, degree int, abscissa string) (SignalModel, error) {
	build, ok := library[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown signal model %q (want one of %s)", name, strings.Join(Models(), ", "))
	}
	return build(degree, abscissa), nil
}
