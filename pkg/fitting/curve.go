package fitting

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"
)

// CurveFunc evaluates a signal model at abscissa x for parameters p.
type CurveFunc func(x float64, p []float64, c Constants) float64

// CurveModel fits an arbitrary user-supplied signal equation by minimising
// the sum of squared residuals with Nelder-Mead. Parameters are clamped to
// [Lower, Upper] when bounds are given.
type CurveModel struct {
	// Label identifies the model in logs
	Label string

	// Func is the signal equation
	Func CurveFunc

	// Names lists the parameters in the order Func expects them
	Names []string

	// Abscissa names the constant holding the acquisition parameter per
	// series index. When empty the frame index is used.
	Abscissa string

	// Init is the starting point; defaults to all ones
	Init []float64

	// Lower and Upper are optional per-parameter bounds
	Lower, Upper []float64

	// MaxEvaluations caps function evaluations per voxel (default 2000)
	MaxEvaluations int

	// InitFromSignal optionally derives a voxel-specific starting point
	InitFromSignal func(signal []float64) []float64
}

func (m *CurveModel) Name() string {
	if m.Label != "" {
		return m.Label
	}
	return "curve"
}

func (m *CurveModel) Parameters() []string { return m.Names }

func (m *CurveModel) abscissa(n int, c Constants) ([]float64, error) {
	if m.Abscissa == "" {
		x := make([]float64, n)
		for i := range x {
			x[i] = float64(i)
		}
		return x, nil
	}
	return c.Vector(m.Abscissa, n)
}

// Prepare checks that the model has an equation and, when an abscissa
// constant is named, that it holds one value per series index.
func (m *CurveModel) Prepare(length int, c Constants) error {
	if m.Func == nil {
		return fmt.Errorf("curve model %s has no function", m.Name())
	}
	_, err := m.abscissa(length, c)
	return err
}

func (m *CurveModel) clamp(p []float64) {
	for i := range p {
		if i < len(m.Lower) && p[i] < m.Lower[i] {
			p[i] = m.Lower[i]
		}
		if i < len(m.Upper) && p[i] > m.Upper[i] {
			p[i] = m.Upper[i]
		}
	}
}

func (m *CurveModel) FitVoxel(ctx context.Context, signal []float64, c Constants) ([]float64, []float64, error) {
	if m.Func == nil {
		return nil, nil, fmt.Errorf("curve model %s has no function", m.Name())
	}
	x, err := m.abscissa(len(signal), c)
	if err != nil {
		return nil, nil, err
	}

	init := make([]float64, len(m.Names))
	for i := range init {
		init[i] = 1
	}
	if m.InitFromSignal != nil {
		copy(init, m.InitFromSignal(signal))
	} else {
		copy(init, m.Init)
	}
	m.clamp(init)

	scratch := make([]float64, len(init))
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			copy(scratch, p)
			m.clamp(scratch)
			var sse float64
			for i, xi := range x {
				r := m.Func(xi, scratch, c) - signal[i]
				sse += r * r
			}
			if math.IsNaN(sse) {
				return math.Inf(1)
			}
			return sse
		},
	}

	maxEval := m.MaxEvaluations
	if maxEval <= 0 {
		maxEval = 2000
	}
	settings := &optimize.Settings{
		FuncEvaluations: maxEval,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-10,
			Iterations: 200,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, ErrTimeout
		}
		settings.Runtime = remaining
	}

	res, err := optimize.Minimize(problem, init, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotConverged, err)
	}
	if res.Status == optimize.RuntimeLimit {
		return nil, nil, ErrTimeout
	}

	params := append([]float64(nil), res.X...)
	m.clamp(params)

	fitted := make([]float64, len(signal))
	for i, xi := range x {
		fitted[i] = m.Func(xi, params, c)
	}
	return fitted, params, nil
}
