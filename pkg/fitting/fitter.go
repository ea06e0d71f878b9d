package fitting

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mdreg/pkg/volume"
)

// Fallback selects the value written to a voxel whose fit failed.
type Fallback int

const (
	// FallbackRaw keeps the voxel's input series unchanged
	FallbackRaw Fallback = iota

	// FallbackZero writes zeros
	FallbackZero
)

func (f Fallback) String() string {
	switch f {
	case FallbackRaw:
		return "raw"
	case FallbackZero:
		return "zero"
	default:
		return fmt.Sprintf("Fallback(%d)", int(f))
	}
}

// ParseFallback maps a configuration string to a Fallback.
func ParseFallback(s string) (Fallback, error) {
	switch s {
	case "", "raw":
		return FallbackRaw, nil
	case "zero":
		return FallbackZero, nil
	default:
		return FallbackRaw, fmt.Errorf("unknown fallback %q (want raw or zero)", s)
	}
}

// FitResult is the outcome of fitting a model to every voxel of a series.
type FitResult struct {
	// Fitted has the same shape and length as the input series
	Fitted *volume.Series

	// Params holds one spatial map per model parameter
	Params volume.Parameters

	// Failures lists the voxels that received the fallback value
	Failures volume.Mask

	// Sample is the first recorded failure, kept for reporting
	Sample *ModelFitError
}

// Fitter applies a SignalModel to all voxels of a series using a bounded
// worker pool.
type Fitter struct {
	// Model is the signal model; ConstantModel is used when nil
	Model SignalModel

	// Workers bounds the number of concurrent voxel blocks
	Workers int

	// VoxelTimeout bounds each voxel fit; zero disables the guard
	VoxelTimeout time.Duration

	// Fallback selects the value used for failed voxels
	Fallback Fallback

	// Logger receives per-fit summaries and failure details
	Logger zerolog.Logger
}

// NewFitter creates a fitter using all available cores.
func NewFitter(model SignalModel) *Fitter {
	if model == nil {
		model = ConstantModel{}
	}
	return &Fitter{
		Model:   model,
		Workers: runtime.NumCPU(),
		Logger:  zerolog.Nop(),
	}
}

// Fit reconstructs every voxel series of s. The returned error is reserved
// for contract violations (invalid series, model that cannot be prepared
// from the constants); per-voxel failures are recovered and reported in
// FitResult.Failures.
func (f *Fitter) Fit(ctx context.Context, s *volume.Series, c Constants) (*FitResult, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	model := f.Model
	if model == nil {
		model = ConstantModel{}
	}
	if p, ok := model.(Preparer); ok {
		if err := p.Prepare(s.Length, c); err != nil {
			return nil, fmt.Errorf("prepare model %s: %w", model.Name(), err)
		}
	}

	names := model.Parameters()
	n := s.Shape.Voxels()

	fitted := volume.NewSeries(s.Shape, s.Length)
	params := make(volume.Parameters, len(names))
	for _, name := range names {
		params[name] = make([]float64, n)
	}
	failed := make([]bool, n)

	workers := f.Workers
	if workers < 1 {
		workers = 1
	}
	blockSize := (n + workers*4 - 1) / (workers * 4)
	if blockSize < 1 {
		blockSize = 1
	}

	var failures atomic.Int64
	var sample atomic.Pointer[ModelFitError]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < n; start += blockSize {
		start := start
		end := start + blockSize
		if end > n {
			end = n
		}
		g.Go(func() error {
			signal := make([]float64, s.Length)
			zeros := make([]float64, s.Length)
			for v := start; v < end; v++ {
				signal = s.Signal(v, signal)
				fit, p, err := f.fitVoxel(gctx, model, signal, c)
				if err == nil {
					err = checkOutput(fit, p, s.Length, len(names))
				}
				if err != nil {
					mfe := &ModelFitError{Voxel: v, Model: model.Name(), Err: err}
					sample.CompareAndSwap(nil, mfe)
					failures.Add(1)
					failed[v] = true
					f.Logger.Trace().Int("voxel", v).Err(err).Msg("voxel fit failed, using fallback")
					if f.Fallback == FallbackZero {
						fitted.SetSignal(v, zeros)
					} else {
						fitted.SetSignal(v, signal)
					}
					continue
				}
				fitted.SetSignal(v, fit)
				for i, name := range names {
					params[name][v] = p[i]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &FitResult{
		Fitted:   fitted,
		Params:   params,
		Failures: volume.NewMask(failed),
		Sample:   sample.Load(),
	}
	if nf := failures.Load(); nf > 0 {
		f.Logger.Warn().
			Str("model", model.Name()).
			Int64("failed_voxels", nf).
			Int("voxels", n).
			Str("fallback", f.Fallback.String()).
			Msg("model fit fell back for some voxels")
	}
	return res, nil
}

// fitVoxel runs one model call, converting panics into errors and
// enforcing VoxelTimeout.
func (f *Fitter) fitVoxel(ctx context.Context, model SignalModel, signal []float64, c Constants) ([]float64, []float64, error) {
	if f.VoxelTimeout <= 0 {
		return safeFit(ctx, model, signal, c)
	}

	vctx, cancel := context.WithTimeout(ctx, f.VoxelTimeout)
	defer cancel()

	type outcome struct {
		fitted, params []float64
		err            error
	}
	// the model may outlive the timeout, so it gets its own copy of the signal
	own := append([]float64(nil), signal...)
	done := make(chan outcome, 1)
	go func() {
		fit, p, err := safeFit(vctx, model, own, c)
		done <- outcome{fit, p, err}
	}()

	select {
	case o := <-done:
		return o.fitted, o.params, o.err
	case <-vctx.Done():
		return nil, nil, ErrTimeout
	}
}

func safeFit(ctx context.Context, model SignalModel, signal []float64, c Constants) (fitted, params []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()
	return model.FitVoxel(ctx, signal, c)
}

func checkOutput(fitted, params []float64, length, nparams int) error {
	if len(fitted) != length {
		return fmt.Errorf("model returned %d fitted values, want %d", len(fitted), length)
	}
	if len(params) != nparams {
		return fmt.Errorf("model returned %d parameters, want %d", len(params), nparams)
	}
	for _, v := range fitted {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	for _, v := range params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	return nil
}
