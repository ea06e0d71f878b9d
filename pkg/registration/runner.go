package registration

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mdreg/pkg/volume"
)

// RunResult is the outcome of registering every frame of a series.
type RunResult struct {
	// Fields holds one displacement field per frame
	Fields volume.FieldSet

	// Warped is the moving series resampled through Fields
	Warped *volume.Series

	// Failures lists the frames that fell back to the identity
	Failures volume.Mask

	// Sample is the first recorded failure, kept for reporting
	Sample *RegistrationError
}

// Runner registers the frames of a series in parallel. All frames complete
// before Register returns.
type Runner struct {
	Coregistrar Coregistrar

	// Backend labels errors and logs
	Backend string

	// Spacing is the physical voxel size handed to the coregistrar
	Spacing [3]float64

	// Workers bounds the number of frames registered concurrently
	Workers int

	// FrameTimeout bounds each frame; zero disables the guard
	FrameTimeout time.Duration

	Logger zerolog.Logger
}

// NewRunner creates a runner with unit spacing using all available cores.
func NewRunner(c Coregistrar, backend string) *Runner {
	return &Runner{
		Coregistrar: c,
		Backend:     backend,
		Spacing:     [3]float64{1, 1, 1},
		Workers:     runtime.NumCPU(),
		Logger:      zerolog.Nop(),
	}
}

// Register aligns every moving frame onto the reference frame of the same
// index. The returned error is reserved for contract violations; frames
// whose registration fails, panics or times out receive the identity field
// and their unchanged moving data, and are listed in RunResult.Failures.
func (r *Runner) Register(ctx context.Context, reference, moving *volume.Series) (*RunResult, error) {
	if err := reference.Validate(); err != nil {
		return nil, err
	}
	if err := reference.SameShape("register series", moving); err != nil {
		return nil, err
	}

	shape := reference.Shape
	res := &RunResult{
		Fields: make(volume.FieldSet, reference.Length),
		Warped: volume.NewSeries(shape, reference.Length),
	}
	failed := make([]bool, reference.Length)

	workers := r.Workers
	if workers < 1 {
		workers = 1
	}

	var sample atomic.Pointer[RegistrationError]
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for t := 0; t < reference.Length; t++ {
		t := t
		g.Go(func() error {
			ref := &Frame{Shape: shape, Spacing: r.Spacing, Data: reference.Frame(t)}
			mov := &Frame{Shape: shape, Spacing: r.Spacing, Data: moving.Frame(t)}

			start := time.Now()
			field, warped, err := r.registerFrame(gctx, ref, mov)
			if err == nil {
				err = checkOutput(field, warped, shape)
			}
			if err != nil {
				re := &RegistrationError{Frame: t, Backend: r.Backend, Err: err}
				sample.CompareAndSwap(nil, re)
				failed[t] = true
				r.Logger.Warn().Int("frame", t).Str("backend", r.Backend).Err(err).
					Msg("registration failed, using identity deformation")
				field = volume.ZeroField(shape)
				warped = mov.Data
			} else {
				r.Logger.Trace().Int("frame", t).Dur("elapsed", time.Since(start)).
					Float64("max_displacement", field.MaxMagnitude()).Msg("frame registered")
			}
			res.Fields[t] = field
			// SetFrame copies, so the moving series is never aliased
			return res.Warped.SetFrame(t, warped)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Failures = volume.NewMask(failed)
	res.Sample = sample.Load()
	return res, nil
}

func (r *Runner) registerFrame(ctx context.Context, ref, mov *Frame) (*volume.Field, []float64, error) {
	if r.FrameTimeout <= 0 {
		return safeRegister(ctx, r.Coregistrar, ref, mov)
	}

	fctx, cancel := context.WithTimeout(ctx, r.FrameTimeout)
	defer cancel()

	type outcome struct {
		field  *volume.Field
		warped []float64
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		f, w, err := safeRegister(fctx, r.Coregistrar, ref, mov)
		done <- outcome{f, w, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, nil, ErrTimeout
		}
		return o.field, o.warped, o.err
	case <-fctx.Done():
		return nil, nil, ErrTimeout
	}
}

func safeRegister(ctx context.Context, c Coregistrar, ref, mov *Frame) (field *volume.Field, warped []float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("coregistrar panicked: %v", rec)
		}
	}()
	return c.Register(ctx, ref, mov)
}

func checkOutput(field *volume.Field, warped []float64, shape volume.Shape) error {
	if field == nil {
		return fmt.Errorf("%w: nil field", ErrInvalidOutput)
	}
	if field.Shape != shape {
		return fmt.Errorf("%w: field shape %v, want %v", ErrInvalidOutput, field.Shape, shape)
	}
	if err := field.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if len(warped) != shape.Voxels() {
		return fmt.Errorf("%w: warped frame has %d voxels, want %d", ErrInvalidOutput, len(warped), shape.Voxels())
	}
	return nil
}
