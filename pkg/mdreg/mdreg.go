// Package mdreg implements model-driven registration: motion correction of
// a time series of images by alternating a voxel-wise signal-model fit with
// a frame-wise registration of the data onto the fit.
//
// The loop runs as follows:
// 1. Fit the signal model to the current estimate of the coregistered data
// 2. Register every fitted frame against its target frame
// 3. Warp the raw data through the resulting fields
// 4. Compare the fields with the previous iteration and stop on convergence
//
// Because the fit carries no motion, registering the data onto it removes
// motion without the intensity changes between frames confusing the
// registration metric.
package mdreg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mdreg/internal/logging"
	"mdreg/pkg/convergence"
	"mdreg/pkg/diagnostics"
	"mdreg/pkg/fitting"
	"mdreg/pkg/registration"
	"mdreg/pkg/volume"
)

// Orchestrator drives the fit/register loop. Create one with New; an
// Orchestrator may run several series sequentially.
type Orchestrator struct {
	opts   Options
	log    zerolog.Logger
	fitter *fitting.Fitter
	runner *registration.Runner
}

// New validates the options and prepares the fit and registration stages.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = logging.New(opts.Verbosity, nil)
	}

	coreg := opts.Coregistrar
	backend := string(opts.Backend)
	if coreg == nil {
		c, err := registration.New(opts.Backend, opts.BackendParams)
		if err != nil {
			return nil, &ConfigurationError{Field: "registration_backend", Reason: err.Error()}
		}
		coreg = c
	} else {
		backend = fmt.Sprintf("%T", coreg)
	}

	fitter := fitting.NewFitter(opts.Model)
	fitter.Workers = opts.workers()
	fitter.VoxelTimeout = opts.VoxelTimeout
	fitter.Fallback = opts.Fallback
	fitter.Logger = log.With().Str("phase", "fit").Logger()

	runner := registration.NewRunner(coreg, backend)
	runner.Spacing = opts.Spacing
	runner.Workers = opts.workers()
	runner.FrameTimeout = opts.FrameTimeout
	runner.Logger = log.With().Str("phase", "register").Logger()

	return &Orchestrator{
		opts:   opts,
		log:    log,
		fitter: fitter,
		runner: runner,
	}, nil
}

// Fit runs model-driven registration on raw with the given options. It is
// a shorthand for New followed by Run.
func Fit(ctx context.Context, raw *volume.Series, opts Options) (*Result, error) {
	o, err := New(opts)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, raw)
}

// Run executes the loop on raw, which is never modified. The loop stops
// when the convergence metric drops below the tolerance or after
// MaxIterations iterations, whichever comes first.
//
// Cancellation is honoured between iterations only. When ctx ends, Run
// returns the result of the last completed iteration with Status Cancelled
// together with ctx.Err(); if no iteration completed the result is nil.
func (o *Orchestrator) Run(ctx context.Context, raw *volume.Series) (*Result, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	if err := o.checkModel(raw.Length); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := o.log.With().Str("run", runID).Logger()
	log.Info().
		Str("shape", raw.Shape.String()).
		Int("frames", raw.Length).
		Str("model", o.fitter.Model.Name()).
		Str("backend", o.runner.Backend).
		Int("max_iterations", o.opts.MaxIterations).
		Float64("tolerance", o.opts.Tolerance).
		Msg("Starting model-driven registration")

	// inner phases always run to completion so an iteration is never torn
	inner := context.WithoutCancel(ctx)

	tracker := convergence.NewTracker(raw.Shape, raw.Length, o.opts.Tolerance, o.opts.Metric)
	state := &Iteration{
		Coregistered: raw.Clone(),
		Fields:       volume.IdentityFields(raw.Shape, raw.Length),
	}

	var (
		last    *Iteration
		history []IterationSummary
		kept    []*Iteration
		status  = MaxIterReached
		start   = time.Now()
	)

	for i := 1; i <= o.opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Int("completed", i-1).Msg("Run cancelled")
			if last == nil {
				return nil, err
			}
			res := resultFrom(runID, last)
			res.Status = Cancelled
			res.History = history
			res.Retained = kept
			return res, err
		}

		it, err := o.iterate(inner, log, i, raw, state)
		if err != nil {
			return nil, err
		}

		metric, converged, err := tracker.Observe(it.Fields)
		if err != nil {
			return nil, err
		}
		it.Metric = metric

		log.Info().
			Int("iteration", i).
			Float64("metric", metric).
			Int("fit_failures", len(it.FitFailures)).
			Int("registration_failures", len(it.RegistrationFailures)).
			Dur("took", it.Duration).
			Msg("Iteration complete")

		if o.opts.KeepHistory {
			history = append(history, summarize(it, raw))
		}
		if o.opts.RetainIterations {
			kept = append(kept, it)
		}

		last = it
		state = it
		if converged {
			status = Converged
			break
		}
	}

	res := resultFrom(runID, last)
	res.Status = status
	res.History = history
	res.Retained = kept

	ev := log.Info()
	if status == MaxIterReached && o.opts.Tolerance > 0 {
		ev = log.Warn()
	}
	ev.Str("status", status.String()).
		Int("iterations", res.Iterations).
		Float64("metric", res.Metric).
		Dur("took", time.Since(start)).
		Msg("Model-driven registration finished")
	return res, nil
}

// checkModel prepares the model against the constants once before the
// first iteration so that missing or mis-sized constants fail the run
// instead of every voxel.
func (o *Orchestrator) checkModel(length int) error {
	p, ok := o.fitter.Model.(fitting.Preparer)
	if !ok {
		return nil
	}
	if err := p.Prepare(length, o.opts.Constants); err != nil {
		return &ConfigurationError{Field: "model_constants", Reason: err.Error()}
	}
	return nil
}

// iterate performs one fit/register pass starting from prev and returns a
// new Iteration; prev is left untouched.
func (o *Orchestrator) iterate(ctx context.Context, log zerolog.Logger, index int, raw *volume.Series, prev *Iteration) (*Iteration, error) {
	start := time.Now()

	// Step 1: fit the signal model to the current estimate
	fit, err := o.fitter.Fit(ctx, prev.Coregistered, o.opts.Constants)
	if err != nil {
		return nil, fmt.Errorf("iteration %d: fit: %w", index, err)
	}
	log.Debug().Int("iteration", index).Dur("took", time.Since(start)).Msg("Model fit done")

	// Step 2: register each fitted frame against its target
	regStart := time.Now()
	moving := raw
	if o.opts.Target == TargetPrevious {
		moving = prev.Coregistered
	}
	reg, err := o.runner.Register(ctx, fit.Fitted, moving)
	if err != nil {
		return nil, fmt.Errorf("iteration %d: register: %w", index, err)
	}
	log.Debug().Int("iteration", index).Dur("took", time.Since(regStart)).Msg("Registration done")

	// Step 3: composed fields are applied to the raw data in one warp
	fields := reg.Fields
	coregistered := reg.Warped
	if o.opts.Target == TargetPrevious && o.opts.ComposeFields {
		fields, coregistered, err = compose(raw, prev.Fields, reg.Fields)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: compose: %w", index, err)
		}
	}

	return &Iteration{
		Index:                index,
		Fitted:               fit.Fitted,
		Params:               fit.Params,
		Fields:               fields,
		Coregistered:         coregistered,
		FitFailures:          fit.Failures,
		RegistrationFailures: reg.Failures,
		Duration:             time.Since(start),
	}, nil
}

// compose accumulates the fields of this iteration onto the previous ones
// and warps raw through the total.
func compose(raw *volume.Series, previous, current volume.FieldSet) (volume.FieldSet, *volume.Series, error) {
	if err := previous.Compatible("compose", current); err != nil {
		return nil, nil, err
	}
	total := make(volume.FieldSet, len(current))
	out := volume.NewSeries(raw.Shape, raw.Length)
	for t := range current {
		total[t] = registration.Compose(previous[t], current[t])
		if err := out.SetFrame(t, registration.Warp(raw.Frame(t), total[t])); err != nil {
			return nil, nil, err
		}
	}
	return total, out, nil
}

// summarize condenses an iteration for the history. The goodness of fit is
// measured against raw, the quality metrics against the coregistered data.
func summarize(it *Iteration, raw *volume.Series) IterationSummary {
	s := IterationSummary{
		Index:                it.Index,
		Metric:               it.Metric,
		FitFailures:          len(it.FitFailures),
		RegistrationFailures: len(it.RegistrationFailures),
		Duration:             it.Duration,
	}
	if chi2, err := diagnostics.GoodnessOfFit(it.Fitted, raw); err == nil {
		s.GoodnessOfFit = diagnostics.Summarize(chi2)
	}
	if q, err := diagnostics.Compare(it.Fitted, it.Coregistered); err == nil {
		s.Quality = q
	}
	return s
}
