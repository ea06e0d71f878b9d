package mdreg

import (
	"fmt"
	"time"

	"mdreg/pkg/diagnostics"
	"mdreg/pkg/volume"
)

// Status is the terminal state of a run.
type Status int

const (
	// Converged means the metric dropped below the tolerance
	Converged Status = iota + 1

	// MaxIterReached means the iteration cap stopped the loop
	MaxIterReached

	// Cancelled means the context ended the loop between iterations
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case MaxIterReached:
		return "max_iterations_reached"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Iteration holds the complete state produced by one pass of the loop.
type Iteration struct {
	Index        int
	Fitted       *volume.Series
	Params       volume.Parameters
	Fields       volume.FieldSet
	Coregistered *volume.Series
	Metric       float64

	FitFailures          volume.Mask
	RegistrationFailures volume.Mask

	Duration time.Duration
}

// IterationSummary is the compact per-iteration record kept with
// Options.KeepHistory.
type IterationSummary struct {
	Index                int                 `yaml:"index"`
	Metric               float64             `yaml:"metric"`
	FitFailures          int                 `yaml:"fit_failures"`
	RegistrationFailures int                 `yaml:"registration_failures"`
	GoodnessOfFit        diagnostics.Summary `yaml:"goodness_of_fit"`
	Quality              diagnostics.Quality `yaml:"quality"`
	Duration             time.Duration       `yaml:"duration"`
}

// Result is the output of a run: the motion-corrected series together with
// the model fit and the deformation fields of the last completed iteration.
type Result struct {
	RunID  string
	Status Status

	// Iterations is the number of completed iterations
	Iterations int

	// Metric is the convergence metric of the last iteration
	Metric float64

	Coregistered *volume.Series
	Fields       volume.FieldSet
	Fitted       *volume.Series
	Params       volume.Parameters

	// FitFailures and RegistrationFailures refer to the last iteration
	FitFailures          volume.Mask
	RegistrationFailures volume.Mask

	History  []IterationSummary
	Retained []*Iteration
}

// GoodnessOfFit returns the per-voxel chi-squared map of the final model fit
// against raw, the series the run was given.
func (r *Result) GoodnessOfFit(raw *volume.Series) ([]float64, error) {
	return diagnostics.GoodnessOfFit(r.Fitted, raw)
}

// Converged reports whether the run stopped on the tolerance.
func (r *Result) Converged() bool {
	return r.Status == Converged
}

func resultFrom(runID string, it *Iteration) *Result {
	return &Result{
		RunID:                runID,
		Iterations:           it.Index,
		Metric:               it.Metric,
		Coregistered:         it.Coregistered,
		Fields:               it.Fields,
		Fitted:               it.Fitted,
		Params:               it.Params,
		FitFailures:          it.FitFailures,
		RegistrationFailures: it.RegistrationFailures,
	}
}
