package mdreg

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"mdreg/pkg/convergence"
	"mdreg/pkg/fitting"
	"mdreg/pkg/registration"
)

// Target selects which frame the fitted frame is registered against.
type Target int

const (
	// TargetRaw registers every fitted frame against the raw acquisition
	// and warps the raw frame, so the output never drifts towards the
	// model's own bias
	TargetRaw Target = iota

	// TargetPrevious registers against the previous iteration's
	// coregistered frame
	TargetPrevious
)

func (t Target) String() string {
	switch t {
	case TargetRaw:
		return "raw"
	case TargetPrevious:
		return "previous"
	default:
		return fmt.Sprintf("Target(%d)", int(t))
	}
}

// ParseTarget maps a configuration string to a Target.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "", "raw":
		return TargetRaw, nil
	case "previous":
		return TargetPrevious, nil
	default:
		return TargetRaw, fmt.Errorf("unknown registration target %q (want raw or previous)", s)
	}
}

// Options configures a model-driven registration run. Start from
// DefaultOptions; Validate is applied before the loop starts.
type Options struct {
	// Model is the signal model; nil selects the constant model
	Model fitting.SignalModel

	// Constants are the acquisition constants passed to the model
	Constants fitting.Constants

	// Coregistrar overrides Backend when set
	Coregistrar registration.Coregistrar

	// Backend selects the registration engine (default elastix)
	Backend registration.Backend

	// BackendParams are the backend-specific settings
	BackendParams registration.Params

	// Spacing is the physical voxel size along x, y and z
	Spacing [3]float64

	// MaxIterations is the hard cap on iterations (>= 1, default 5)
	MaxIterations int

	// Tolerance is the convergence threshold on the metric, in voxels
	// (>= 0, default 1). Zero never converges; +Inf converges at once.
	Tolerance float64

	// Metric aggregates displacement changes (default max)
	Metric convergence.Metric

	// Target selects the registration target (default raw)
	Target Target

	// ComposeFields accumulates fields across iterations with
	// TargetPrevious; otherwise each iteration's field replaces the last
	ComposeFields bool

	// Workers bounds parallelism of the fit and registration phases
	Workers int

	// VoxelTimeout and FrameTimeout bound individual model and
	// registration calls; zero disables them
	VoxelTimeout time.Duration
	FrameTimeout time.Duration

	// Fallback is the value used for voxels whose fit failed
	Fallback fitting.Fallback

	// Verbosity is 0..3; it selects the log level of the default logger
	Verbosity int

	// Logger replaces the default console logger
	Logger *zerolog.Logger

	// KeepHistory records an IterationSummary per iteration
	KeepHistory bool

	// RetainIterations keeps every iteration record in the result
	RetainIterations bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Backend:       registration.Elastix,
		BackendParams: registration.Params{},
		Spacing:       [3]float64{1, 1, 1},
		MaxIterations: 5,
		Tolerance:     1.0,
		Metric:        convergence.Max,
		Target:        TargetRaw,
		Workers:       runtime.NumCPU(),
		Fallback:      fitting.FallbackRaw,
		Verbosity:     0,
	}
}

// Validate checks every option and returns a *ConfigurationError for the
// first invalid one. Backend and metric names are normalized in place.
func (o *Options) Validate() error {
	if o.MaxIterations < 1 {
		return &ConfigurationError{Field: "max_iterations", Reason: fmt.Sprintf("%d, must be >= 1", o.MaxIterations)}
	}
	if math.IsNaN(o.Tolerance) || o.Tolerance < 0 {
		return &ConfigurationError{Field: "tolerance", Reason: fmt.Sprintf("%v, must be >= 0", o.Tolerance)}
	}
	if o.Verbosity < 0 || o.Verbosity > 3 {
		return &ConfigurationError{Field: "verbosity", Reason: fmt.Sprintf("%d, must be in 0..3", o.Verbosity)}
	}
	for i, s := range o.Spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			return &ConfigurationError{Field: "spacing", Reason: fmt.Sprintf("component %d is %v, must be positive", i, s)}
		}
	}
	m, err := convergence.ParseMetric(string(o.Metric))
	if err != nil {
		return &ConfigurationError{Field: "metric", Reason: err.Error()}
	}
	o.Metric = m
	if o.Target != TargetRaw && o.Target != TargetPrevious {
		return &ConfigurationError{Field: "target", Reason: o.Target.String()}
	}
	if o.ComposeFields && o.Target != TargetPrevious {
		return &ConfigurationError{Field: "compose_fields", Reason: "only meaningful with target previous"}
	}
	if o.Fallback != fitting.FallbackRaw && o.Fallback != fitting.FallbackZero {
		return &ConfigurationError{Field: "fallback", Reason: o.Fallback.String()}
	}
	if o.Workers < 0 {
		return &ConfigurationError{Field: "workers", Reason: fmt.Sprintf("%d, must be >= 0", o.Workers)}
	}
	if o.VoxelTimeout < 0 || o.FrameTimeout < 0 {
		return &ConfigurationError{Field: "timeout", Reason: "timeouts must be >= 0"}
	}
	if o.Coregistrar == nil {
		b, err := registration.ParseBackend(string(o.Backend))
		if err != nil {
			return &ConfigurationError{Field: "registration_backend", Reason: err.Error()}
		}
		o.Backend = b
		if _, err := registration.New(o.Backend, o.BackendParams); err != nil {
			return &ConfigurationError{Field: "registration_params", Reason: err.Error()}
		}
	}
	return nil
}

func (o *Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.NumCPU()
}
