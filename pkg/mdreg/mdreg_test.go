package mdreg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"mdreg/pkg/diagnostics"
	"mdreg/pkg/fitting"
	"mdreg/pkg/registration"
	"mdreg/pkg/volume"
)

var testShape = volume.Shape{Width: 4, Height: 4, Depth: 4}

func randomSeries(shape volume.Shape, length int, seed int64) *volume.Series {
	rng := rand.New(rand.NewSource(seed))
	s := volume.NewSeries(shape, length)
	for i := range s.Data {
		s.Data[i] = 1 + rng.Float64()*100
	}
	return s
}

func testOptions() Options {
	nop := zerolog.Nop()
	opts := DefaultOptions()
	opts.Backend = registration.Identity
	opts.Workers = 2
	opts.Logger = &nop
	return opts
}

// shiftRegistration moves every frame by a constant displacement along x;
// shift returns the displacement for the nth call.
type shiftRegistration struct {
	calls int64
	shift func(call int64) float64
}

func (s *shiftRegistration) Register(_ context.Context, _, moving *registration.Frame) (*volume.Field, []float64, error) {
	n := atomic.AddInt64(&s.calls, 1)
	d := s.shift(n - 1)
	field := volume.ZeroField(moving.Shape)
	for v := 0; v < moving.Shape.Voxels(); v++ {
		field.Vector(v)[0] = d
	}
	return field, registration.Warp(moving.Data, field), nil
}

// identityModel reproduces every voxel series exactly
type identityModel struct{}

func (identityModel) Name() string { return "identity" }

func (identityModel) Parameters() []string { return []string{"first"} }

func (identityModel) FitVoxel(_ context.Context, signal []float64, _ fitting.Constants) ([]float64, []float64, error) {
	fitted := make([]float64, len(signal))
	copy(fitted, signal)
	return fitted, []float64{signal[0]}, nil
}

// TestIdentityRunConvergesImmediately covers a model and a registration that never change anything
func TestIdentityRunConvergesImmediately(t *testing.T) {
	raw := randomSeries(testShape, 3, 1)
	before := raw.Clone()

	opts := testOptions()
	opts.Model = identityModel{}
	res, err := Fit(context.Background(), raw, opts)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.Status != Converged || res.Iterations != 1 {
		t.Errorf("Expected convergence after 1 iteration, got %s after %d", res.Status, res.Iterations)
	}
	if res.Metric != 0 {
		t.Errorf("Expected metric 0, got %f", res.Metric)
	}
	for i := range raw.Data {
		if res.Coregistered.Data[i] != raw.Data[i] {
			t.Fatalf("Coregistered differs from raw at %d: %f vs %f", i, res.Coregistered.Data[i], raw.Data[i])
		}
		if raw.Data[i] != before.Data[i] {
			t.Fatal("Input series was modified")
		}
	}
	for i := range raw.Data {
		if res.Fitted.Data[i] != raw.Data[i] {
			t.Fatalf("Fitted differs from raw at %d: %f vs %f", i, res.Fitted.Data[i], raw.Data[i])
		}
	}
	first := res.Params["first"]
	if len(first) != testShape.Voxels() || first[5] != raw.Frame(0)[5] {
		t.Error("Expected the first parameter to hold frame 0")
	}
	for frame, f := range res.Fields {
		if !f.IsZero() {
			t.Errorf("Expected zero field for frame %d", frame)
		}
	}
	if res.RunID == "" {
		t.Error("Expected a run id")
	}
}

// TestShapesArePreserved checks every output against the input shape
func TestShapesArePreserved(t *testing.T) {
	shape := volume.Shape{Width: 5, Height: 3, Depth: 1}
	raw := randomSeries(shape, 4, 2)

	opts := testOptions()
	opts.Coregistrar = &shiftRegistration{shift: func(int64) float64 { return 0.5 }}
	opts.MaxIterations = 2
	opts.Tolerance = 0

	res, err := Fit(context.Background(), raw, opts)
	if err != nil {
		t.Fatal(err)
	}
	for name, s := range map[string]*volume.Series{"coregistered": res.Coregistered, "fitted": res.Fitted} {
		if s.Shape != shape || s.Length != 4 || len(s.Data) != len(raw.Data) {
			t.Errorf("%s has shape %s x %d", name, s.Shape, s.Length)
		}
	}
	if len(res.Fields) != 4 {
		t.Fatalf("Expected 4 fields, got %d", len(res.Fields))
	}
	for _, f := range res.Fields {
		if f.Shape != shape || f.Dims != 2 {
			t.Errorf("Unexpected field shape %s with %d components", f.Shape, f.Dims)
		}
	}
	if mean, ok := res.Params["mean"]; !ok || len(mean) != shape.Voxels() {
		t.Error("Expected a mean parameter map over all voxels")
	}
}

// TestSingleIterationCap returns a complete result after one pass
func TestSingleIterationCap(t *testing.T) {
	opts := testOptions()
	opts.Coregistrar = &shiftRegistration{shift: func(int64) float64 { return 3 }}
	opts.MaxIterations = 1

	res, err := Fit(context.Background(), randomSeries(testShape, 3, 3), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 1 || res.Status != MaxIterReached {
		t.Errorf("Expected 1 iteration and cap status, got %d %s", res.Iterations, res.Status)
	}
	if res.Coregistered == nil || res.Fitted == nil || res.Fields == nil || res.Params == nil {
		t.Error("Expected every result component to be set")
	}
	if res.Metric != 3 {
		t.Errorf("Expected metric 3, got %f", res.Metric)
	}
}

// TestInfiniteToleranceStopsAtFirstIteration converges regardless of motion
func TestInfiniteToleranceStopsAtFirstIteration(t *testing.T) {
	opts := testOptions()
	opts.Coregistrar = &shiftRegistration{shift: func(int64) float64 { return 7 }}
	opts.Tolerance = math.Inf(1)

	res, err := Fit(context.Background(), randomSeries(testShape, 3, 4), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Converged || res.Iterations != 1 {
		t.Errorf("Expected convergence at iteration 1, got %s at %d", res.Status, res.Iterations)
	}
}

// TestStableFieldsConvergeOnSecondIteration sees no change after the first pass
func TestStableFieldsConvergeOnSecondIteration(t *testing.T) {
	opts := testOptions()
	opts.Coregistrar = &shiftRegistration{shift: func(int64) float64 { return 3 }}
	opts.MaxIterations = 10
	opts.KeepHistory = true

	res, err := Fit(context.Background(), randomSeries(testShape, 3, 5), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Converged || res.Iterations != 2 {
		t.Fatalf("Expected convergence at iteration 2, got %s at %d", res.Status, res.Iterations)
	}
	if res.Metric != 0 {
		t.Errorf("Expected metric 0, got %f", res.Metric)
	}
	if len(res.History) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(res.History))
	}
	if res.History[0].Metric != 3 || res.History[1].Index != 2 {
		t.Errorf("Unexpected history %+v", res.History)
	}
}

// TestOscillationStopsAtCap never converges but must terminate
func TestOscillationStopsAtCap(t *testing.T) {
	const frames = 3
	opts := testOptions()
	opts.Coregistrar = &shiftRegistration{shift: func(call int64) float64 {
		if (call/frames)%2 == 0 {
			return 2
		}
		return -2
	}}
	opts.MaxIterations = 4
	opts.RetainIterations = true

	res, err := Fit(context.Background(), randomSeries(testShape, frames, 6), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != MaxIterReached || res.Iterations != 4 {
		t.Fatalf("Expected the cap after 4 iterations, got %s at %d", res.Status, res.Iterations)
	}
	if res.Metric != 4 {
		t.Errorf("Expected metric 4, got %f", res.Metric)
	}
	if len(res.Retained) != 4 {
		t.Fatalf("Expected 4 retained iterations, got %d", len(res.Retained))
	}
	if res.Retained[0].Metric != 2 {
		t.Errorf("Expected first metric 2, got %f", res.Retained[0].Metric)
	}
	if res.Retained[0].Coregistered == res.Retained[1].Coregistered {
		t.Error("Iterations must not share output series")
	}
}

type failingModel struct{}

func (failingModel) Name() string         { return "failing" }
func (failingModel) Parameters() []string { return []string{"level"} }
func (failingModel) FitVoxel(_ context.Context, signal []float64, _ fitting.Constants) ([]float64, []float64, error) {
	if signal[0] < 0 {
		return nil, nil, errors.New("negative signal")
	}
	out := make([]float64, len(signal))
	for i := range out {
		out[i] = signal[0]
	}
	return out, []float64{signal[0]}, nil
}

// TestFailingVoxelFallsBack completes the run with the raw signal in place
func TestFailingVoxelFallsBack(t *testing.T) {
	raw := randomSeries(testShape, 3, 7)
	raw.SetSignal(5, []float64{-1, 4, 9})

	opts := testOptions()
	opts.Model = failingModel{}

	res, err := Fit(context.Background(), raw, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FitFailures.Contains(5) || len(res.FitFailures) != 1 {
		t.Errorf("Expected voxel 5 to be the only failure, got %v", res.FitFailures)
	}
	got := res.Fitted.Signal(5, nil)
	for i, want := range []float64{-1, 4, 9} {
		if got[i] != want {
			t.Errorf("Fallback value %d: expected %f, got %f", i, want, got[i])
		}
	}
	if res.Params["level"][5] != 0 {
		t.Errorf("Expected parameter 0 for failed voxel, got %f", res.Params["level"][5])
	}
}

// TestComposedFieldsAccumulate uses the previous estimate as target
func TestComposedFieldsAccumulate(t *testing.T) {
	raw := randomSeries(testShape, 3, 8)

	opts := testOptions()
	opts.Coregistrar = &shiftRegistration{shift: func(int64) float64 { return 1 }}
	opts.Target = TargetPrevious
	opts.ComposeFields = true
	opts.MaxIterations = 2
	opts.Tolerance = 0.5

	res, err := Fit(context.Background(), raw, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 || res.Status != MaxIterReached {
		t.Fatalf("Expected 2 iterations, got %d %s", res.Iterations, res.Status)
	}
	v := testShape.Index(0, 1, 1)
	if u := res.Fields[0].Vector(v)[0]; math.Abs(u-2) > 1e-12 {
		t.Errorf("Expected composed displacement 2, got %f", u)
	}
	want := raw.Frame(0)[testShape.Index(2, 1, 1)]
	if got := res.Coregistered.Frame(0)[v]; math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected raw value %f warped from x=2, got %f", want, got)
	}
}

// TestCancellationKeepsLastIteration cancels while the first pass runs
func TestCancellationKeepsLastIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := testOptions()
	opts.Coregistrar = &shiftRegistration{shift: func(int64) float64 {
		cancel()
		return 1
	}}
	opts.Tolerance = 0
	opts.MaxIterations = 5

	res, err := Fit(ctx, randomSeries(testShape, 3, 9), opts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if res == nil {
		t.Fatal("Expected the completed iteration to be returned")
	}
	if res.Status != Cancelled || res.Iterations != 1 {
		t.Errorf("Expected cancelled after 1 iteration, got %s after %d", res.Status, res.Iterations)
	}
	if res.Coregistered == nil || len(res.Fields) != 3 {
		t.Error("Expected a complete iteration in the result")
	}
}

// TestCancelledBeforeStart returns no result
func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Fit(ctx, randomSeries(testShape, 3, 10), testOptions())
	if !errors.Is(err, context.Canceled) || res != nil {
		t.Errorf("Expected nil result and context.Canceled, got %v, %v", res, err)
	}
}

// TestInvalidInput rejects series that cannot be registered
func TestInvalidInput(t *testing.T) {
	single := volume.NewSeries(testShape, 1)
	if _, err := Fit(context.Background(), single, testOptions()); !errors.Is(err, volume.ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch for a single frame, got %v", err)
	}

	short := &volume.Series{Shape: testShape, Length: 3, Data: make([]float64, 10)}
	if _, err := Fit(context.Background(), short, testOptions()); !errors.Is(err, volume.ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch for truncated data, got %v", err)
	}
}

// TestConfigurationErrors covers every rejected option
func TestConfigurationErrors(t *testing.T) {
	cases := map[string]func(*Options){
		"max_iterations": func(o *Options) { o.MaxIterations = 0 },
		"tolerance":      func(o *Options) { o.Tolerance = -1 },
		"nan tolerance":  func(o *Options) { o.Tolerance = math.NaN() },
		"verbosity":      func(o *Options) { o.Verbosity = 4 },
		"spacing":        func(o *Options) { o.Spacing[2] = 0 },
		"metric":         func(o *Options) { o.Metric = "median" },
		"target":         func(o *Options) { o.Target = Target(7) },
		"compose":        func(o *Options) { o.ComposeFields = true },
		"backend":        func(o *Options) { o.Backend = "ants" },
		"backend params": func(o *Options) {
			o.Backend = registration.Dipy
			o.BackendParams = registration.Params{"iterations": "many"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := testOptions()
			mutate(&opts)
			_, err := Fit(context.Background(), randomSeries(testShape, 2, 11), opts)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) || cerr.Field == "" {
				t.Errorf("Expected a *ConfigurationError naming the field, got %v", err)
			}
		})
	}
}

// TestModelConstantsAreChecked fails the run before the first iteration
// when the model cannot be prepared from the constants
func TestModelConstantsAreChecked(t *testing.T) {
	cases := map[string]struct {
		model     fitting.SignalModel
		constants fitting.Constants
	}{
		"curve without constants":      {fitting.ExpDecay("TE"), nil},
		"curve with short abscissa":    {fitting.ExpDecay("TE"), fitting.Constants{"TE": {10, 20}}},
		"polynomial without constants": {&fitting.PolynomialModel{Degree: 1, Abscissa: "TE"}, nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			reg := &shiftRegistration{shift: func(int64) float64 { return 0 }}
			opts := testOptions()
			opts.Model = tc.model
			opts.Constants = tc.constants
			opts.Coregistrar = reg

			res, err := Fit(context.Background(), randomSeries(testShape, 3, 13), opts)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) || cerr.Field != "model_constants" {
				t.Errorf("Expected field model_constants, got %v", err)
			}
			if res != nil {
				t.Errorf("Expected no result, got status %s", res.Status)
			}
			if n := atomic.LoadInt64(&reg.calls); n != 0 {
				t.Errorf("Expected no registration before the check, got %d calls", n)
			}
		})
	}

	opts := testOptions()
	opts.Model = fitting.ExpDecay("TE")
	opts.Constants = fitting.Constants{"TE": {10, 20, 30}}
	opts.MaxIterations = 1
	if _, err := Fit(context.Background(), randomSeries(testShape, 3, 13), opts); err != nil {
		t.Errorf("Expected matching constants to run, got %v", err)
	}
}

// TestGoodnessOfFitUsesRawData measures the final fit against the input series
func TestGoodnessOfFitUsesRawData(t *testing.T) {
	raw := randomSeries(testShape, 3, 14)
	opts := testOptions()
	opts.Coregistrar = &shiftRegistration{shift: func(int64) float64 { return 1.5 }}
	opts.MaxIterations = 1
	opts.KeepHistory = true

	res, err := Fit(context.Background(), raw, opts)
	if err != nil {
		t.Fatal(err)
	}
	got, err := res.GoodnessOfFit(raw)
	if err != nil {
		t.Fatalf("GoodnessOfFit failed: %v", err)
	}
	want, err := diagnostics.GoodnessOfFit(res.Fitted, raw)
	if err != nil {
		t.Fatal(err)
	}
	coreg, err := diagnostics.GoodnessOfFit(res.Fitted, res.Coregistered)
	if err != nil {
		t.Fatal(err)
	}

	differs := false
	for v := range want {
		if got[v] != want[v] {
			t.Fatalf("Expected chi2 %f against raw at voxel %d, got %f", want[v], v, got[v])
		}
		if coreg[v] != want[v] {
			differs = true
		}
	}
	if !differs {
		t.Error("Expected shifted frames to change the chi2 map")
	}
	if len(res.History) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(res.History))
	}
	if summary := diagnostics.Summarize(want); res.History[0].GoodnessOfFit != summary {
		t.Errorf("Expected history summary %+v, got %+v", summary, res.History[0].GoodnessOfFit)
	}
}

// TestValidateNormalizesNames accepts case variants of the backend name
func TestValidateNormalizesNames(t *testing.T) {
	opts := testOptions()
	opts.Backend = " Identity "
	opts.Metric = ""
	if err := opts.Validate(); err != nil {
		t.Fatal(err)
	}
	if opts.Backend != registration.Identity || opts.Metric != "max" {
		t.Errorf("Expected normalized names, got %q %q", opts.Backend, opts.Metric)
	}
}

// TestRegistrationFailureIsRecovered keeps the run alive when a frame errors
func TestRegistrationFailureIsRecovered(t *testing.T) {
	opts := testOptions()
	opts.Coregistrar = failingRegistration{}

	raw := randomSeries(testShape, 3, 12)
	res, err := Fit(context.Background(), raw, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RegistrationFailures) != 3 {
		t.Errorf("Expected every frame to fail, got %v", res.RegistrationFailures)
	}
	if res.Status != Converged || res.Metric != 0 {
		t.Errorf("Identity fallback should converge at once, got %s %f", res.Status, res.Metric)
	}
	for i := range raw.Data {
		if res.Coregistered.Data[i] != raw.Data[i] {
			t.Fatal("Failed frames must keep the raw data")
		}
	}
}

type failingRegistration struct{}

func (failingRegistration) Register(context.Context, *registration.Frame, *registration.Frame) (*volume.Field, []float64, error) {
	return nil, nil, fmt.Errorf("no overlap")
}

// TestStatusString checks the names written to the manifest
func TestStatusString(t *testing.T) {
	if Converged.String() != "converged" || MaxIterReached.String() != "max_iterations_reached" || Cancelled.String() != "cancelled" {
		t.Error("Unexpected status names")
	}
	if _, err := ParseTarget("previous"); err != nil {
		t.Error(err)
	}
	if _, err := ParseTarget("fit"); err == nil {
		t.Error("Expected error for unknown target")
	}
}
