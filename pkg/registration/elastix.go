package registration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"mdreg/pkg/metaimage"
	"mdreg/pkg/volume"
)

// elastixDefaults is a free-form B-spline registration, close to the
// defaults shipped with the Python package.
var elastixDefaults = [][2]string{
	{"FixedInternalImagePixelType", "float"},
	{"MovingInternalImagePixelType", "float"},
	{"UseDirectionCosines", "true"},
	{"Registration", "MultiResolutionRegistration"},
	{"Interpolator", "BSplineInterpolator"},
	{"ResampleInterpolator", "FinalBSplineInterpolator"},
	{"Resampler", "DefaultResampler"},
	{"FixedImagePyramid", "FixedSmoothingImagePyramid"},
	{"MovingImagePyramid", "MovingSmoothingImagePyramid"},
	{"Optimizer", "AdaptiveStochasticGradientDescent"},
	{"Transform", "BSplineTransform"},
	{"Metric", "AdvancedMeanSquares"},
	{"FinalGridSpacingInPhysicalUnits", "50.0"},
	{"HowToCombineTransforms", "Compose"},
	{"NumberOfResolutions", "4"},
	{"MaximumNumberOfIterations", "500"},
	{"AutomaticTransformInitialization", "true"},
	{"AutomaticScalesEstimation", "true"},
	{"ImageSampler", "RandomCoordinate"},
	{"NumberOfSpatialSamples", "2048"},
	{"NewSamplesEveryIteration", "true"},
	{"BSplineInterpolationOrder", "1"},
	{"FinalBSplineInterpolationOrder", "3"},
	{"DefaultPixelValue", "0"},
	{"WriteResultImage", "false"},
	{"ResultImagePixelType", "float"},
	{"ResultImageFormat", "mhd"},
}

// ElastixRegistration registers frames by running the elastix and transformix
// executables. Frames are exchanged as MetaImage files in a scratch
// directory that is removed afterwards.
type ElastixRegistration struct {
	// Params overrides or extends the default parameter map. Keys starting
	// with "mdreg." are reserved for the adapter itself.
	Params Params

	// ElastixPath and TransformixPath locate the executables
	ElastixPath     string
	TransformixPath string

	// WorkDir is the parent of the scratch directories (os.TempDir if empty)
	WorkDir string

	// Threads is passed as -threads when positive
	Threads int
}

// NewElastix builds an adapter. Executable locations can be set with the
// reserved parameters mdreg.elastix and mdreg.transformix.
func NewElastix(p Params) *ElastixRegistration {
	e := &ElastixRegistration{
		Params:          Params{},
		ElastixPath:     "elastix",
		TransformixPath: "transformix",
	}
	for k, v := range p {
		switch k {
		case "mdreg.elastix":
			e.ElastixPath = v
		case "mdreg.transformix":
			e.TransformixPath = v
		case "mdreg.workdir":
			e.WorkDir = v
		case "mdreg.threads":
			e.Threads, _ = strconv.Atoi(v)
		default:
			e.Params[k] = v
		}
	}
	return e
}

// ParameterFile renders the elastix parameter file for frames of the given
// dimensionality.
func (e *ElastixRegistration) ParameterFile(dims int) string {
	var b strings.Builder
	dim := strconv.Itoa(dims)
	writeParam(&b, "FixedImageDimension", dim)
	writeParam(&b, "MovingImageDimension", dim)

	seen := map[string]bool{}
	for _, kv := range elastixDefaults {
		v := kv[1]
		if o, ok := e.Params[kv[0]]; ok {
			v = o
		}
		seen[kv[0]] = true
		writeParam(&b, kv[0], v)
	}
	for _, k := range e.Params.Keys() {
		if !seen[k] {
			writeParam(&b, k, e.Params[k])
		}
	}
	return b.String()
}

// writeParam writes one (Key value ...) line, quoting non-numeric tokens.
func writeParam(b *strings.Builder, key, value string) {
	fields := strings.Fields(strings.Trim(value, `"`))
	for i, f := range fields {
		f = strings.Trim(f, `"`)
		if _, err := strconv.ParseFloat(f, 64); err != nil {
			f = strconv.Quote(f)
		}
		fields[i] = f
	}
	fmt.Fprintf(b, "(%s %s)\n", key, strings.Join(fields, " "))
}

func (e *ElastixRegistration) Register(ctx context.Context, reference, moving *Frame) (*volume.Field, []float64, error) {
	dir, err := os.MkdirTemp(e.WorkDir, "mdreg-elastix-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	fixedPath := filepath.Join(dir, "fixed.mhd")
	movingPath := filepath.Join(dir, "moving.mhd")
	paramPath := filepath.Join(dir, "parameters.txt")

	if err := metaimage.Write(fixedPath, metaimage.FromMap(reference.Shape, reference.Data, reference.Spacing), metaimage.Float); err != nil {
		return nil, nil, err
	}
	if err := metaimage.Write(movingPath, metaimage.FromMap(moving.Shape, moving.Data, moving.Spacing), metaimage.Float); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(paramPath, []byte(e.ParameterFile(reference.Shape.Dims())), 0644); err != nil {
		return nil, nil, fmt.Errorf("write parameter file: %w", err)
	}

	args := []string{"-f", fixedPath, "-m", movingPath, "-p", paramPath, "-out", dir}
	if e.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(e.Threads))
	}
	if err := run(ctx, e.ElastixPath, args...); err != nil {
		return nil, nil, err
	}

	transform := filepath.Join(dir, "TransformParameters.0.txt")
	if err := run(ctx, e.TransformixPath, "-def", "all", "-tp", transform, "-out", dir); err != nil {
		return nil, nil, err
	}

	img, err := metaimage.Read(filepath.Join(dir, "deformationField.mhd"))
	if err != nil {
		return nil, nil, fmt.Errorf("read deformation field: %w", err)
	}
	field, err := metaimage.ToField(img, moving.Shape, moving.Spacing)
	if err != nil {
		return nil, nil, err
	}
	return field, Warp(moving.Data, field), nil
}

// run executes an external command, reporting the tail of its output on
// failure.
func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := out.String()
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("%s failed: %w: %s", filepath.Base(name), err, strings.TrimSpace(msg))
	}
	return nil
}
