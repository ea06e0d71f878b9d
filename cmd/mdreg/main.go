package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mdreg/internal/logging"
	"mdreg/internal/models"
	"mdreg/pkg/config"
	"mdreg/pkg/mdreg"
	"mdreg/pkg/metaimage"
	"mdreg/pkg/visualization"
	"mdreg/pkg/volume"
)

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "MetaImage (.mhd/.mha) holding the series, time as last dimension")
	configPath := flag.String("config", "mdreg.yaml", "Configuration file (.yaml or .toml)")
	outputDir := flag.String("output", "", "Output directory (overrides the configuration)")
	maxIter := flag.Int("maxit", 0, "Maximum number of iterations (overrides the configuration)")
	tolerance := flag.Float64("tol", -1, "Convergence tolerance in voxels (overrides the configuration)")
	backend := flag.String("backend", "", "Registration backend: elastix, skimage, dipy or identity")
	verbose := flag.Int("verbose", -1, "Verbosity 0..3 (overrides the configuration)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: configuration)")
	exportFrames := flag.Bool("export-frames", false, "Save the central slice of every frame as JPEG")
	animate := flag.Bool("animate", false, "Save GIF animations of the raw, fitted and coregistered series")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	// Validate inputs
	if *input == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Command line flags win over the configuration file
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *maxIter > 0 {
		cfg.Convergence.MaxIterations = *maxIter
	}
	if *tolerance >= 0 {
		cfg.Convergence.Tolerance = *tolerance
	}
	if *backend != "" {
		cfg.Registration.Backend = *backend
	}
	if *verbose >= 0 {
		cfg.Output.Verbosity = *verbose
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *exportFrames {
		cfg.Output.ExportFrames = true
	}
	if *animate {
		cfg.Output.ExportAnimations = true
	}

	log := logging.New(cfg.Output.Verbosity, os.Stderr)

	if err := run(*input, cfg, log); err != nil {
		log.Error().Err(err).Msg("Model-driven registration failed")
		os.Exit(1)
	}
}

func run(input string, cfg *config.Config, log zerolog.Logger) error {
	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts.Logger = &log

	// Step 1: load the raw series
	img, err := metaimage.Read(input)
	if err != nil {
		return fmt.Errorf("failed to load series: %w", err)
	}
	raw, spacing, err := metaimage.ToSeries(img)
	if err != nil {
		return fmt.Errorf("failed to load series: %w", err)
	}
	// the file's voxel size wins over the unit default
	if len(cfg.Registration.Spacing) == 0 || isUnit(opts.Spacing) {
		opts.Spacing = spacing
	}
	log.Info().Str("input", input).Str("shape", raw.Shape.String()).Int("frames", raw.Length).Msg("Series loaded")

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Step 2: run the registration loop, stopping between iterations on
	// SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	res, runErr := mdreg.Fit(ctx, raw, opts)
	if runErr != nil && !(res != nil && errors.Is(runErr, context.Canceled)) {
		return runErr
	}

	// Step 3: write the results and the run record
	manifest := models.NewRunManifest(input, opts.Spacing, opts, res)
	manifest.Started = started
	if err := writeResults(cfg.Output.Dir, raw, res, opts.Spacing, manifest); err != nil {
		return err
	}
	if cfg.Output.ExportFrames || cfg.Output.ExportAnimations {
		if err := exportImages(cfg, raw, res, manifest); err != nil {
			log.Warn().Err(err).Msg("Image export failed")
		}
	}
	manifest.Finished = time.Now()
	path, err := manifest.Save(cfg.Output.Dir)
	if err != nil {
		return err
	}

	log.Info().
		Str("status", res.Status.String()).
		Int("iterations", res.Iterations).
		Float64("metric", res.Metric).
		Str("manifest", path).
		Msg("Results written")

	fmt.Printf("Run %s: %s after %d iteration(s), metric %.4f\n", res.RunID, res.Status, res.Iterations, res.Metric)
	fmt.Printf("Results saved to: %s\n", cfg.Output.Dir)
	return runErr
}

func isUnit(s [3]float64) bool {
	return s == [3]float64{1, 1, 1}
}

// writeResults stores the coregistered series, the fields, the fit, one map
// per model parameter and the goodness-of-fit map as MetaImage files
func writeResults(dir string, raw *volume.Series, res *mdreg.Result, spacing [3]float64, m *models.RunManifest) error {
	write := func(name string, img *metaimage.Image) error {
		file := name + ".mhd"
		if err := metaimage.Write(filepath.Join(dir, file), img, metaimage.Float); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
		m.Outputs[name] = file
		return nil
	}

	if err := write("coreg", metaimage.FromSeries(res.Coregistered, spacing)); err != nil {
		return err
	}
	if err := write("fit", metaimage.FromSeries(res.Fitted, spacing)); err != nil {
		return err
	}
	defo, err := metaimage.FromFields(res.Fields, spacing)
	if err != nil {
		return err
	}
	if err := write("defo", defo); err != nil {
		return err
	}
	for _, name := range res.Params.Names() {
		if err := write("par_"+name, metaimage.FromMap(raw.Shape, res.Params[name], spacing)); err != nil {
			return err
		}
	}

	chi2, err := res.GoodnessOfFit(raw)
	if err != nil {
		return err
	}
	return write("chi2", metaimage.FromMap(raw.Shape, chi2, spacing))
}

// exportImages writes JPEG frames and GIF animations of the central slice
func exportImages(cfg *config.Config, raw *volume.Series, res *mdreg.Result, m *models.RunManifest) error {
	vmax := raw.Percentile(cfg.Output.VMaxPercentile)
	viewers := map[string]*visualization.Viewer{
		"raw":   visualization.NewViewer(raw, cfg.Output.VMin, vmax),
		"fit":   visualization.NewViewer(res.Fitted, cfg.Output.VMin, vmax),
		"coreg": visualization.NewViewer(res.Coregistered, cfg.Output.VMin, vmax),
	}
	slice := cfg.Output.Slice
	if slice < 0 {
		slice = viewers["raw"].CentralSlice("z")
	}

	if cfg.Output.ExportFrames {
		for name, v := range viewers {
			dir := filepath.Join(cfg.Output.Dir, "frames", name)
			if _, err := v.SaveFrameSequence("z", slice, dir, name); err != nil {
				return err
			}
			m.Outputs["frames_"+name] = filepath.Join("frames", name)
		}
	}

	if cfg.Output.ExportAnimations {
		for _, name := range []string{"raw", "fit", "coreg"} {
			file := filepath.Join("animations", name+".gif")
			if err := visualization.SaveAnimation(filepath.Join(cfg.Output.Dir, file), cfg.Output.Interval, "z", slice, viewers[name]); err != nil {
				return err
			}
			m.Outputs["animation_"+name] = file
		}
		file := filepath.Join("animations", "comparison.gif")
		if err := visualization.SaveAnimation(filepath.Join(cfg.Output.Dir, file), cfg.Output.Interval, "z", slice,
			viewers["raw"], viewers["fit"], viewers["coreg"]); err != nil {
			return err
		}
		m.Outputs["animation_comparison"] = file
	}
	return nil
}
