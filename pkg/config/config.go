// Package config provides configuration loading and management for mdreg.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"mdreg/pkg/convergence"
	"mdreg/pkg/fitting"
	"mdreg/pkg/mdreg"
	"mdreg/pkg/registration"
)

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Signal model parameters
	Model struct {
		// Name selects a built-in model (constant, polynomial, exp_decay,
		// abs_exp_recovery)
		Name string `yaml:"name" toml:"name"`

		// Degree of the polynomial model
		Degree int `yaml:"degree" toml:"degree"`

		// Abscissa names the constant holding the acquisition parameter
		// per frame; the frame index is used when empty
		Abscissa string `yaml:"abscissa" toml:"abscissa"`

		// Constants are the acquisition constants, e.g. TE, TI or b-values
		Constants map[string][]float64 `yaml:"constants" toml:"constants"`

		// VoxelTimeout bounds each voxel fit ("0" disables)
		VoxelTimeout string `yaml:"voxelTimeout" toml:"voxel_timeout"`

		// Fallback is the value of failed voxels: raw or zero
		Fallback string `yaml:"fallback" toml:"fallback"`
	} `yaml:"model" toml:"model"`

	// Registration parameters
	Registration struct {
		// Backend is one of elastix, skimage, dipy, identity
		Backend string `yaml:"backend" toml:"backend"`

		// Params are passed to the backend verbatim
		Params map[string]string `yaml:"params" toml:"params"`

		// Spacing is the voxel size along x, y and z
		Spacing []float64 `yaml:"spacing" toml:"spacing"`

		// Target is raw or previous
		Target string `yaml:"target" toml:"target"`

		// ComposeFields accumulates fields when the target is previous
		ComposeFields bool `yaml:"composeFields" toml:"compose_fields"`

		// FrameTimeout bounds each frame registration ("0" disables)
		FrameTimeout string `yaml:"frameTimeout" toml:"frame_timeout"`
	} `yaml:"registration" toml:"registration"`

	// Convergence parameters
	Convergence struct {
		// MaxIterations is the hard iteration cap
		MaxIterations int `yaml:"maxIterations" toml:"max_iterations"`

		// Tolerance is the stopping threshold in voxels
		Tolerance float64 `yaml:"tolerance" toml:"tolerance"`

		// Metric is max or mean
		Metric string `yaml:"metric" toml:"metric"`
	} `yaml:"convergence" toml:"convergence"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" toml:"num_cores"`
	} `yaml:"processing" toml:"processing"`

	// Output parameters
	Output struct {
		// Dir receives the result images and the run manifest
		Dir string `yaml:"dir" toml:"dir"`

		// Verbosity is 0 (warnings only) to 3 (trace)
		Verbosity int `yaml:"verbosity" toml:"verbosity"`

		// KeepHistory records per-iteration diagnostics in the manifest
		KeepHistory bool `yaml:"keepHistory" toml:"keep_history"`

		// ExportAnimations writes GIF animations of the raw, fitted and
		// coregistered series
		ExportAnimations bool `yaml:"exportAnimations" toml:"export_animations"`

		// ExportFrames writes every frame of the animated slice as JPEG
		ExportFrames bool `yaml:"exportFrames" toml:"export_frames"`

		// Interval between animation frames in milliseconds
		Interval int `yaml:"interval" toml:"interval"`

		// Slice is the z index shown; -1 selects the central slice
		Slice int `yaml:"slice" toml:"slice"`

		// VMin is the intensity shown as black
		VMin float64 `yaml:"vmin" toml:"vmin"`

		// VMaxPercentile selects the intensity shown as white
		VMaxPercentile float64 `yaml:"vmaxPercentile" toml:"vmax_percentile"`
	} `yaml:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default model parameters
	cfg.Model.Name = "constant"
	cfg.Model.Degree = 2
	cfg.Model.Constants = map[string][]float64{}
	cfg.Model.VoxelTimeout = "0s"
	cfg.Model.Fallback = "raw"

	// Set default registration parameters
	cfg.Registration.Backend = string(registration.Elastix)
	cfg.Registration.Params = map[string]string{}
	cfg.Registration.Spacing = []float64{1, 1, 1}
	cfg.Registration.Target = "raw"
	cfg.Registration.FrameTimeout = "0s"

	// Set default convergence parameters
	cfg.Convergence.MaxIterations = 5
	cfg.Convergence.Tolerance = 1.0
	cfg.Convergence.Metric = string(convergence.Max)

	// Use all available cores by default
	cfg.Processing.NumCores = runtime.NumCPU()

	// Set default output parameters
	cfg.Output.Dir = "mdreg_output"
	cfg.Output.Verbosity = 1
	cfg.Output.Interval = 500
	cfg.Output.Slice = -1
	cfg.Output.VMin = 0
	cfg.Output.VMaxPercentile = 99

	return cfg
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by the
// .toml extension. Values not present in the file keep their defaults.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		if err := loadTOML(configPath, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

func loadTOML(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("error parsing config file: unknown keys %s", strings.Join(keys, ", "))
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file, or TOML when the path
// ends in .toml
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("error writing config file: %w", err)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		return f.Close()
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the configuration by converting it to run options
func (c *Config) Validate() error {
	_, err := c.Options()
	return err
}

// Options converts the configuration into validated run options. Every
// invalid value is reported as a *mdreg.ConfigurationError.
func (c *Config) Options() (mdreg.Options, error) {
	opts := mdreg.DefaultOptions()

	model, err := fitting.ModelByName(c.Model.Name, c.Model.Degree, c.Model.Abscissa)
	if err != nil {
		return opts, &mdreg.ConfigurationError{Field: "model.name", Reason: err.Error()}
	}
	opts.Model = model
	opts.Constants = fitting.Constants(c.Model.Constants)

	if opts.VoxelTimeout, err = parseDuration(c.Model.VoxelTimeout); err != nil {
		return opts, &mdreg.ConfigurationError{Field: "model.voxelTimeout", Reason: err.Error()}
	}
	if opts.Fallback, err = fitting.ParseFallback(c.Model.Fallback); err != nil {
		return opts, &mdreg.ConfigurationError{Field: "model.fallback", Reason: err.Error()}
	}

	if opts.Backend, err = registration.ParseBackend(c.Registration.Backend); err != nil {
		return opts, &mdreg.ConfigurationError{Field: "registration.backend", Reason: err.Error()}
	}
	opts.BackendParams = registration.Params(c.Registration.Params)
	if opts.BackendParams == nil {
		opts.BackendParams = registration.Params{}
	}

	switch len(c.Registration.Spacing) {
	case 0:
	case 2:
		// in-plane spacing only; z stays 1
		copy(opts.Spacing[:], c.Registration.Spacing)
		opts.Spacing[2] = 1
	case 3:
		copy(opts.Spacing[:], c.Registration.Spacing)
	default:
		return opts, &mdreg.ConfigurationError{
			Field:  "registration.spacing",
			Reason: fmt.Sprintf("need 2 or 3 values, got %d", len(c.Registration.Spacing)),
		}
	}
	if opts.Target, err = mdreg.ParseTarget(c.Registration.Target); err != nil {
		return opts, &mdreg.ConfigurationError{Field: "registration.target", Reason: err.Error()}
	}
	opts.ComposeFields = c.Registration.ComposeFields
	if opts.FrameTimeout, err = parseDuration(c.Registration.FrameTimeout); err != nil {
		return opts, &mdreg.ConfigurationError{Field: "registration.frameTimeout", Reason: err.Error()}
	}

	opts.MaxIterations = c.Convergence.MaxIterations
	opts.Tolerance = c.Convergence.Tolerance
	opts.Metric = convergence.Metric(c.Convergence.Metric)

	opts.Workers = c.Processing.NumCores
	opts.Verbosity = c.Output.Verbosity
	opts.KeepHistory = c.Output.KeepHistory

	if c.Output.Interval <= 0 {
		return opts, &mdreg.ConfigurationError{Field: "output.interval", Reason: "must be positive"}
	}
	if c.Output.VMaxPercentile <= 0 || c.Output.VMaxPercentile > 100 {
		return opts, &mdreg.ConfigurationError{Field: "output.vmaxPercentile", Reason: "must be in (0, 100]"}
	}

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}
