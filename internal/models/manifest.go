package models

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mdreg/pkg/mdreg"
	"mdreg/pkg/volume"
)

// ManifestFile is the name of the run record inside an output directory
const ManifestFile = "manifest.yaml"

// Dimensions describes the input series
type Dimensions struct {
	// Width, Height and Depth of each frame in voxels
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	Depth  int `yaml:"depth"`

	// Frames is the series length
	Frames int `yaml:"frames"`

	// Spacing is the voxel size along x, y and z
	Spacing [3]float64 `yaml:"spacing,flow"`
}

// RunManifest records one command line run: what went in, how the loop
// ended and which files were written
type RunManifest struct {
	// RunID matches the run field of the log lines
	RunID string `yaml:"run_id"`

	// Input is the path of the raw series
	Input string `yaml:"input"`

	// Started and Finished bracket the run
	Started  time.Time `yaml:"started"`
	Finished time.Time `yaml:"finished"`

	Dimensions Dimensions `yaml:"dimensions"`

	// Model and Backend name the fit and registration stages
	Model   string `yaml:"model"`
	Backend string `yaml:"backend"`

	// Status is converged, max_iterations_reached or cancelled
	Status     string  `yaml:"status"`
	Iterations int     `yaml:"iterations"`
	Metric     float64 `yaml:"metric"`
	Tolerance  float64 `yaml:"tolerance"`

	// Failures in the final iteration
	FitFailures          int `yaml:"fit_failures"`
	RegistrationFailures int `yaml:"registration_failures"`

	// History is only filled when per-iteration diagnostics were kept
	History []mdreg.IterationSummary `yaml:"history,omitempty"`

	// Outputs maps a result name (coreg, defo, fit, par_<name>, chi2) to
	// its file name relative to the manifest
	Outputs map[string]string `yaml:"outputs"`
}

// NewRunManifest fills the manifest from a finished run
func NewRunManifest(input string, spacing [3]float64, opts mdreg.Options, res *mdreg.Result) *RunManifest {
	m := &RunManifest{
		RunID:                res.RunID,
		Input:                input,
		Dimensions:           dimensions(res.Coregistered, spacing),
		Backend:              string(opts.Backend),
		Status:               res.Status.String(),
		Iterations:           res.Iterations,
		Metric:               res.Metric,
		Tolerance:            opts.Tolerance,
		FitFailures:          len(res.FitFailures),
		RegistrationFailures: len(res.RegistrationFailures),
		History:              res.History,
		Outputs:              map[string]string{},
	}
	if opts.Model != nil {
		m.Model = opts.Model.Name()
	}
	return m
}

func dimensions(s *volume.Series, spacing [3]float64) Dimensions {
	if s == nil {
		return Dimensions{Spacing: spacing}
	}
	return Dimensions{
		Width:   s.Shape.Width,
		Height:  s.Shape.Height,
		Depth:   s.Shape.Depth,
		Frames:  s.Length,
		Spacing: spacing,
	}
}

// Save writes the manifest as YAML into dir
func (m *RunManifest) Save(dir string) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("error marshaling manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("error writing manifest: %w", err)
	}
	return path, nil
}

// LoadRunManifest reads a manifest written by Save
func LoadRunManifest(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	m := &RunManifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	return m, nil
}
