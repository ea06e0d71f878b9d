// Package registration aligns individual frames of a volume series.
//
// A Coregistrar registers one moving frame onto a reference frame and
// returns the displacement field together with the warped moving frame. The
// package provides a small closed set of backends (elastix, skimage, dipy
// and identity) and a Runner that registers every frame of a series in
// parallel, replacing failed frames by the identity transform.
package registration

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"mdreg/pkg/volume"
)

// Frame is a single spatial frame with its physical voxel size.
type Frame struct {
	Shape volume.Shape

	// Spacing is the physical voxel size along x, y and z
	Spacing [3]float64

	Data []float64
}

// Coregistrar registers a moving frame onto a reference frame. The returned
// field u maps the moving frame into the reference space as
// warped(x) = moving(x + u(x)).
type Coregistrar interface {
	Register(ctx context.Context, reference, moving *Frame) (*volume.Field, []float64, error)
}

// Backend names one of the supported registration engines.
type Backend string

const (
	// Elastix runs the external elastix/transformix executables
	Elastix Backend = "elastix"

	// Skimage is an in-process optical flow registration
	Skimage Backend = "skimage"

	// Dipy is an in-process demons registration
	Dipy Backend = "dipy"

	// Identity never moves anything
	Identity Backend = "identity"
)

// Backends lists the accepted backend names.
func Backends() []Backend {
	return []Backend{Elastix, Skimage, Dipy, Identity}
}

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Backends() {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown registration backend %q", s)
}

// Params carries backend-specific settings. Values are kept as strings so
// that elastix parameters can be passed through verbatim.
type Params map[string]string

// Float returns the value of key parsed as a float, or def when unset.
func (p Params) Float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", key, err)
	}
	return v, nil
}

// Int returns the value of key parsed as an int, or def when unset.
func (p Params) Int(key string, def int) (int, error) {
	raw, ok := p[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", key, err)
	}
	return v, nil
}

// Bool returns the value of key parsed as a bool, or def when unset.
func (p Params) Bool(key string, def bool) (bool, error) {
	raw, ok := p[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("parameter %s: %w", key, err)
	}
	return v, nil
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New builds the coregistrar for backend b.
func New(b Backend, p Params) (Coregistrar, error) {
	switch b {
	case Elastix:
		return NewElastix(p), nil
	case Skimage:
		return NewOpticalFlow(p)
	case Dipy:
		return NewDemons(p)
	case Identity:
		return IdentityRegistration{}, nil
	default:
		return nil, fmt.Errorf("unknown registration backend %q", b)
	}
}

// IdentityRegistration returns the zero field and an unchanged copy of the
// moving frame.
type IdentityRegistration struct{}

func (IdentityRegistration) Register(_ context.Context, _, moving *Frame) (*volume.Field, []float64, error) {
	return volume.ZeroField(moving.Shape), append([]float64(nil), moving.Data...), nil
}
