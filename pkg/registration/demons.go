package registration

import (
	"context"
	"fmt"

	"mdreg/pkg/volume"
)

// Demons is the in-process stand-in for the dipy backend: Thirion's demons
// with Gaussian regularisation of the accumulated field.
type Demons struct {
	// Iterations is the number of demons updates
	Iterations int

	// Sigma is the Gaussian regularisation width in voxels
	Sigma float64

	// Step scales every update
	Step float64
}

// NewDemons reads iterations, sigma and step from p.
func NewDemons(p Params) (*Demons, error) {
	iters, err := p.Int("iterations", 100)
	if err != nil {
		return nil, err
	}
	sigma, err := p.Float("sigma", 1.5)
	if err != nil {
		return nil, err
	}
	step, err := p.Float("step", 1.0)
	if err != nil {
		return nil, err
	}
	if iters < 1 || sigma < 0 || step <= 0 {
		return nil, fmt.Errorf("demons needs iterations >= 1, sigma >= 0 and step > 0")
	}
	return &Demons{Iterations: iters, Sigma: sigma, Step: step}, nil
}

func (d *Demons) Register(ctx context.Context, reference, moving *Frame) (*volume.Field, []float64, error) {
	s := reference.Shape
	field := volume.ZeroField(s)

	ref, mov, ok := normalize(reference.Data, moving.Data)
	if !ok {
		return field, append([]float64(nil), moving.Data...), nil
	}
	start := sumSquaredDiff(ref, mov)

	dims := field.Dims
	n := s.Voxels()
	comps := make([][]float64, dims)
	for c := range comps {
		comps[c] = make([]float64, n)
	}

	for it := 0; it < d.Iterations; it++ {
		if it%10 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}

		warped := Warp(mov, field)
		grads := Gradient(warped, s)

		for v := 0; v < n; v++ {
			diff := warped[v] - ref[v]
			den := diff * diff
			for c := 0; c < dims; c++ {
				den += grads[c][v] * grads[c][v]
			}
			if den < 1e-12 {
				continue
			}
			k := -d.Step * diff / den
			u := field.Vector(v)
			for c := 0; c < dims; c++ {
				u[c] += k * grads[c][v]
			}
		}

		for c := 0; c < dims; c++ {
			for v := 0; v < n; v++ {
				comps[c][v] = field.Data[v*dims+c]
			}
			GaussianSmooth(comps[c], s, d.Sigma)
			for v := 0; v < n; v++ {
				field.Data[v*dims+c] = comps[c][v]
			}
		}
	}

	if sumSquaredDiff(ref, Warp(mov, field)) > start*(1+1e-9) {
		return nil, nil, ErrDiverged
	}
	return field, Warp(moving.Data, field), nil
}
