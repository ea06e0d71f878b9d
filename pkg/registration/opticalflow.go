package registration

import (
	"context"
	"fmt"

	"mdreg/pkg/volume"
)

// OpticalFlow is the in-process stand-in for the scikit-image backend: a
// phase-correlation translation estimate refined by Horn–Schunck optical
// flow with iterative re-warping.
type OpticalFlow struct {
	// Alpha weights the smoothness term; larger values give smoother fields
	Alpha float64

	// Iterations is the number of Jacobi sweeps per warp
	Iterations int

	// Warps is the number of linearise-and-rewarp passes
	Warps int

	// PhaseCorrelation enables the translation initialisation
	PhaseCorrelation bool
}

// NewOpticalFlow reads alpha, iterations, warps and phase_correlation from p.
func NewOpticalFlow(p Params) (*OpticalFlow, error) {
	alpha, err := p.Float("alpha", 0.5)
	if err != nil {
		return nil, err
	}
	iters, err := p.Int("iterations", 50)
	if err != nil {
		return nil, err
	}
	warps, err := p.Int("warps", 5)
	if err != nil {
		return nil, err
	}
	pc, err := p.Bool("phase_correlation", true)
	if err != nil {
		return nil, err
	}
	if alpha <= 0 || iters < 1 || warps < 1 {
		return nil, fmt.Errorf("optical flow needs alpha > 0, iterations >= 1 and warps >= 1")
	}
	return &OpticalFlow{Alpha: alpha, Iterations: iters, Warps: warps, PhaseCorrelation: pc}, nil
}

func (o *OpticalFlow) Register(ctx context.Context, reference, moving *Frame) (*volume.Field, []float64, error) {
	s := reference.Shape
	field := volume.ZeroField(s)

	ref, mov, ok := normalize(reference.Data, moving.Data)
	if !ok {
		return field, append([]float64(nil), moving.Data...), nil
	}
	start := sumSquaredDiff(ref, mov)

	if o.PhaseCorrelation {
		dx, dy := phaseShift(ref, mov, s)
		if dx != 0 || dy != 0 {
			shifted := volume.ZeroField(s)
			for v := 0; v < s.Voxels(); v++ {
				u := shifted.Vector(v)
				u[0], u[1] = float64(dx), float64(dy)
			}
			if sumSquaredDiff(ref, Warp(mov, shifted)) < start {
				field = shifted
			}
		}
	}

	dims := field.Dims
	n := s.Voxels()
	alpha2 := o.Alpha * o.Alpha
	du := make([][]float64, dims)
	avg := make([][]float64, dims)
	for c := 0; c < dims; c++ {
		du[c] = make([]float64, n)
		avg[c] = make([]float64, n)
	}

	for w := 0; w < o.Warps; w++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		warped := Warp(mov, field)
		grads := Gradient(warped, s)
		for c := range du {
			clear(du[c])
		}

		for it := 0; it < o.Iterations; it++ {
			for c := 0; c < dims; c++ {
				neighbourMean(du[c], avg[c], s)
			}
			for v := 0; v < n; v++ {
				num := warped[v] - ref[v]
				den := alpha2
				for c := 0; c < dims; c++ {
					g := grads[c][v]
					num += g * avg[c][v]
					den += g * g
				}
				k := num / den
				for c := 0; c < dims; c++ {
					du[c][v] = avg[c][v] - grads[c][v]*k
				}
			}
		}

		for v := 0; v < n; v++ {
			u := field.Vector(v)
			for c := 0; c < dims; c++ {
				u[c] += du[c][v]
			}
		}
	}

	if sumSquaredDiff(ref, Warp(mov, field)) > start*(1+1e-9) {
		return nil, nil, ErrDiverged
	}
	return field, Warp(moving.Data, field), nil
}
