package registration

import (
	"math"

	"mdreg/pkg/volume"
)

// Sample interpolates data at the continuous position (x, y, z) with
// trilinear interpolation (bilinear for 2D). Positions outside the frame are
// clamped to the nearest edge voxel.
func Sample(data []float64, s volume.Shape, x, y, z float64) float64 {
	x = clamp(x, 0, float64(s.Width-1))
	y = clamp(y, 0, float64(s.Height-1))

	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, s.Width-1), min(y0+1, s.Height-1)
	fx, fy := x-float64(x0), y-float64(y0)

	if s.Depth <= 1 {
		return bilinear(data, s, x0, x1, y0, y1, 0, fx, fy)
	}

	z = clamp(z, 0, float64(s.Depth-1))
	z0 := int(math.Floor(z))
	z1 := min(z0+1, s.Depth-1)
	fz := z - float64(z0)

	lo := bilinear(data, s, x0, x1, y0, y1, z0, fx, fy)
	if fz == 0 {
		return lo
	}
	hi := bilinear(data, s, x0, x1, y0, y1, z1, fx, fy)
	return lo*(1-fz) + hi*fz
}

func bilinear(data []float64, s volume.Shape, x0, x1, y0, y1, z int, fx, fy float64) float64 {
	v00 := data[s.Index(x0, y0, z)]
	v10 := data[s.Index(x1, y0, z)]
	v01 := data[s.Index(x0, y1, z)]
	v11 := data[s.Index(x1, y1, z)]
	top := v00*(1-fx) + v10*fx
	bottom := v01*(1-fx) + v11*fx
	return top*(1-fy) + bottom*fy
}

// Warp resamples moving through field f: out(x) = moving(x + f(x)).
func Warp(moving []float64, f *volume.Field) []float64 {
	s := f.Shape
	out := make([]float64, s.Voxels())
	for v := range out {
		x, y, z := s.Coords(v)
		u := f.Vector(v)
		px, py, pz := float64(x)+u[0], float64(y)+u[1], float64(z)
		if f.Dims > 2 {
			pz += u[2]
		}
		out[v] = Sample(moving, s, px, py, pz)
	}
	return out
}

// Compose returns the single field equivalent to warping with inner first
// and outer second, i.e. for a frame M:
//
//	Warp(Warp(M, inner), outer) ≈ Warp(M, Compose(inner, outer))
func Compose(inner, outer *volume.Field) *volume.Field {
	s := outer.Shape
	out := volume.ZeroField(s)
	comps := make([][]float64, inner.Dims)
	for c := range comps {
		comps[c] = inner.Component(c)
	}
	for v := 0; v < s.Voxels(); v++ {
		x, y, z := s.Coords(v)
		u := outer.Vector(v)
		px, py, pz := float64(x)+u[0], float64(y)+u[1], float64(z)
		if outer.Dims > 2 {
			pz += u[2]
		}
		dst := out.Vector(v)
		for c := range dst {
			dst[c] = u[c] + Sample(comps[c], s, px, py, pz)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
