package registration

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"mdreg/pkg/volume"
)

// Gradient computes central-difference derivatives of data along each
// spatial axis (one-sided at the borders). It returns Dims() slices.
func Gradient(data []float64, s volume.Shape) [][]float64 {
	dims := s.Dims()
	grads := make([][]float64, dims)
	for c := range grads {
		grads[c] = make([]float64, s.Voxels())
	}
	for v := range data {
		x, y, z := s.Coords(v)
		grads[0][v] = diff(data, x, s.Width, func(i int) int { return s.Index(i, y, z) })
		grads[1][v] = diff(data, y, s.Height, func(i int) int { return s.Index(x, i, z) })
		if dims > 2 {
			grads[2][v] = diff(data, z, s.Depth, func(i int) int { return s.Index(x, y, i) })
		}
	}
	return grads
}

func diff(data []float64, pos, n int, at func(int) int) float64 {
	if n < 2 {
		return 0
	}
	switch pos {
	case 0:
		return data[at(1)] - data[at(0)]
	case n - 1:
		return data[at(n-1)] - data[at(n-2)]
	default:
		return (data[at(pos+1)] - data[at(pos-1)]) / 2
	}
}

// GaussianSmooth filters data in place with a separable Gaussian kernel of
// the given standard deviation in voxels. Borders are edge-clamped.
func GaussianSmooth(data []float64, s volume.Shape, sigma float64) {
	if sigma <= 0 {
		return
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)

	tmp := make([]float64, len(data))
	axes := s.Dims()
	for axis := 0; axis < axes; axis++ {
		copy(tmp, data)
		for v := range data {
			x, y, z := s.Coords(v)
			var acc float64
			for k, w := range kernel {
				o := k - radius
				switch axis {
				case 0:
					acc += w * tmp[s.Index(clampInt(x+o, s.Width), y, z)]
				case 1:
					acc += w * tmp[s.Index(x, clampInt(y+o, s.Height), z)]
				case 2:
					acc += w * tmp[s.Index(x, y, clampInt(z+o, s.Depth))]
				}
			}
			data[v] = acc
		}
	}
}

// neighbourMean writes the mean of the 4 (2D) or 6 (3D) face neighbours of
// every voxel into dst, edge-clamped.
func neighbourMean(src, dst []float64, s volume.Shape) {
	threeD := s.Dims() > 2
	for v := range src {
		x, y, z := s.Coords(v)
		sum := src[s.Index(clampInt(x-1, s.Width), y, z)] +
			src[s.Index(clampInt(x+1, s.Width), y, z)] +
			src[s.Index(x, clampInt(y-1, s.Height), z)] +
			src[s.Index(x, clampInt(y+1, s.Height), z)]
		n := 4.0
		if threeD {
			sum += src[s.Index(x, y, clampInt(z-1, s.Depth))] +
				src[s.Index(x, y, clampInt(z+1, s.Depth))]
			n = 6
		}
		dst[v] = sum / n
	}
}

// normalize scales reference and moving by a common factor so that the
// registration parameters are independent of the intensity units. It
// returns false when both frames are identically zero.
func normalize(reference, moving []float64) ([]float64, []float64, bool) {
	var scale float64
	for _, v := range reference {
		scale = math.Max(scale, math.Abs(v))
	}
	for _, v := range moving {
		scale = math.Max(scale, math.Abs(v))
	}
	if scale == 0 {
		return nil, nil, false
	}
	r := append([]float64(nil), reference...)
	m := append([]float64(nil), moving...)
	floats.Scale(1/scale, r)
	floats.Scale(1/scale, m)
	return r, m, true
}

// sumSquaredDiff returns Σ (a-b)².
func sumSquaredDiff(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clampInt(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
