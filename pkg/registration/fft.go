package registration

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"mdreg/pkg/volume"
)

// fft2D performs a 2D Fourier transform of a width x height plane stored in
// row-major order. Rows are transformed first, then columns. When inverse
// is set the unnormalised inverse transform is computed instead.
func fft2D(data []complex128, width, height int, inverse bool) []complex128 {
	rowFFT := fourier.NewCmplxFFT(width)
	colFFT := fourier.NewCmplxFFT(height)

	result := make([]complex128, width*height)

	row := make([]complex128, width)
	rowOut := make([]complex128, width)
	for y := 0; y < height; y++ {
		copy(row, data[y*width:(y+1)*width])
		if inverse {
			rowFFT.Sequence(rowOut, row)
		} else {
			rowFFT.Coefficients(rowOut, row)
		}
		copy(result[y*width:(y+1)*width], rowOut)
	}

	col := make([]complex128, height)
	colOut := make([]complex128, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			col[y] = result[y*width+x]
		}
		if inverse {
			colFFT.Sequence(colOut, col)
		} else {
			colFFT.Coefficients(colOut, col)
		}
		for y := 0; y < height; y++ {
			result[y*width+x] = colOut[y]
		}
	}

	return result
}

// projectXY averages a frame along z, giving a single width x height plane.
func projectXY(data []float64, s volume.Shape) []complex128 {
	plane := make([]complex128, s.Width*s.Height)
	inv := 1 / float64(s.Depth)
	for v, val := range data {
		x, y, _ := s.Coords(v)
		plane[y*s.Width+x] += complex(val*inv, 0)
	}
	return plane
}

// phaseShift estimates the integer in-plane translation (dx, dy) such that
// moving(x+dx, y+dy) ≈ reference(x, y), using the normalised cross-power
// spectrum. 3D frames are projected along z first.
func phaseShift(reference, moving []float64, s volume.Shape) (dx, dy int) {
	w, h := s.Width, s.Height
	fr := fft2D(projectXY(reference, s), w, h, false)
	fm := fft2D(projectXY(moving, s), w, h, false)

	cross := make([]complex128, len(fr))
	for i := range fr {
		c := cmplx.Conj(fr[i]) * fm[i]
		if mag := cmplx.Abs(c); mag > 1e-12 {
			cross[i] = c / complex(mag, 0)
		}
	}

	corr := fft2D(cross, w, h, true)

	best, peak := math.Inf(-1), 0
	for i, c := range corr {
		if r := real(c); r > best {
			best, peak = r, i
		}
	}

	dx, dy = peak%w, peak/w
	if dx > w/2 {
		dx -= w
	}
	if dy > h/2 {
		dy -= h
	}
	return dx, dy
}
