// Package volume holds the array types shared by the model-driven
// registration packages: spatial shapes, volume series, displacement fields
// and parameter maps.
//
// All arrays are stored flat in row-major order with x varying fastest, so
// that voxel (x, y, z) lives at index z*Width*Height + y*Width + x.
package volume

import (
	"fmt"
	"math"
	"sort"
)

// Shape describes the spatial extent of a single frame.
type Shape struct {
	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of voxels along z. A depth of 1 denotes 2D frames.
	Depth int
}

// Voxels returns the number of voxels in one frame.
func (s Shape) Voxels() int {
	return s.Width * s.Height * s.Depth
}

// Dims returns the number of spatial dimensions (2 or 3).
func (s Shape) Dims() int {
	if s.Depth <= 1 {
		return 2
	}
	return 3
}

// Index returns the flat index of voxel (x, y, z).
func (s Shape) Index(x, y, z int) int {
	return z*s.Width*s.Height + y*s.Width + x
}

// Coords is the inverse of Index.
func (s Shape) Coords(v int) (x, y, z int) {
	plane := s.Width * s.Height
	z = v / plane
	rem := v - z*plane
	y = rem / s.Width
	x = rem - y*s.Width
	return x, y, z
}

// Valid reports whether all extents are positive.
func (s Shape) Valid() bool {
	return s.Width > 0 && s.Height > 0 && s.Depth > 0
}

func (s Shape) String() string {
	if s.Depth <= 1 {
		return fmt.Sprintf("%dx%d", s.Width, s.Height)
	}
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Depth)
}

// Series is an ordered collection of frames indexed by an acquisition
// parameter (time, flip angle, ...). Frames are stored one after another:
// frame t occupies Data[t*N:(t+1)*N] where N = Shape.Voxels().
type Series struct {
	// Shape is the spatial shape shared by every frame
	Shape Shape

	// Length is the number of frames in the series
	Length int

	// Data holds Length frames back to back
	Data []float64
}

// NewSeries allocates a zero-valued series.
func NewSeries(shape Shape, length int) *Series {
	return &Series{
		Shape:  shape,
		Length: length,
		Data:   make([]float64, shape.Voxels()*length),
	}
}

// FromFrames builds a series by copying the given frames.
func FromFrames(shape Shape, frames [][]float64) (*Series, error) {
	s := NewSeries(shape, len(frames))
	for t, f := range frames {
		if err := s.SetFrame(t, f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Validate checks the series invariants: a valid shape, at least two
// frames and backing data of the right size.
func (s *Series) Validate() error {
	if s == nil {
		return &ShapeMismatchError{Op: "validate series", Reason: "series is nil"}
	}
	if !s.Shape.Valid() {
		return &ShapeMismatchError{Op: "validate series", Reason: fmt.Sprintf("invalid frame shape %v", s.Shape)}
	}
	if s.Length < 2 {
		return &ShapeMismatchError{Op: "validate series", Reason: fmt.Sprintf("series length %d, need at least 2", s.Length)}
	}
	if want := s.Shape.Voxels() * s.Length; len(s.Data) != want {
		return &ShapeMismatchError{Op: "validate series", Reason: fmt.Sprintf("data has %d values, shape needs %d", len(s.Data), want)}
	}
	return nil
}

// Frame returns a view of frame t. Writes through the view modify the series.
func (s *Series) Frame(t int) []float64 {
	n := s.Shape.Voxels()
	return s.Data[t*n : (t+1)*n : (t+1)*n]
}

// SetFrame copies src into frame t.
func (s *Series) SetFrame(t int, src []float64) error {
	n := s.Shape.Voxels()
	if len(src) != n {
		return &ShapeMismatchError{Op: "set frame", Reason: fmt.Sprintf("frame has %d voxels, want %d", len(src), n)}
	}
	if t < 0 || t >= s.Length {
		return fmt.Errorf("frame index %d out of range [0,%d)", t, s.Length)
	}
	copy(s.Data[t*n:(t+1)*n], src)
	return nil
}

// Signal gathers the series values of voxel v into dst, which is grown if
// needed, and returns it.
func (s *Series) Signal(v int, dst []float64) []float64 {
	if cap(dst) < s.Length {
		dst = make([]float64, s.Length)
	}
	dst = dst[:s.Length]
	n := s.Shape.Voxels()
	for t := 0; t < s.Length; t++ {
		dst[t] = s.Data[t*n+v]
	}
	return dst
}

// SetSignal scatters src into the series values of voxel v.
func (s *Series) SetSignal(v int, src []float64) {
	n := s.Shape.Voxels()
	for t := 0; t < s.Length && t < len(src); t++ {
		s.Data[t*n+v] = src[t]
	}
}

// Clone returns a deep copy.
func (s *Series) Clone() *Series {
	out := &Series{Shape: s.Shape, Length: s.Length, Data: make([]float64, len(s.Data))}
	copy(out.Data, s.Data)
	return out
}

// SameShape returns a ShapeMismatchError when o differs from s in frame
// shape or length.
func (s *Series) SameShape(op string, o *Series) error {
	if o == nil {
		return &ShapeMismatchError{Op: op, Reason: "series is nil"}
	}
	if s.Shape != o.Shape || s.Length != o.Length {
		return &ShapeMismatchError{
			Op:     op,
			Reason: fmt.Sprintf("shape %v x %d does not match %v x %d", o.Shape, o.Length, s.Shape, s.Length),
		}
	}
	return nil
}

// Percentile returns the p-th percentile (0..100) of all values in the
// series, using nearest-rank on a sorted copy.
func (s *Series) Percentile(p float64) float64 {
	if len(s.Data) == 0 {
		return 0
	}
	vals := make([]float64, 0, len(s.Data))
	for _, v := range s.Data {
		if !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	idx := int(math.Round(p / 100 * float64(len(vals)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

// Parameters maps a model parameter name to its spatial map (one value per
// voxel).
type Parameters map[string][]float64

// Names returns the parameter names in sorted order.
func (p Parameters) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Mask lists the voxel or frame indices that needed a fallback, in
// increasing order.
type Mask []int

// Contains reports whether i is in the mask.
func (m Mask) Contains(i int) bool {
	j := sort.SearchInts(m, i)
	return j < len(m) && m[j] == i
}

// NewMask builds a sorted mask from a boolean flag slice.
func NewMask(flags []bool) Mask {
	var m Mask
	for i, f := range flags {
		if f {
			m = append(m, i)
		}
	}
	return m
}
