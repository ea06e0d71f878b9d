package volume

import (
	"fmt"
	"math"
)

// Field is a dense displacement field over one frame. Each voxel carries a
// vector with Dims components (x, y and, for 3D frames, z), expressed in
// voxel units.
//
// A field u warps a moving frame M into W(x) = M(x + u(x)).
type Field struct {
	// Shape is the spatial shape of the frame the field belongs to
	Shape Shape

	// Dims is the number of vector components per voxel
	Dims int

	// Data holds the components interleaved: Data[v*Dims+c]
	Data []float64
}

// ZeroField returns the identity (all-zero) displacement for shape.
func ZeroField(shape Shape) *Field {
	dims := shape.Dims()
	return &Field{
		Shape: shape,
		Dims:  dims,
		Data:  make([]float64, shape.Voxels()*dims),
	}
}

// Vector returns a view of the displacement at voxel v.
func (f *Field) Vector(v int) []float64 {
	return f.Data[v*f.Dims : (v+1)*f.Dims : (v+1)*f.Dims]
}

// Magnitude returns the Euclidean length of the displacement at voxel v.
func (f *Field) Magnitude(v int) float64 {
	var sum float64
	for _, c := range f.Vector(v) {
		sum += c * c
	}
	return math.Sqrt(sum)
}

// MaxMagnitude returns the largest displacement length in the field.
func (f *Field) MaxMagnitude() float64 {
	var max float64
	for v := 0; v < f.Shape.Voxels(); v++ {
		if m := f.Magnitude(v); m > max {
			max = m
		}
	}
	return max
}

// IsZero reports whether every component is exactly zero.
func (f *Field) IsZero() bool {
	for _, c := range f.Data {
		if c != 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (f *Field) Clone() *Field {
	out := &Field{Shape: f.Shape, Dims: f.Dims, Data: make([]float64, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// Component extracts component c as a scalar map.
func (f *Field) Component(c int) []float64 {
	out := make([]float64, f.Shape.Voxels())
	for v := range out {
		out[v] = f.Data[v*f.Dims+c]
	}
	return out
}

// Validate checks that the field is consistent with its shape.
func (f *Field) Validate() error {
	if f == nil {
		return &ShapeMismatchError{Op: "validate field", Reason: "field is nil"}
	}
	if f.Dims != f.Shape.Dims() {
		return &ShapeMismatchError{Op: "validate field", Reason: fmt.Sprintf("field has %d components, shape %v needs %d", f.Dims, f.Shape, f.Shape.Dims())}
	}
	if want := f.Shape.Voxels() * f.Dims; len(f.Data) != want {
		return &ShapeMismatchError{Op: "validate field", Reason: fmt.Sprintf("field has %d values, want %d", len(f.Data), want)}
	}
	return nil
}

// FieldSet holds one displacement field per frame of a series.
type FieldSet []*Field

// IdentityFields returns length zero fields of the given shape.
func IdentityFields(shape Shape, length int) FieldSet {
	fs := make(FieldSet, length)
	for i := range fs {
		fs[i] = ZeroField(shape)
	}
	return fs
}

// Clone deep-copies every field.
func (fs FieldSet) Clone() FieldSet {
	out := make(FieldSet, len(fs))
	for i, f := range fs {
		out[i] = f.Clone()
	}
	return out
}

// MaxMagnitude returns the largest displacement length across all frames.
func (fs FieldSet) MaxMagnitude() float64 {
	var max float64
	for _, f := range fs {
		if m := f.MaxMagnitude(); m > max {
			max = m
		}
	}
	return max
}

// Compatible returns a ShapeMismatchError if o cannot be compared with fs
// frame by frame.
func (fs FieldSet) Compatible(op string, o FieldSet) error {
	if len(fs) != len(o) {
		return &ShapeMismatchError{Op: op, Reason: fmt.Sprintf("%d fields vs %d fields", len(fs), len(o))}
	}
	for i := range fs {
		a, b := fs[i], o[i]
		if a == nil || b == nil {
			return &ShapeMismatchError{Op: op, Reason: fmt.Sprintf("field %d is nil", i)}
		}
		if a.Shape != b.Shape || a.Dims != b.Dims || len(a.Data) != len(b.Data) {
			return &ShapeMismatchError{
				Op:     op,
				Reason: fmt.Sprintf("field %d: %v/%d vs %v/%d", i, a.Shape, a.Dims, b.Shape, b.Dims),
			}
		}
	}
	return nil
}
