package metaimage

import (
	"fmt"

	"mdreg/pkg/volume"
)

// ToSeries interprets img as a volume series: 3 dimensions are a 2D series
// (x, y, t), 4 dimensions a 3D series (x, y, z, t). The spatial spacing is
// returned alongside.
func ToSeries(img *Image) (*volume.Series, [3]float64, error) {
	spacing := [3]float64{1, 1, 1}
	if img.channels() != 1 {
		return nil, spacing, fmt.Errorf("series image must be scalar, has %d channels", img.Channels)
	}

	var shape volume.Shape
	var length int
	switch len(img.Dims) {
	case 3:
		shape = volume.Shape{Width: img.Dims[0], Height: img.Dims[1], Depth: 1}
		length = img.Dims[2]
	case 4:
		shape = volume.Shape{Width: img.Dims[0], Height: img.Dims[1], Depth: img.Dims[2]}
		length = img.Dims[3]
	default:
		return nil, spacing, fmt.Errorf("series image needs 3 or 4 dimensions, has %d", len(img.Dims))
	}

	sp := fill(img.Spacing, len(img.Dims), 1)
	spacing[0], spacing[1] = sp[0], sp[1]
	if shape.Depth > 1 {
		spacing[2] = sp[2]
	}

	s := &volume.Series{Shape: shape, Length: length, Data: append([]float64(nil), img.Data...)}
	if err := s.Validate(); err != nil {
		return nil, spacing, err
	}
	return s, spacing, nil
}

func spatialDims(shape volume.Shape) []int {
	if shape.Depth <= 1 {
		return []int{shape.Width, shape.Height}
	}
	return []int{shape.Width, shape.Height, shape.Depth}
}

func spatialSpacing(shape volume.Shape, spacing [3]float64) []float64 {
	return spacing[:len(spatialDims(shape))]
}

// FromSeries wraps a series as an image with the series as last dimension.
func FromSeries(s *volume.Series, spacing [3]float64) *Image {
	dims := append(spatialDims(s.Shape), s.Length)
	sp := append(append([]float64(nil), spatialSpacing(s.Shape, spacing)...), 1)
	return &Image{Dims: dims, Spacing: sp, Channels: 1, Data: s.Data}
}

// FromFields stores a set of displacement fields as a vector image, one
// channel per component, with the frame index as last dimension.
func FromFields(fs volume.FieldSet, spacing [3]float64) (*Image, error) {
	if len(fs) == 0 {
		return nil, fmt.Errorf("no fields to store")
	}
	shape, dims := fs[0].Shape, fs[0].Dims
	data := make([]float64, 0, len(fs)*len(fs[0].Data))
	for i, f := range fs {
		if f.Shape != shape || f.Dims != dims {
			return nil, &volume.ShapeMismatchError{Op: "store fields", Reason: fmt.Sprintf("field %d differs from field 0", i)}
		}
		data = append(data, f.Data...)
	}
	return &Image{
		Dims:     append(spatialDims(shape), len(fs)),
		Spacing:  append(append([]float64(nil), spatialSpacing(shape, spacing)...), 1),
		Channels: dims,
		Data:     data,
	}, nil
}

// FromMap wraps a single spatial map (a parameter or diagnostic map).
func FromMap(shape volume.Shape, data []float64, spacing [3]float64) *Image {
	return &Image{
		Dims:     spatialDims(shape),
		Spacing:  append([]float64(nil), spatialSpacing(shape, spacing)...),
		Channels: 1,
		Data:     data,
	}
}

// ToField reads a single-frame vector image (as written by transformix) as a
// displacement field in voxel units, dividing the physical components by the
// spacing.
func ToField(img *Image, shape volume.Shape, spacing [3]float64) (*volume.Field, error) {
	dims := shape.Dims()
	if img.channels() != dims {
		return nil, &volume.ShapeMismatchError{Op: "read field", Reason: fmt.Sprintf("field has %d channels, want %d", img.Channels, dims)}
	}
	if img.Elements() != shape.Voxels() {
		return nil, &volume.ShapeMismatchError{Op: "read field", Reason: fmt.Sprintf("field has %d voxels, want %d", img.Elements(), shape.Voxels())}
	}
	f := volume.ZeroField(shape)
	for i, v := range img.Data[:len(f.Data)] {
		sp := spacing[i%dims]
		if sp == 0 {
			sp = 1
		}
		f.Data[i] = v / sp
	}
	return f, nil
}
