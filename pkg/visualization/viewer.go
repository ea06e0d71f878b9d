package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"mdreg/pkg/volume"
)

// DefaultPercentile selects the intensity shown as white when no explicit
// window is given.
const DefaultPercentile = 99

// Viewer renders slices of a series as 8-bit grayscale images. Intensities
// are mapped linearly from [vmin, vmax] onto [0, 255] and clipped.
type Viewer struct {
	series *volume.Series

	vmin float64
	vmax float64
}

// NewViewer creates a viewer for s with the window [vmin, vmax]. When vmax
// does not exceed vmin, vmax is set to the 99th percentile of the series.
func NewViewer(s *volume.Series, vmin, vmax float64) *Viewer {
	if vmax <= vmin {
		vmax = s.Percentile(DefaultPercentile)
	}
	if vmax <= vmin {
		vmax = vmin + 1
	}
	return &Viewer{series: s, vmin: vmin, vmax: vmax}
}

// Window returns the intensity range mapped onto black and white.
func (v *Viewer) Window() (vmin, vmax float64) {
	return v.vmin, v.vmax
}

// CentralSlice returns the middle position along axis.
func (v *Viewer) CentralSlice(axis string) int {
	s := v.series.Shape
	switch axis {
	case "x", "X":
		return s.Width / 2
	case "y", "Y":
		return s.Height / 2
	default:
		return s.Depth / 2
	}
}

func (v *Viewer) gray(value float64) uint8 {
	if math.IsNaN(value) {
		return 0
	}
	scaled := (value - v.vmin) / (v.vmax - v.vmin) * 255
	return uint8(math.Max(0, math.Min(255, math.Round(scaled))))
}

// ExtractSlice extracts a 2D slice of one frame along the specified axis
func (v *Viewer) ExtractSlice(frame int, axis string, position int) (*image.Gray, error) {
	if frame < 0 || frame >= v.series.Length {
		return nil, fmt.Errorf("frame %d outside series of length %d", frame, v.series.Length)
	}
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	s := v.series.Shape
	data := v.series.Frame(frame)
	var img *image.Gray

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= s.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, s.Width)
		}
		img = image.NewGray(image.Rect(0, 0, s.Depth, s.Height))
		for y := 0; y < s.Height; y++ {
			for z := 0; z < s.Depth; z++ {
				img.SetGray(z, y, color.Gray{Y: v.gray(data[s.Index(position, y, z)])})
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= s.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, s.Height)
		}
		img = image.NewGray(image.Rect(0, 0, s.Width, s.Depth))
		for z := 0; z < s.Depth; z++ {
			for x := 0; x < s.Width; x++ {
				img.SetGray(x, z, color.Gray{Y: v.gray(data[s.Index(x, position, z)])})
			}
		}

	case "z", "Z":
		// XY plane
		if position >= s.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, s.Depth)
		}
		img = image.NewGray(image.Rect(0, 0, s.Width, s.Height))
		for y := 0; y < s.Height; y++ {
			for x := 0; x < s.Width; x++ {
				img.SetGray(x, y, color.Gray{Y: v.gray(data[s.Index(x, y, position)])})
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return err
	}
	return file.Close()
}

// SaveFrameSequence writes the slice at position of every frame as
// <prefix>_<frame>.jpg into outputDir
func (v *Viewer) SaveFrameSequence(axis string, position int, outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	files := make([]string, 0, v.series.Length)
	for t := 0; t < v.series.Length; t++ {
		img, err := v.ExtractSlice(t, axis, position)
		if err != nil {
			return nil, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%03d.jpg", prefix, t))
		if err := SaveSlice(img, filename); err != nil {
			return nil, err
		}
		files = append(files, filename)
	}

	return files, nil
}

func grayPalette() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.Gray{Y: uint8(i)}
	}
	return p
}

// SaveAnimation writes an animated GIF cycling through the frames of the
// given viewers, shown side by side in argument order. interval is the
// delay between frames in milliseconds. All viewers must hold series of the
// same shape and length.
func SaveAnimation(filename string, interval int, axis string, position int, viewers ...*Viewer) error {
	if len(viewers) == 0 {
		return fmt.Errorf("no series to animate")
	}
	first := viewers[0].series
	for _, v := range viewers[1:] {
		if err := first.SameShape("animation", v.series); err != nil {
			return err
		}
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %d", interval)
	}

	palette := grayPalette()
	anim := &gif.GIF{}
	for t := 0; t < first.Length; t++ {
		var frame *image.Paletted
		for i, v := range viewers {
			img, err := v.ExtractSlice(t, axis, position)
			if err != nil {
				return err
			}
			b := img.Bounds()
			if frame == nil {
				frame = image.NewPaletted(image.Rect(0, 0, b.Dx()*len(viewers), b.Dy()), palette)
			}
			dst := image.Rect(i*b.Dx(), 0, (i+1)*b.Dx(), b.Dy())
			draw.Draw(frame, dst, img, b.Min, draw.Src)
		}
		anim.Image = append(anim.Image, frame)
		// GIF delays are in hundredths of a second
		anim.Delay = append(anim.Delay, (interval+5)/10)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := gif.EncodeAll(file, anim); err != nil {
		return err
	}
	return file.Close()
}
