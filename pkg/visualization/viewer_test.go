package visualization

import (
	"image/gif"
	"os"
	"path/filepath"
	"testing"

	"mdreg/pkg/volume"
)

// rampSeries fills frame t of a volume with the value z*10 + t
func rampSeries(shape volume.Shape, length int) *volume.Series {
	s := volume.NewSeries(shape, length)
	for t := 0; t < length; t++ {
		frame := s.Frame(t)
		for v := range frame {
			_, _, z := shape.Coords(v)
			frame[v] = float64(z*10 + t)
		}
	}
	return s
}

// TestNewViewerWindow verifies the default and explicit intensity windows
func TestNewViewerWindow(t *testing.T) {
	s := volume.NewSeries(volume.Shape{Width: 10, Height: 10, Depth: 1}, 2)
	for i := range s.Data {
		s.Data[i] = float64(i % 100)
	}

	vmin, vmax := NewViewer(s, 0, 0).Window()
	if vmin != 0 || vmax < 97 || vmax > 99 {
		t.Errorf("Expected window [0, ~98], got [%f, %f]", vmin, vmax)
	}

	vmin, vmax = NewViewer(s, 10, 20).Window()
	if vmin != 10 || vmax != 20 {
		t.Errorf("Expected window [10, 20], got [%f, %f]", vmin, vmax)
	}

	flat := volume.NewSeries(volume.Shape{Width: 2, Height: 2, Depth: 1}, 2)
	if _, vmax := NewViewer(flat, 0, 0).Window(); vmax <= 0 {
		t.Errorf("Expected a non-empty window for a flat series, got vmax %f", vmax)
	}
}

// TestExtractSlice verifies that slices are correctly extracted and scaled
func TestExtractSlice(t *testing.T) {
	shape := volume.Shape{Width: 6, Height: 4, Depth: 5}
	viewer := NewViewer(rampSeries(shape, 3), 0, 51)

	for z := 0; z < shape.Depth; z++ {
		img, err := viewer.ExtractSlice(1, "z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		b := img.Bounds()
		if b.Dx() != shape.Width || b.Dy() != shape.Height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", shape.Width, shape.Height, b.Dx(), b.Dy())
		}
		want := uint8((z*10 + 1) * 5)
		if got := img.GrayAt(2, 2).Y; got != want {
			t.Errorf("Expected Z slice value %d, got %d", want, got)
		}
	}

	imgX, err := viewer.ExtractSlice(0, "x", 3)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != shape.Depth || b.Dy() != shape.Height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", shape.Depth, shape.Height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice(0, "y", 1)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != shape.Width || b.Dy() != shape.Depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", shape.Width, shape.Depth, b.Dx(), b.Dy())
	}
	if got := imgY.GrayAt(0, 4).Y; got != 200 {
		t.Errorf("Expected Y slice value 200, got %d", got)
	}

	// values above the window are clipped to white
	narrow := NewViewer(viewer.series, 0, 20)
	clipped, err := narrow.ExtractSlice(0, "z", 4)
	if err != nil {
		t.Fatal(err)
	}
	if got := clipped.GrayAt(0, 0).Y; got != 255 {
		t.Errorf("Expected clipped value 255, got %d", got)
	}

	if _, err := viewer.ExtractSlice(0, "w", 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
	if _, err := viewer.ExtractSlice(0, "z", shape.Depth); err == nil {
		t.Error("Expected error for position beyond depth")
	}
	if _, err := viewer.ExtractSlice(3, "z", 0); err == nil {
		t.Error("Expected error for frame beyond series length")
	}
}

// TestCentralSlice checks the default slice selection
func TestCentralSlice(t *testing.T) {
	viewer := NewViewer(rampSeries(volume.Shape{Width: 8, Height: 6, Depth: 5}, 2), 0, 1)
	if got := viewer.CentralSlice("z"); got != 2 {
		t.Errorf("Expected central z slice 2, got %d", got)
	}
	if got := viewer.CentralSlice("x"); got != 4 {
		t.Errorf("Expected central x slice 4, got %d", got)
	}
}

// TestSaveFrameSequence verifies that one JPEG is written per frame
func TestSaveFrameSequence(t *testing.T) {
	shape := volume.Shape{Width: 8, Height: 8, Depth: 3}
	viewer := NewViewer(rampSeries(shape, 4), 0, 0)

	dir := filepath.Join(t.TempDir(), "frames")
	files, err := viewer.SaveFrameSequence("z", viewer.CentralSlice("z"), dir, "coreg")
	if err != nil {
		t.Fatalf("Failed to save frame sequence: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("Expected 4 files, got %d", len(files))
	}
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			t.Errorf("Expected file %s to exist: %v", f, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("File %s is empty", f)
		}
	}
}

// TestSaveAnimation writes side-by-side panels and reads them back
func TestSaveAnimation(t *testing.T) {
	shape := volume.Shape{Width: 5, Height: 4, Depth: 1}
	raw := NewViewer(rampSeries(shape, 3), 0, 10)
	fit := NewViewer(rampSeries(shape, 3), 0, 10)

	path := filepath.Join(t.TempDir(), "anim", "compare.gif")
	if err := SaveAnimation(path, 500, "z", 0, raw, fit); err != nil {
		t.Fatalf("SaveAnimation failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	anim, err := gif.DecodeAll(f)
	if err != nil {
		t.Fatalf("Failed to decode GIF: %v", err)
	}
	if len(anim.Image) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(anim.Image))
	}
	if anim.Delay[0] != 50 {
		t.Errorf("Expected delay 50, got %d", anim.Delay[0])
	}
	if b := anim.Image[0].Bounds(); b.Dx() != 2*shape.Width || b.Dy() != shape.Height {
		t.Errorf("Expected %dx%d panels, got %dx%d", 2*shape.Width, shape.Height, b.Dx(), b.Dy())
	}

	other := NewViewer(rampSeries(shape, 2), 0, 10)
	if err := SaveAnimation(path, 500, "z", 0, raw, other); err == nil {
		t.Error("Expected error for series of different length")
	}
	if err := SaveAnimation(path, 0, "z", 0, raw); err == nil {
		t.Error("Expected error for zero interval")
	}
}
