// Package metaimage reads and writes ITK MetaImage files (.mhd header with a
// .raw data file, or a single .mha file with LOCAL data). It is the exchange
// format used with elastix and for the command line inputs and outputs.
package metaimage

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ElementType is the on-disk scalar type.
type ElementType string

const (
	Float  ElementType = "MET_FLOAT"
	Double ElementType = "MET_DOUBLE"
	UChar  ElementType = "MET_UCHAR"
	Char   ElementType = "MET_CHAR"
	UShort ElementType = "MET_USHORT"
	Short  ElementType = "MET_SHORT"
	UInt   ElementType = "MET_UINT"
	Int    ElementType = "MET_INT"
)

func (t ElementType) size() int {
	switch t {
	case UChar, Char:
		return 1
	case UShort, Short:
		return 2
	case UInt, Int, Float:
		return 4
	case Double:
		return 8
	default:
		return 0
	}
}

// Image is an N-dimensional image with optional vector channels. Data is
// stored with the first dimension varying fastest and channels interleaved
// per element.
type Image struct {
	// Dims is DimSize, one extent per dimension
	Dims []int

	// Spacing is ElementSpacing; defaults to 1 per dimension
	Spacing []float64

	// Offset is the physical origin; defaults to 0 per dimension
	Offset []float64

	// Channels is ElementNumberOfChannels (1 for scalar images)
	Channels int

	Data []float64
}

// Elements returns the number of spatial elements (excluding channels).
func (img *Image) Elements() int {
	n := 1
	for _, d := range img.Dims {
		n *= d
	}
	return n
}

func (img *Image) channels() int {
	if img.Channels < 1 {
		return 1
	}
	return img.Channels
}

// Write stores img as path (.mhd) and a sibling .raw file, or as a single
// file with LOCAL data when path ends in .mha.
func Write(path string, img *Image, t ElementType) error {
	if t.size() == 0 {
		return fmt.Errorf("unsupported element type %s", t)
	}
	if want := img.Elements() * img.channels(); len(img.Data) != want {
		return fmt.Errorf("image has %d values, dims need %d", len(img.Data), want)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	local := strings.EqualFold(filepath.Ext(path), ".mha")
	dataFile := "LOCAL"
	if !local {
		dataFile = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".raw"
	}

	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "ObjectType = Image\n")
	fmt.Fprintf(&hdr, "NDims = %d\n", len(img.Dims))
	fmt.Fprintf(&hdr, "BinaryData = True\n")
	fmt.Fprintf(&hdr, "BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(&hdr, "CompressedData = False\n")
	fmt.Fprintf(&hdr, "Offset = %s\n", joinFloats(fill(img.Offset, len(img.Dims), 0)))
	fmt.Fprintf(&hdr, "ElementSpacing = %s\n", joinFloats(fill(img.Spacing, len(img.Dims), 1)))
	fmt.Fprintf(&hdr, "DimSize = %s\n", joinInts(img.Dims))
	if img.channels() > 1 {
		fmt.Fprintf(&hdr, "ElementNumberOfChannels = %d\n", img.channels())
	}
	fmt.Fprintf(&hdr, "ElementType = %s\n", t)
	fmt.Fprintf(&hdr, "ElementDataFile = %s\n", dataFile)

	raw, err := encode(img.Data, t)
	if err != nil {
		return err
	}

	if local {
		hdr.Write(raw)
		return os.WriteFile(path, hdr.Bytes(), 0644)
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), dataFile), raw, 0644); err != nil {
		return fmt.Errorf("error writing image data: %w", err)
	}
	return os.WriteFile(path, hdr.Bytes(), 0644)
}

// Read loads a MetaImage from path. Data is converted to float64.
func Read(path string) (*Image, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	header := map[string]string{}
	offset := 0
	reader := bufio.NewReader(bytes.NewReader(content))
	for {
		line, err := reader.ReadString('\n')
		offset += len(line)
		if key, value, ok := strings.Cut(line, "="); ok {
			key = strings.TrimSpace(key)
			header[key] = strings.TrimSpace(value)
			if key == "ElementDataFile" {
				break
			}
		}
		if err == io.EOF {
			return nil, fmt.Errorf("%s: missing ElementDataFile", path)
		}
		if err != nil {
			return nil, err
		}
	}

	img := &Image{Channels: 1}
	if img.Dims, err = parseInts(header["DimSize"]); err != nil || len(img.Dims) == 0 {
		return nil, fmt.Errorf("%s: invalid DimSize %q", path, header["DimSize"])
	}
	if nd, ok := header["NDims"]; ok {
		if n, err := strconv.Atoi(nd); err != nil || n != len(img.Dims) {
			return nil, fmt.Errorf("%s: NDims %q does not match DimSize", path, nd)
		}
	}
	spacingKey := "ElementSpacing"
	if _, ok := header[spacingKey]; !ok {
		spacingKey = "ElementSize"
	}
	if s, ok := header[spacingKey]; ok {
		if img.Spacing, err = parseFloats(s); err != nil {
			return nil, fmt.Errorf("%s: invalid %s: %w", path, spacingKey, err)
		}
	}
	img.Spacing = fill(img.Spacing, len(img.Dims), 1)
	if s, ok := header["Offset"]; ok {
		if img.Offset, err = parseFloats(s); err != nil {
			return nil, fmt.Errorf("%s: invalid Offset: %w", path, err)
		}
	}
	img.Offset = fill(img.Offset, len(img.Dims), 0)
	if c, ok := header["ElementNumberOfChannels"]; ok {
		if img.Channels, err = strconv.Atoi(c); err != nil || img.Channels < 1 {
			return nil, fmt.Errorf("%s: invalid ElementNumberOfChannels %q", path, c)
		}
	}

	t := ElementType(header["ElementType"])
	if t.size() == 0 {
		return nil, fmt.Errorf("%s: unsupported ElementType %q", path, t)
	}

	var raw []byte
	if dataFile := header["ElementDataFile"]; strings.EqualFold(dataFile, "LOCAL") {
		raw = content[offset:]
	} else {
		if !filepath.IsAbs(dataFile) {
			dataFile = filepath.Join(filepath.Dir(path), dataFile)
		}
		if raw, err = os.ReadFile(dataFile); err != nil {
			return nil, fmt.Errorf("error reading image data: %w", err)
		}
	}

	if isTrue(header["CompressedData"]) {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	var order binary.ByteOrder = binary.LittleEndian
	if isTrue(header["BinaryDataByteOrderMSB"]) || isTrue(header["ElementByteOrderMSB"]) {
		order = binary.BigEndian
	}

	count := img.Elements() * img.Channels
	if len(raw) < count*t.size() {
		return nil, fmt.Errorf("%s: data has %d bytes, need %d", path, len(raw), count*t.size())
	}
	img.Data = decode(raw, count, t, order)
	return img, nil
}

func encode(data []float64, t ElementType) ([]byte, error) {
	size := t.size()
	buf := make([]byte, len(data)*size)
	le := binary.LittleEndian
	for i, v := range data {
		b := buf[i*size:]
		switch t {
		case Float:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case Double:
			le.PutUint64(b, math.Float64bits(v))
		case UChar:
			b[0] = uint8(v)
		case Char:
			b[0] = byte(int8(v))
		case UShort:
			le.PutUint16(b, uint16(v))
		case Short:
			le.PutUint16(b, uint16(int16(v)))
		case UInt:
			le.PutUint32(b, uint32(v))
		case Int:
			le.PutUint32(b, uint32(int32(v)))
		default:
			return nil, fmt.Errorf("unsupported element type %s", t)
		}
	}
	return buf, nil
}

func decode(raw []byte, count int, t ElementType, order binary.ByteOrder) []float64 {
	size := t.size()
	out := make([]float64, count)
	for i := range out {
		b := raw[i*size:]
		switch t {
		case Float:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case Double:
			out[i] = math.Float64frombits(order.Uint64(b))
		case UChar:
			out[i] = float64(b[0])
		case Char:
			out[i] = float64(int8(b[0]))
		case UShort:
			out[i] = float64(order.Uint16(b))
		case Short:
			out[i] = float64(int16(order.Uint16(b)))
		case UInt:
			out[i] = float64(order.Uint32(b))
		case Int:
			out[i] = float64(int32(order.Uint32(b)))
		}
	}
	return out
}

func isTrue(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func fill(v []float64, n int, def float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i < len(v) {
			out[i] = v[i]
		} else {
			out[i] = def
		}
	}
	return out
}

func parseInts(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, " ")
}

func joinFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}
