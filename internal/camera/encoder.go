package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// FrameSize is a named output resolution.
type FrameSize struct {
	Name   string
	Width  int
	Height int
}

func (f FrameSize) String() string {
	return fmt.Sprintf("%s(%dx%d)", f.Name, f.Width, f.Height)
}

// FrameSizes lists the supported resolutions, smallest first. The names
// follow the ESP32 camera driver.
var FrameSizes = []FrameSize{
	{Name: "QQVGA", Width: 160, Height: 120},
	{Name: "QCIF", Width: 176, Height: 144},
	{Name: "HQVGA", Width: 240, Height: 176},
	{Name: "QVGA", Width: 320, Height: 240},
	{Name: "CIF", Width: 400, Height: 296},
	{Name: "VGA", Width: 640, Height: 480},
	{Name: "SVGA", Width: 800, Height: 600},
	{Name: "XGA", Width: 1024, Height: 768},
	{Name: "SXGA", Width: 1280, Height: 1024},
	{Name: "UXGA", Width: 1600, Height: 1200},
}

const (
	DefaultFrameSizeName = "QVGA"
	DefaultQuality       = 85
)

// ParseFrameSize resolves a frame size name (case-insensitive).
func ParseFrameSize(name string) (FrameSize, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		name = DefaultFrameSizeName
	}
	for _, fs := range FrameSizes {
		if fs.Name == name {
			return fs, nil
		}
	}
	return FrameSize{}, fmt.Errorf("camera: unknown frame size %q", name)
}

// Encoder re-encodes frames as JPEG, scaled down to fit Size.
type Encoder struct {
	Size    FrameSize
	Quality int
}

// NewEncoder validates the frame size name and quality (1..100).
func NewEncoder(size string, quality int) (Encoder, error) {
	fs, err := ParseFrameSize(size)
	if err != nil {
		return Encoder{}, err
	}
	if quality == 0 {
		quality = DefaultQuality
	}
	if quality < 1 || quality > 100 {
		return Encoder{}, fmt.Errorf("camera: jpeg quality %d out of range 1..100", quality)
	}
	return Encoder{Size: fs, Quality: quality}, nil
}

// Encode decodes raw, scales it to fit within the frame size keeping the
// aspect ratio, and returns JPEG bytes. Frames already within bounds are
// not enlarged.
func (e Encoder) Encode(raw []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("camera: decode frame: %w", err)
	}
	bounds := src.Bounds()
	w, h := fitWithin(bounds.Dx(), bounds.Dy(), e.Size.Width, e.Size.Height)
	var out image.Image = src
	if w != bounds.Dx() || h != bounds.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		out = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("camera: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 || maxW <= 0 || maxH <= 0 {
		return w, h
	}
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Compare w/maxW with h/maxH without floats.
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := w * maxH / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}

// Normalize wraps cam so every frame passes through enc.
func Normalize(cam Camera, enc Encoder) Camera {
	return Func(func(ctx context.Context) (Frame, error) {
		frame, err := cam.Capture(ctx)
		if err != nil {
			return Frame{}, err
		}
		data, err := enc.Encode(frame.Data)
		if err != nil {
			return Frame{}, err
		}
		frame.Data = data
		frame.ContentType = "image/jpeg"
		return frame, nil
	})
}
