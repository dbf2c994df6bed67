package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pngFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{G: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestParseFrameSize(t *testing.T) {
	fs, err := ParseFrameSize("")
	if err != nil || fs.Name != "QVGA" || fs.Width != 320 || fs.Height != 240 {
		t.Fatalf("default frame size: %v %v", fs, err)
	}
	fs, err = ParseFrameSize("uxga")
	if err != nil || fs.Width != 1600 {
		t.Fatalf("uxga: %v %v", fs, err)
	}
	if _, err := ParseFrameSize("8K"); err == nil {
		t.Fatal("expected unknown frame size error")
	}
}

func TestNewEncoderQualityBounds(t *testing.T) {
	enc, err := NewEncoder("VGA", 0)
	if err != nil || enc.Quality != DefaultQuality {
		t.Fatalf("default quality: %+v %v", enc, err)
	}
	for _, q := range []int{-1, 101} {
		if _, err := NewEncoder("VGA", q); err == nil {
			t.Fatalf("quality %d must be rejected", q)
		}
	}
}

func TestEncoderScalesDownAndKeepsAspect(t *testing.T) {
	enc, err := NewEncoder("QVGA", 70)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	out, err := enc.Encode(pngFrame(t, 640, 360))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" || cfg.Width != 320 || cfg.Height != 180 {
		t.Fatalf("unexpected output %s %dx%d", format, cfg.Width, cfg.Height)
	}
}

func TestEncoderDoesNotUpscale(t *testing.T) {
	enc, _ := NewEncoder("VGA", 90)
	out, err := enc.Encode(pngFrame(t, 100, 80))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 80 {
		t.Fatalf("small frame resized to %dx%d", cfg.Width, cfg.Height)
	}
}

func TestEncoderRejectsGarbage(t *testing.T) {
	enc, _ := NewEncoder("QVGA", 80)
	if _, err := enc.Encode([]byte("nope")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDirectoryPicksNewestImage(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "a.jpg")
	newer := filepath.Join(dir, "b.png")
	ignored := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, newer, ignored} {
		if err := os.WriteFile(p, []byte(filepath.Base(p)), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	base := time.Now().Add(-time.Hour)
	_ = os.Chtimes(old, base, base)
	_ = os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute))
	_ = os.Chtimes(ignored, base.Add(time.Hour), base.Add(time.Hour))

	frame, err := Directory{Dir: dir}.Capture(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if frame.Source != newer || string(frame.Data) != "b.png" {
		t.Fatalf("expected newest image, got %s", frame.Source)
	}
}

func TestDirectoryEmpty(t *testing.T) {
	if _, err := (Directory{Dir: t.TempDir()}).Capture(context.Background()); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	frame := pngFrame(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/snap" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(frame)
	}))
	defer srv.Close()

	got, err := Snapshot{URL: srv.URL + "/snap", Client: srv.Client()}.Capture(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !bytes.Equal(got.Data, frame) || got.ContentType != "image/png" {
		t.Fatalf("unexpected frame %q", got.ContentType)
	}
	if _, err := (Snapshot{URL: srv.URL + "/missing", Client: srv.Client()}).Capture(context.Background()); err == nil {
		t.Fatal("expected error for 404 snapshot")
	}
}

func TestNormalizeProducesJPEG(t *testing.T) {
	enc, _ := NewEncoder("QQVGA", 60)
	cam := Normalize(Static{Data: pngFrame(t, 320, 240)}, enc)
	frame, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame.Data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.ContentType != "image/jpeg" || cfg.Width != 160 || cfg.Height != 120 {
		t.Fatalf("unexpected normalized frame %s %dx%d", frame.ContentType, cfg.Width, cfg.Height)
	}
}

func TestStaticEmpty(t *testing.T) {
	if _, err := (Static{}).Capture(context.Background()); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}
