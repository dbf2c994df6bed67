// Package camera acquires frames for the capture node.
//
// The camera sensor itself is outside this program: frames come from a
// spool directory fed by an external capture tool, from an IP camera
// snapshot URL, or from a fixed test frame. Encoder normalises any of them
// to a JPEG of the configured frame size and quality.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoFrame is returned when a source has nothing to capture.
var ErrNoFrame = errors.New("camera: no frame available")

// MaxFrameBytes bounds a single raw frame.
const MaxFrameBytes = 16 << 20

// Frame is one captured image.
type Frame struct {
	Data        []byte
	ContentType string
	CapturedAt  time.Time
	Source      string
}

// Camera captures a single frame per call.
type Camera interface {
	Capture(ctx context.Context) (Frame, error)
}

// Func adapts a function to Camera.
type Func func(ctx context.Context) (Frame, error)

// Capture calls f.
func (f Func) Capture(ctx context.Context) (Frame, error) { return f(ctx) }

// Static always returns the same frame.
type Static struct {
	Data []byte
}

// Capture implements Camera.
func (s Static) Capture(context.Context) (Frame, error) {
	if len(s.Data) == 0 {
		return Frame{}, ErrNoFrame
	}
	return Frame{
		Data:        append([]byte(nil), s.Data...),
		ContentType: http.DetectContentType(s.Data),
		CapturedAt:  time.Now().UTC(),
		Source:      "static",
	}, nil
}

// ImageExtensions lists the file suffixes Directory considers frames.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// IsImageFile reports whether name has one of ImageExtensions.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range ImageExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

// Directory returns the most recently modified image in Dir.
type Directory struct {
	Dir string
}

// Capture implements Camera.
func (d Directory) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return Frame{}, fmt.Errorf("camera: read %s: %w", d.Dir, err)
	}
	var (
		newest  string
		newestT time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestT) || (info.ModTime().Equal(newestT) && entry.Name() > filepath.Base(newest)) {
			newest = filepath.Join(d.Dir, entry.Name())
			newestT = info.ModTime()
		}
	}
	if newest == "" {
		return Frame{}, ErrNoFrame
	}
	return ReadFile(newest)
}

// ReadFile loads a single frame file.
func ReadFile(path string) (Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return Frame{}, fmt.Errorf("camera: open frame: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxFrameBytes+1))
	if err != nil {
		return Frame{}, fmt.Errorf("camera: read frame: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return Frame{}, fmt.Errorf("camera: frame %s exceeds %d bytes", path, MaxFrameBytes)
	}
	if len(data) == 0 {
		return Frame{}, ErrNoFrame
	}
	return Frame{
		Data:        data,
		ContentType: http.DetectContentType(data),
		CapturedAt:  time.Now().UTC(),
		Source:      path,
	}, nil
}

// Snapshot fetches a still image from an HTTP endpoint, such as the
// snapshot URL most IP cameras expose.
type Snapshot struct {
	URL    string
	Client *http.Client
}

// Capture implements Camera.
func (s Snapshot) Capture(ctx context.Context) (Frame, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("camera: build snapshot request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("camera: snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("camera: snapshot status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameBytes+1))
	if err != nil {
		return Frame{}, fmt.Errorf("camera: read snapshot: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return Frame{}, fmt.Errorf("camera: snapshot exceeds %d bytes", MaxFrameBytes)
	}
	if len(data) == 0 {
		return Frame{}, ErrNoFrame
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return Frame{Data: data, ContentType: contentType, CapturedAt: time.Now().UTC(), Source: s.URL}, nil
}
