package recognition

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"pkt.systems/lockgate/internal/artifact"
)

// ErrEmptyArtifact is returned for zero-byte artifacts.
var ErrEmptyArtifact = errors.New("recognition: empty artifact")

// Decode returns a gate that only delegates to next when the artifact is a
// non-empty image that decodes completely. JPEG, PNG, BMP and WebP are
// accepted.
func Decode(next Gate) Gate {
	return &decodeGate{next: next}
}

type decodeGate struct {
	next Gate
}

func (g *decodeGate) Evaluate(ctx context.Context, art *artifact.Artifact) (Outcome, error) {
	if art == nil || art.Size == 0 {
		return Error, ErrEmptyArtifact
	}
	rc, err := art.Open(ctx)
	if err != nil {
		return Error, err
	}
	img, format, err := image.Decode(bufio.NewReader(rc))
	closeErr := rc.Close()
	if err != nil {
		return Error, fmt.Errorf("recognition: decode artifact %s: %w", art.ID, err)
	}
	if closeErr != nil {
		return Error, closeErr
	}
	if b := img.Bounds(); b.Empty() {
		return Error, fmt.Errorf("recognition: %s artifact %s has no pixels", format, art.ID)
	}
	if g.next == nil {
		return Error, errors.New("recognition: decode gate has no delegate")
	}
	outcome, err := g.next.Evaluate(ctx, art)
	if err != nil {
		return Error, err
	}
	return outcome, nil
}
