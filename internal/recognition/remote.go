package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/lockgate/internal/artifact"
)

// DefaultRemoteTimeout bounds a remote evaluation.
const DefaultRemoteTimeout = 5 * time.Second

// RemoteConfig configures Remote.
type RemoteConfig struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// RemoteResponse is the body returned by the recognition service.
type RemoteResponse struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Remote posts artifacts to an external recognition service. The service
// answers 200 with a RemoteResponse; anything else yields Error.
type Remote struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewRemote validates cfg and returns a Remote gate.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("recognition: remote url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Remote{url: cfg.URL, timeout: cfg.Timeout, client: client}, nil
}

// Evaluate implements Gate.
func (r *Remote) Evaluate(ctx context.Context, art *artifact.Artifact) (Outcome, error) {
	if art == nil {
		return Error, ErrEmptyArtifact
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	body, err := art.Open(ctx)
	if err != nil {
		return Error, err
	}
	defer body.Close()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, body)
	if err != nil {
		return Error, fmt.Errorf("recognition: build request: %w", err)
	}
	req.ContentLength = art.Size
	req.Header.Set("Content-Type", art.ContentType)
	req.Header.Set("X-Lockgate-Artifact-Id", art.ID)
	req.Header.Set("X-Lockgate-Artifact-Sha256", art.SHA256)
	req.Header.Set("X-Lockgate-Artifact-Size", strconv.FormatInt(art.Size, 10))
	resp, err := r.client.Do(req)
	if err != nil {
		return Error, fmt.Errorf("recognition: remote call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Error, fmt.Errorf("recognition: remote status %d", resp.StatusCode)
	}
	var decoded RemoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&decoded); err != nil {
		return Error, fmt.Errorf("recognition: decode remote response: %w", err)
	}
	if decoded.Outcome == Error {
		return Error, fmt.Errorf("recognition: remote reported error: %s", decoded.Reason)
	}
	return decoded.Outcome, nil
}
