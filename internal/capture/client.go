// Package capture runs the capture node's capture-and-forward cycle: take
// one frame, POST it to the controller once, report the status.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/lockgate/internal/camera"
	"pkt.systems/lockgate/internal/correlation"
	"pkt.systems/pslog"
)

// UploadPath is the controller ingest route.
const UploadPath = "/upload"

// DefaultTimeout bounds one forward request.
const DefaultTimeout = 15 * time.Second

// TransportError reports a forward that did not end in 200. StatusCode is
// zero when no response was received.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("capture: forward failed: %v", e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("capture: controller answered %d", e.StatusCode)
	}
	return fmt.Sprintf("capture: controller answered %d: %v", e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Result describes one completed exchange.
type Result struct {
	StatusCode int           `json:"status_code"`
	Bytes      int           `json:"bytes"`
	Elapsed    time.Duration `json:"elapsed"`
	Source     string        `json:"source,omitempty"`
	CID        string        `json:"cid,omitempty"`
}

// Config wires a Client.
type Config struct {
	// ControllerURL is the controller base URL, e.g. http://192.168.1.100:80.
	ControllerURL string
	Camera        camera.Camera
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        pslog.Logger
}

// Client performs capture-and-forward cycles.
type Client struct {
	uploadURL string
	camera    camera.Camera
	timeout   time.Duration
	http      *http.Client
	logger    pslog.Logger
	forwards  metric.Int64Counter
}

// ControllerURL builds the controller base URL from an address and port.
// An address that already carries a scheme is used as is.
func ControllerURL(address string, port int) string {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "://") {
		return strings.TrimRight(address, "/")
	}
	if port <= 0 {
		port = 80
	}
	return "http://" + net.JoinHostPort(address, strconv.Itoa(port))
}

// NewClient validates cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ControllerURL == "" {
		return nil, errors.New("capture: controller url required")
	}
	if cfg.Camera == nil {
		return nil, errors.New("capture: camera required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	forwards, err := otel.Meter("pkt.systems/lockgate/capture").Int64Counter(
		"lockgate.capture.forward",
		metric.WithDescription("Capture-and-forward cycles by result"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "lockgate.capture.forward", "error", err)
	}
	return &Client{
		uploadURL: strings.TrimRight(cfg.ControllerURL, "/") + UploadPath,
		camera:    cfg.Camera,
		timeout:   cfg.Timeout,
		http:      httpClient,
		logger:    logger,
		forwards:  forwards,
	}, nil
}

// CaptureAndForward captures one frame and forwards it. It never retries.
func (c *Client) CaptureAndForward(ctx context.Context) (Result, error) {
	frame, err := c.camera.Capture(ctx)
	if err != nil {
		c.record(ctx, "capture_failed")
		c.logger.Warn("capture.acquire.failed", "error", err)
		return Result{}, fmt.Errorf("capture: acquire frame: %w", err)
	}
	return c.Forward(ctx, frame)
}

// Forward issues exactly one POST with frame as the body. Only 200 counts
// as success.
func (c *Client) Forward(ctx context.Context, frame camera.Frame) (Result, error) {
	ctx, cid := correlation.Ensure(ctx)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	logger := c.logger.With("cid", cid)
	start := time.Now()
	res := Result{Bytes: len(frame.Data), Source: frame.Source, CID: cid}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(frame.Data))
	if err != nil {
		return res, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "image/jpeg")
	correlation.Inject(ctx, req)
	resp, err := c.http.Do(req)
	res.Elapsed = time.Since(start)
	if err != nil {
		c.record(ctx, "transport_error")
		logger.Warn("capture.forward.failed", "url", c.uploadURL, "error", err, "elapsed", res.Elapsed)
		return res, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.record(ctx, "rejected")
		logger.Warn("capture.forward.rejected", "url", c.uploadURL, "status", resp.StatusCode, "elapsed", res.Elapsed)
		var cause error
		if msg := strings.TrimSpace(string(detail)); msg != "" {
			cause = errors.New(msg)
		}
		return res, &TransportError{StatusCode: resp.StatusCode, Err: cause}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	c.record(ctx, "ok")
	logger.Info("capture.forward.ok", "bytes", res.Bytes, "elapsed", res.Elapsed, "source", frame.Source)
	return res, nil
}

func (c *Client) record(ctx context.Context, result string) {
	if c.forwards == nil {
		return
	}
	c.forwards.Add(ctx, 1, metric.WithAttributes(attribute.String("lockgate.capture.result", result)))
}
