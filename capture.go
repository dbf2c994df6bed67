package lockgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/lockgate/internal/camera"
	"pkt.systems/lockgate/internal/capture"
	"pkt.systems/lockgate/internal/httpapi"
	"pkt.systems/lockgate/internal/svcfields"
	"pkt.systems/pslog"
)

// CaptureServer is the capture node: a trigger page, the capture route and
// an optional directory watcher.
type CaptureServer struct {
	cfg       CaptureConfig
	logger    pslog.Logger
	client    *capture.Client
	watcher   *capture.Watcher
	httpSrv   *http.Server
	telemetry *telemetryBundle

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	watchStop    context.CancelFunc
	watchDone    sync.WaitGroup
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// CaptureOption configures capture node instances.
type CaptureOption func(*captureOptions)

type captureOptions struct {
	Logger     pslog.Logger
	Camera     camera.Camera
	HTTPClient *http.Client
}

// WithCaptureLogger supplies a custom logger.
func WithCaptureLogger(l pslog.Logger) CaptureOption {
	return func(o *captureOptions) { o.Logger = l }
}

// WithCamera replaces the configured camera source. Frames from it are not
// re-encoded.
func WithCamera(c camera.Camera) CaptureOption {
	return func(o *captureOptions) { o.Camera = c }
}

// WithHTTPClient overrides the client used to reach the controller.
func WithHTTPClient(c *http.Client) CaptureOption {
	return func(o *captureOptions) { o.HTTPClient = c }
}

// NewCaptureServer wires a capture node from cfg.
func NewCaptureServer(cfg CaptureConfig, opts ...CaptureOption) (*CaptureServer, error) {
	var o captureOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Camera != nil && strings.TrimSpace(cfg.CameraSource) == "" {
		cfg.CameraSource = "injected"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger)
	encoder, err := camera.NewEncoder(cfg.FrameSize, cfg.JPEGQuality)
	if err != nil {
		return nil, err
	}
	cam := o.Camera
	if cam == nil {
		raw, err := openCamera(cfg.CameraSource)
		if err != nil {
			return nil, err
		}
		cam = camera.Normalize(raw, encoder)
	}

	telemetry, err := setupTelemetry(context.Background(), "lockgate-capture", cfg.Telemetry, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*CaptureServer, error) {
		if telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(ctx)
			cancel()
		}
		return nil, err
	}

	client, err := capture.NewClient(capture.Config{
		ControllerURL: capture.ControllerURL(cfg.ControllerAddress, cfg.ControllerPort),
		Camera:        cam,
		Timeout:       cfg.ForwardTimeout,
		HTTPClient:    o.HTTPClient,
		Logger:        svcfields.WithSubsystem(logger, "capture.forward"),
	})
	if err != nil {
		return fail(err)
	}
	srv := &CaptureServer{
		cfg:       cfg,
		logger:    logger.With("svc", "capture"),
		client:    client,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	if cfg.Watch {
		dir, _ := watchDir(cfg.CameraSource)
		srv.watcher, err = capture.NewWatcher(dir, cfg.WatchDebounce, client, &encoder, svcfields.WithSubsystem(logger, "capture.watch"))
		if err != nil {
			return fail(err)
		}
	}
	handler, err := httpapi.NewCapture(httpapi.CaptureConfig{
		Forwarder:       client,
		Logger:          logger,
		EnableHTTPTrace: !cfg.Telemetry.DisableHTTPTracing,
	})
	if err != nil {
		return fail(err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	srv.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

// openCamera maps a camera source to an implementation.
func openCamera(source string) (camera.Camera, error) {
	source = strings.TrimSpace(source)
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return camera.Snapshot{URL: source}, nil
	case strings.HasPrefix(source, "file://"):
		path := strings.TrimPrefix(source, "file://")
		return camera.Func(func(context.Context) (camera.Frame, error) {
			return camera.ReadFile(path)
		}), nil
	}
	if dir, ok := watchDir(source); ok {
		return camera.Directory{Dir: dir}, nil
	}
	return nil, fmt.Errorf("config: unsupported camera source %q", source)
}

// CaptureAndForward runs one cycle outside HTTP, e.g. from a CLI trigger.
func (s *CaptureServer) CaptureAndForward(ctx context.Context) (capture.Result, error) {
	return s.client.CaptureAndForward(ctx)
}

// Handler returns the underlying HTTP handler.
func (s *CaptureServer) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves the capture node and blocks until it stops.
func (s *CaptureServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening",
		append([]any{
			"address", ln.Addr().String(),
			"controller", capture.ControllerURL(s.cfg.ControllerAddress, s.cfg.ControllerPort),
			"watch", s.watcher != nil,
		}, s.cfg.Network.Redacted()...)...)
	s.startWatcher()
	s.readyOnce.Do(func() { close(s.readyCh) })
	err = s.httpSrv.Serve(ln)
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

func (s *CaptureServer) startWatcher() {
	if s.watcher == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.watchStop = cancel
	s.mu.Unlock()
	s.watchDone.Add(1)
	go func() {
		defer s.watchDone.Done()
		if err := s.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("capture.watch.stopped", "error", err)
		}
	}()
}

// Shutdown stops the HTTP server and the watcher.
func (s *CaptureServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	stop := s.watchStop
	s.watchStop = nil
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if stop != nil {
		stop()
		s.watchDone.Wait()
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// WaitUntilReady blocks until the listener is initialised or ctx ends.
func (s *CaptureServer) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *CaptureServer) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// StartCaptureServer starts a capture node in the background.
func StartCaptureServer(ctx context.Context, cfg CaptureConfig, opts ...CaptureOption) (*CaptureServer, func(context.Context) error, error) {
	srv, err := NewCaptureServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	stop, err := runInBackground(ctx, srv.Start, srv.Shutdown, srv.WaitUntilReady)
	if err != nil {
		return nil, nil, err
	}
	return srv, stop, nil
}
