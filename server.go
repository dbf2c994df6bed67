package lockgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/lockgate/internal/actuator"
	"pkt.systems/lockgate/internal/artifact"
	"pkt.systems/lockgate/internal/audit"
	"pkt.systems/lockgate/internal/clock"
	"pkt.systems/lockgate/internal/decision"
	"pkt.systems/lockgate/internal/httpapi"
	"pkt.systems/lockgate/internal/recognition"
	"pkt.systems/lockgate/internal/session"
	"pkt.systems/lockgate/internal/storage"
	"pkt.systems/lockgate/internal/svcfields"
	"pkt.systems/pslog"
)

// Server is the controller node: ingest, decision and the lock actuator.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	sessions     *session.Manager
	actuator     *actuator.Controller
	pipeline     *decision.Pipeline
	httpSrv      *http.Server
	listener     net.Listener
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	loopStop  context.CancelFunc
	loopDone  sync.WaitGroup
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
	Gate    recognition.Gate
	Output  actuator.Output
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithBackend injects a pre-built backend (useful for tests). The server
// still wraps it with logging and retries but does not own its lifecycle
// beyond Close.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.Backend = b }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithGate replaces the configured recognizer. Like the built-in ones it
// only sees artifacts that decode as non-empty images.
func WithGate(g recognition.Gate) Option {
	return func(o *options) { o.Gate = g }
}

// WithOutput replaces the configured output driver.
func WithOutput(out actuator.Output) Option {
	return func(o *options) { o.Output = out }
}

// NewServer wires a controller from cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger)
	serverClock := clock.Or(o.Clock)

	telemetry, err := setupTelemetry(context.Background(), "lockgate-controller", cfg.Telemetry, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(ctx)
			cancel()
		}
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(cfg, logger.With("svc", "storage"))
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	backend = wrapBackend(backend, cfg, logger, serverClock)
	fail := func(err error) (*Server, error) {
		_ = backend.Close()
		cleanup()
		return nil, err
	}

	artifacts, err := artifact.New(artifact.Config{
		Backend:         backend,
		SpoolDir:        cfg.SpoolDir,
		MemoryThreshold: cfg.SpoolMemoryThreshold,
		Logger:          svcfields.WithSubsystem(logger, "controller.artifact"),
		Now:             serverClock.Now,
	})
	if err != nil {
		return fail(err)
	}

	output := o.Output
	if output == nil {
		output, err = buildOutput(cfg, logger)
		if err != nil {
			return fail(err)
		}
	}
	act, err := actuator.New(actuator.Config{
		Output: output,
		Clock:  serverClock,
		Logger: svcfields.WithSubsystem(logger, "controller.actuator"),
	})
	if err != nil {
		return fail(err)
	}

	var gate recognition.Gate
	if o.Gate != nil {
		gate = recognition.Decode(o.Gate)
	} else {
		gate, err = buildGate(cfg)
		if err != nil {
			return fail(err)
		}
	}

	var recorder *audit.Recorder
	if cfg.Audit {
		recorder, err = audit.NewRecorder(backend)
		if err != nil {
			return fail(err)
		}
	}
	pipeline, err := decision.New(decision.Config{
		Gate:            gate,
		Actuator:        act,
		UnlockDuration:  cfg.UnlockDuration,
		Recorder:        recorder,
		Artifacts:       artifacts,
		RetainArtifacts: cfg.RetainArtifacts,
		Clock:           serverClock,
		Logger:          svcfields.WithSubsystem(logger, "controller.decision"),
	})
	if err != nil {
		return fail(err)
	}

	sessions, err := session.NewManager(session.Config{
		Artifacts:   artifacts,
		Decider:     pipeline,
		Clock:       serverClock,
		Logger:      svcfields.WithSubsystem(logger, "controller.session"),
		IdleTimeout: cfg.SessionIdleTimeout,
		MaxBytes:    cfg.MaxArtifactBytes,
	})
	if err != nil {
		return fail(err)
	}

	srv := &Server{
		cfg:      cfg,
		logger:   logger.With("svc", "server"),
		backend:  backend,
		sessions: sessions,
		actuator: act,
		pipeline: pipeline,
		clock:    serverClock,
		readyCh:  make(chan struct{}),
	}
	hcfg := httpapi.Config{
		Sessions:        sessions,
		Actuator:        act,
		Decisions:       pipeline,
		Logger:          logger,
		ChunkSize:       cfg.UploadChunkSize,
		Ready:           srv.readiness,
		EnableHTTPTrace: !cfg.Telemetry.DisableHTTPTracing,
	}
	if recorder != nil {
		hcfg.Events = recorder
	}
	handler, err := httpapi.New(hcfg)
	if err != nil {
		return fail(err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	srv.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	srv.telemetry = telemetry
	return srv, nil
}

func buildOutput(cfg Config, logger pslog.Logger) (actuator.Output, error) {
	switch cfg.OutputDriver {
	case OutputDriverSysfs:
		root := cfg.SysfsRoot
		if root == "" {
			root = actuator.DefaultSysfsRoot
		}
		return actuator.NewSysfsOutput(root, cfg.OutputPin, cfg.OutputActiveLow)
	default:
		return &actuator.LogOutput{
			Pin:       cfg.OutputPin,
			ActiveLow: cfg.OutputActiveLow,
			Logger:    svcfields.WithSubsystem(logger, "controller.output"),
		}, nil
	}
}

func buildGate(cfg Config) (recognition.Gate, error) {
	var inner recognition.Gate
	switch cfg.Recognizer {
	case RecognizerGrant:
		inner = recognition.Static(recognition.Granted)
	case RecognizerRemote:
		remote, err := recognition.NewRemote(recognition.RemoteConfig{
			URL:     cfg.RecognizerURL,
			Timeout: cfg.RecognizerTimeout,
		})
		if err != nil {
			return nil, err
		}
		inner = remote
	default:
		inner = recognition.Static(recognition.Denied)
	}
	return recognition.Decode(inner), nil
}

// Handler returns the underlying HTTP handler so the controller can be
// mounted inside an existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening",
		append([]any{"address", ln.Addr().String(), "store", s.cfg.Store, "recognizer", s.cfg.Recognizer}, s.cfg.Network.Redacted()...)...)
	s.startLoops()
	s.signalReady()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting uploads, re-locks the output and releases the
// backend and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopLoops()
	if err := s.actuator.Lock(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) readiness() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.New("shutting down")
	}
	return nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the listener is initialised or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// startLoops runs the actuator re-lock loop and the session sweeper.
func (s *Server) startLoops() {
	s.mu.Lock()
	if s.loopStop != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.loopStop = cancel
	s.mu.Unlock()

	s.loopDone.Add(1)
	go func() {
		defer s.loopDone.Done()
		_ = s.actuator.Run(ctx, actuator.DefaultPollInterval)
	}()
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.loopDone.Add(1)
	go func() {
		defer s.loopDone.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.cfg.SweeperInterval):
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Server) sweep(ctx context.Context) {
	if s.sessions.Sweep(ctx) {
		s.logger.Info("sweeper.session.aborted", "reason", "idle_timeout")
	}
	s.actuator.Tick(ctx)
}

func (s *Server) stopLoops() {
	s.mu.Lock()
	stop := s.loopStop
	s.loopStop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		s.loopDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error returned by Serve, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// ActuatorState reports the logical lock state.
func (s *Server) ActuatorState() actuator.State {
	return s.actuator.State()
}

// LastDecision returns the most recent decision.
func (s *Server) LastDecision() (decision.Result, bool) {
	return s.pipeline.Last()
}

// StartServer starts a controller in the background and returns it with a
// stop function. Cancelling ctx also stops it.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	stop, err := runInBackground(ctx, srv.Start, srv.Shutdown, srv.WaitUntilReady)
	if err != nil {
		return nil, nil, err
	}
	return srv, stop, nil
}

// runInBackground runs start in a goroutine, waits for readiness and
// returns an idempotent stop function.
func runInBackground(ctx context.Context, start func() error, shutdown func(context.Context) error, ready func(context.Context) error) (func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- start() }()
	readyCtx, cancelReady := context.WithCancel(ctx)
	defer cancelReady()
	readyCh := make(chan error, 1)
	go func() { readyCh <- ready(readyCtx) }()
	select {
	case err := <-errCh:
		_ = shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, err
	case err := <-readyCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
			<-errCh
			return nil, err
		}
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return stop, nil
}
