package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"pkt.systems/lockgate/api"
	"pkt.systems/lockgate/internal/actuator"
	"pkt.systems/lockgate/internal/artifact"
	"pkt.systems/lockgate/internal/audit"
	"pkt.systems/lockgate/internal/decision"
	"pkt.systems/lockgate/internal/session"
	"pkt.systems/lockgate/internal/version"
	"pkt.systems/pslog"
)

// DefaultUploadChunkSize is the read size used to feed the session.
const DefaultUploadChunkSize = 1024

// Sessions is the upload session manager surface used by the ingest route.
type Sessions interface {
	Start(ctx context.Context) (string, error)
	Write(ctx context.Context, id string, chunk []byte) error
	End(ctx context.Context, id string, total int64) (*artifact.Artifact, error)
	Abort(ctx context.Context, id, reason string) error
	Snapshot() session.Snapshot
}

// ActuatorStatus reports the lock output.
type ActuatorStatus interface {
	Snapshot() actuator.Snapshot
}

// Decisions reports the most recent decision.
type Decisions interface {
	Last() (decision.Result, bool)
}

// Events lists audited decisions.
type Events interface {
	List(ctx context.Context, limit int) ([]audit.AccessEvent, error)
}

// Config wires the controller Handler.
type Config struct {
	Sessions  Sessions
	Actuator  ActuatorStatus
	Decisions Decisions
	// Events is optional; /v1/events answers 404 without it.
	Events Events
	Logger pslog.Logger
	// ChunkSize bounds each session write. Zero selects DefaultUploadChunkSize.
	ChunkSize int
	// Ready gates /readyz. Nil means always ready.
	Ready           func() error
	EnableHTTPTrace bool
}

// Handler serves the controller node.
type Handler struct {
	router
	sessions  Sessions
	actuator  ActuatorStatus
	decisions Decisions
	events    Events
	chunkSize int
	ready     func() error
}

// New returns a controller handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("httpapi: session manager required")
	}
	if cfg.Actuator == nil {
		return nil, errors.New("httpapi: actuator required")
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultUploadChunkSize
	}
	return &Handler{
		router:    newRouter(cfg.Logger, cfg.EnableHTTPTrace, "controller"),
		sessions:  cfg.Sessions,
		actuator:  cfg.Actuator,
		decisions: cfg.Decisions,
		events:    cfg.Events,
		chunkSize: chunk,
		ready:     cfg.Ready,
	}, nil
}

// Register wires the controller routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/upload", h.wrap("upload", h.handleUpload))
	mux.Handle("/v1/status", h.wrap("status", h.handleStatus))
	mux.Handle("/v1/events", h.wrap("events", h.handleEvents))
	mux.Handle("/healthz", h.wrap("healthz", handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	ctx := r.Context()
	logger := pslog.LoggerFromContext(ctx)
	id, err := h.sessions.Start(ctx)
	if err != nil {
		return uploadError(err)
	}
	logger = logger.With("session_id", id)
	logger.Debug("upload.begin", "content_length", r.ContentLength)

	buf := make([]byte, h.chunkSize)
	for {
		n, rerr := r.Body.Read(buf)
		if n > 0 {
			if werr := h.sessions.Write(ctx, id, buf[:n]); werr != nil {
				return uploadError(werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			logger.Warn("upload.read.failed", "error", rerr)
			if aerr := h.sessions.Abort(ctx, id, "read_error"); aerr != nil {
				logger.Warn("upload.abort.failed", "error", aerr)
			}
			return httpError{Status: http.StatusInternalServerError, Code: "upload_aborted", Detail: "request body read failed"}
		}
	}
	art, err := h.sessions.End(ctx, id, r.ContentLength)
	if err != nil {
		return uploadError(err)
	}
	logger.Info("upload.complete", "bytes", art.Size, "key", art.Key)
	writeText(w, http.StatusOK, "OK")
	return nil
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		return httpError{Status: http.StatusConflict, Code: "session_busy", Detail: "another upload is in progress"}
	case errors.Is(err, session.ErrArtifactTooLarge):
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "artifact_too_large", Detail: err.Error()}
	default:
		return httpError{Status: http.StatusInternalServerError, Code: "upload_aborted", Detail: err.Error()}
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	act := h.actuator.Snapshot()
	sess := h.sessions.Snapshot()
	resp := api.StatusResponse{
		Version: version.Current(),
		Actuator: api.ActuatorStatus{
			State:         act.State.String(),
			RelockPending: act.RelockPending,
			Engagements:   act.Engagements,
		},
		Session: api.SessionStatus{
			State:         sess.State.String(),
			ID:            sess.ID,
			BytesReceived: sess.BytesReceived,
		},
	}
	if act.State == actuator.Unlocked && !act.UnlockDeadline.IsZero() {
		deadline := act.UnlockDeadline
		resp.Actuator.UnlockDeadline = &deadline
	}
	if sess.State == session.StateIdle {
		resp.Session.ID = ""
		resp.Session.BytesReceived = 0
	}
	if last := sess.Last; last != nil {
		resp.Session.LastSession = &api.SessionSummary{
			ID:     last.ID,
			State:  last.State.String(),
			Bytes:  last.Bytes,
			Reason: last.Reason,
			At:     last.At,
		}
	}
	if h.decisions != nil {
		if res, ok := h.decisions.Last(); ok {
			resp.LastDecision = &api.Decision{
				SessionID:   res.SessionID,
				CID:         res.CID,
				ArtifactKey: res.ArtifactKey,
				Outcome:     res.Outcome.String(),
				Reason:      res.Reason,
				Engaged:     res.Engaged,
				DecidedAt:   res.DecidedAt,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	if h.events == nil {
		return httpError{Status: http.StatusNotFound, Code: "audit_disabled", Detail: "the decision audit log is disabled"}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_limit", Detail: "limit must be a non-negative integer"}
		}
		limit = n
	}
	events, err := h.events.List(r.Context(), limit)
	if err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "audit_unavailable", Detail: err.Error()}
	}
	resp := api.EventsResponse{Events: make([]api.Event, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, api.Event{
			ID:           ev.ID,
			SessionID:    ev.SessionID,
			CID:          ev.CID,
			ArtifactKey:  ev.ArtifactKey,
			ArtifactSize: ev.ArtifactSize,
			SHA256:       ev.SHA256,
			Outcome:      ev.Outcome,
			Reason:       ev.Reason,
			Engaged:      ev.Engaged,
			Retained:     ev.Retained,
			ReceivedAt:   ev.ReceivedAt,
			DecidedAt:    ev.DecidedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	if h.ready != nil {
		if err := h.ready(); err != nil {
			return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: err.Error()}
		}
	}
	writeText(w, http.StatusOK, "ready")
	return nil
}
