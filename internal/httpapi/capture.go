package httpapi

import (
	"context"
	_ "embed"
	"errors"
	"net/http"
	"strings"

	"pkt.systems/lockgate/api"
	"pkt.systems/lockgate/internal/capture"
	"pkt.systems/pslog"
)

// CaptureSuccessMessage is the body returned after the controller accepted
// a frame.
const CaptureSuccessMessage = "Foto enviada OK."

//go:embed index.html
var indexPage []byte

// Forwarder runs one capture-and-forward cycle.
type Forwarder interface {
	CaptureAndForward(ctx context.Context) (capture.Result, error)
}

// CaptureConfig wires the capture node handler.
type CaptureConfig struct {
	Forwarder       Forwarder
	Logger          pslog.Logger
	EnableHTTPTrace bool
}

// CaptureHandler serves the capture node.
type CaptureHandler struct {
	router
	forwarder Forwarder
}

// NewCapture returns a capture node handler.
func NewCapture(cfg CaptureConfig) (*CaptureHandler, error) {
	if cfg.Forwarder == nil {
		return nil, errors.New("httpapi: forwarder required")
	}
	return &CaptureHandler{
		router:    newRouter(cfg.Logger, cfg.EnableHTTPTrace, "capture"),
		forwarder: cfg.Forwarder,
	}, nil
}

// Register wires the capture node routes.
func (h *CaptureHandler) Register(mux *http.ServeMux) {
	mux.Handle("/", h.wrap("index", h.handleIndex))
	mux.Handle("/capture", h.wrap("capture", h.handleCapture))
	mux.Handle("/healthz", h.wrap("healthz", handleHealth))
}

func (h *CaptureHandler) handleIndex(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Path != "/" {
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: r.URL.Path}
	}
	if err := requireMethod(w, r, http.MethodGet, http.MethodHead); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(indexPage)
	}
	return nil
}

func (h *CaptureHandler) handleCapture(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet, http.MethodPost); err != nil {
		return err
	}
	res, err := h.forwarder.CaptureAndForward(r.Context())
	if err != nil {
		return httpError{Status: http.StatusInternalServerError, Code: "forward_failed", Detail: err.Error()}
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, api.CaptureResponse{
			Message:    CaptureSuccessMessage,
			StatusCode: res.StatusCode,
			Bytes:      res.Bytes,
			ElapsedMS:  res.Elapsed.Milliseconds(),
			CID:        res.CID,
		})
		return nil
	}
	writeText(w, http.StatusOK, CaptureSuccessMessage)
	return nil
}
