package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/lockgate/api"
	"pkt.systems/lockgate/internal/actuator"
	"pkt.systems/lockgate/internal/artifact"
	"pkt.systems/lockgate/internal/audit"
	"pkt.systems/lockgate/internal/clock"
	"pkt.systems/lockgate/internal/correlation"
	"pkt.systems/lockgate/internal/decision"
	"pkt.systems/lockgate/internal/recognition"
	"pkt.systems/lockgate/internal/session"
	"pkt.systems/lockgate/internal/storage/memory"
)

type controllerFixture struct {
	sessions *session.Manager
	actuator *actuator.Controller
	pipeline *decision.Pipeline
	recorder *audit.Recorder
	backend  *memory.Store
	mux      *http.ServeMux
}

func newControllerFixture(t *testing.T, outcome recognition.Outcome, maxBytes int64) *controllerFixture {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0).UTC())
	backend := memory.New()
	store, err := artifact.New(artifact.Config{Backend: backend, SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	recorder, err := audit.NewRecorder(backend)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	act, err := actuator.New(actuator.Config{
		Output: actuator.OutputFunc(func(context.Context, actuator.Position) error { return nil }),
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("actuator: %v", err)
	}
	pipeline, err := decision.New(decision.Config{
		Gate:           recognition.Static(outcome),
		Actuator:       act,
		UnlockDuration: 5 * time.Second,
		Recorder:       recorder,
		Artifacts:      store,
		Clock:          clk,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	sessions, err := session.NewManager(session.Config{
		Artifacts: store,
		Decider:   pipeline,
		Clock:     clk,
		MaxBytes:  maxBytes,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	h, err := New(Config{
		Sessions:  sessions,
		Actuator:  act,
		Decisions: pipeline,
		Events:    recorder,
		ChunkSize: 7,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return &controllerFixture{
		sessions: sessions,
		actuator: act,
		pipeline: pipeline,
		recorder: recorder,
		backend:  backend,
		mux:      mux,
	}
}

func (f *controllerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestUploadGrantedEngagesActuator(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 0)
	payload := bytes.Repeat([]byte{0xff, 0xd8, 0x01}, 50)
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set(correlation.Header, "cycle-7")
	rec := f.do(req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(correlation.Header); got != "cycle-7" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}
	if f.actuator.State() != actuator.Unlocked {
		t.Fatalf("expected actuator unlocked after grant")
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	var status api.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Actuator.State != "unlocked" || status.Actuator.UnlockDeadline == nil {
		t.Fatalf("unexpected actuator status %+v", status.Actuator)
	}
	if status.Session.State != "idle" || status.Session.LastSession == nil || status.Session.LastSession.Bytes != int64(len(payload)) {
		t.Fatalf("unexpected session status %+v", status.Session)
	}
	if status.LastDecision == nil || status.LastDecision.Outcome != "granted" || !status.LastDecision.Engaged || status.LastDecision.CID != "cycle-7" {
		t.Fatalf("unexpected last decision %+v", status.LastDecision)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/v1/events?limit=5", nil))
	var events api.EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Events) != 1 || events.Events[0].Outcome != "granted" || events.Events[0].ArtifactSize != int64(len(payload)) {
		t.Fatalf("unexpected events %+v", events.Events)
	}
	if events.Events[0].CID != "cycle-7" {
		t.Fatalf("expected event to carry correlation id, got %+v", events.Events[0])
	}
}

func TestUploadDeniedLeavesLocked(t *testing.T) {
	f := newControllerFixture(t, recognition.Denied, 0)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("jpeg-bytes")))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if f.actuator.State() != actuator.Locked {
		t.Fatal("expected actuator to stay locked on denial")
	}
	if last, ok := f.pipeline.Last(); !ok || last.Outcome != recognition.Denied {
		t.Fatalf("unexpected last decision %+v ok=%v", last, ok)
	}
}

func TestUploadBusyWhileReceiving(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 0)
	id, err := f.sessions.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := f.do(httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("x")))
	if rec.Code != http.StatusConflict || decodeError(t, rec).ErrorCode != "session_busy" {
		t.Fatalf("expected 409 session_busy, got %d %s", rec.Code, rec.Body.String())
	}
	if snap := f.sessions.Snapshot(); snap.State != session.StateReceiving || snap.ID != id {
		t.Fatalf("busy rejection disturbed the active session: %+v", snap)
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 16)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(make([]byte, 64))))
	if rec.Code != http.StatusRequestEntityTooLarge || decodeError(t, rec).ErrorCode != "artifact_too_large" {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}
	if f.sessions.Snapshot().State != session.StateIdle {
		t.Fatal("expected session aborted")
	}
	if f.actuator.State() != actuator.Locked {
		t.Fatal("actuator must not move on an aborted upload")
	}
}

func TestUploadSizeMismatchAborts(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 0)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("short"))
	req.ContentLength = 50
	rec := f.do(req)
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec).ErrorCode != "upload_aborted" {
		t.Fatalf("expected upload_aborted, got %d %s", rec.Code, rec.Body.String())
	}
	if f.backend.Len() != 0 {
		t.Fatalf("expected nothing stored, got %d objects", f.backend.Len())
	}
	if _, ok := f.pipeline.Last(); ok {
		t.Fatal("no decision expected for an aborted upload")
	}
}

type failingBody struct{ sent bool }

func (b *failingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestUploadReadFailureAborts(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 0)
	req := httptest.NewRequest(http.MethodPost, "/upload", &failingBody{})
	req.ContentLength = -1
	rec := f.do(req)
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec).ErrorCode != "upload_aborted" {
		t.Fatalf("expected upload_aborted, got %d %s", rec.Code, rec.Body.String())
	}
	snap := f.sessions.Snapshot()
	if snap.State != session.StateIdle || snap.Last == nil || snap.Last.Reason != "read_error" {
		t.Fatalf("unexpected session after read failure %+v", snap)
	}
	rec = f.do(httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("again")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected next upload to succeed, got %d", rec.Code)
	}
}

func TestUploadRejectsOtherMethods(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 0)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/upload", nil))
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected 405 with Allow, got %d %v", rec.Code, rec.Header())
	}
}

func TestEventsRejectsInvalidLimit(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 0)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/v1/events?limit=abc", nil))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).ErrorCode != "invalid_limit" {
		t.Fatalf("expected invalid_limit, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 0)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", path, rec.Code)
		}
	}
}

func TestReadyReportsNotReady(t *testing.T) {
	f := newControllerFixture(t, recognition.Granted, 0)
	h, err := New(Config{
		Sessions: f.sessions,
		Actuator: f.actuator,
		Ready:    func() error { return errors.New("draining") },
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if rec.Code != http.StatusNotFound || decodeError(t, rec).ErrorCode != "audit_disabled" {
		t.Fatalf("expected audit_disabled, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without sessions")
	}
	f := newControllerFixture(t, recognition.Granted, 0)
	if _, err := New(Config{Sessions: f.sessions}); err == nil {
		t.Fatal("expected error without actuator")
	}
}

func TestRouterSys(t *testing.T) {
	if got := routerSys("controller", "upload"); got != "controller.http.upload" {
		t.Fatalf("unexpected sys %q", got)
	}
	if got := routerSys("capture", ""); got != "capture.http" {
		t.Fatalf("unexpected sys %q", got)
	}
}

func TestErrorResponseIsJSON(t *testing.T) {
	rt := newRouter(nil, false, "controller")
	rec := httptest.NewRecorder()
	rt.handleError(context.Background(), rec, io.ErrUnexpectedEOF)
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec).ErrorCode != "internal_error" {
		t.Fatalf("unexpected fallback error %d %s", rec.Code, rec.Body.String())
	}
}
