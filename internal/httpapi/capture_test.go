package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/lockgate/internal/capture"
)

type fakeForwarder struct {
	calls int
	err   error
}

func (f *fakeForwarder) CaptureAndForward(context.Context) (capture.Result, error) {
	f.calls++
	if f.err != nil {
		return capture.Result{}, f.err
	}
	return capture.Result{StatusCode: http.StatusOK, Bytes: 1234, Elapsed: 20 * time.Millisecond, CID: "c1"}, nil
}

func newCaptureMux(t *testing.T, fwd Forwarder) *http.ServeMux {
	t.Helper()
	h, err := NewCapture(CaptureConfig{Forwarder: fwd})
	if err != nil {
		t.Fatalf("capture handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestCaptureSuccess(t *testing.T) {
	fwd := &fakeForwarder{}
	mux := newCaptureMux(t, fwd)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capture", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != CaptureSuccessMessage {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if fwd.calls != 1 {
		t.Fatalf("expected one cycle, got %d", fwd.calls)
	}

	req := httptest.NewRequest(http.MethodGet, "/capture", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"bytes":1234`) {
		t.Fatalf("unexpected json response %d %s", rec.Code, rec.Body.String())
	}
}

func TestCaptureForwardFailure(t *testing.T) {
	fwd := &fakeForwarder{err: &capture.TransportError{StatusCode: http.StatusConflict}}
	mux := newCaptureMux(t, fwd)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capture", nil))
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec).ErrorCode != "forward_failed" {
		t.Fatalf("expected forward_failed, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCaptureIndexPage(t *testing.T) {
	mux := newCaptureMux(t, &fakeForwarder{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected index response %d %v", rec.Code, rec.Header())
	}
	if !strings.Contains(rec.Body.String(), `fetch("/capture")`) {
		t.Fatal("index page does not trigger /capture")
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestNewCaptureRequiresForwarder(t *testing.T) {
	if _, err := NewCapture(CaptureConfig{}); err == nil {
		t.Fatal("expected error without forwarder")
	}
}
