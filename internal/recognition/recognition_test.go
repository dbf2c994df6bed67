package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/lockgate/internal/artifact"
	"pkt.systems/lockgate/internal/storage/memory"
)

func commitArtifact(t *testing.T, id string, data []byte) *artifact.Artifact {
	t.Helper()
	store, err := artifact.New(artifact.Config{Backend: memory.New(), SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	slot, err := store.Open(id)
	if err != nil {
		t.Fatalf("open slot: %v", err)
	}
	if _, err := slot.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	art, err := slot.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return art
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for x := 0; x < 8; x++ {
		img.Set(x, 3, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestOutcomePermitsOnlyGranted(t *testing.T) {
	var zero Outcome
	if zero != Error {
		t.Fatalf("zero outcome must be Error, got %v", zero)
	}
	for _, o := range []Outcome{Error, Denied} {
		if o.Permits() {
			t.Fatalf("%v must not permit", o)
		}
	}
	if !Granted.Permits() {
		t.Fatal("granted must permit")
	}
}

func TestParseOutcome(t *testing.T) {
	cases := map[string]Outcome{"granted": Granted, "GRANT": Granted, "deny": Denied, " denied ": Denied, "error": Error}
	for in, want := range cases {
		got, err := ParseOutcome(in)
		if err != nil || got != want {
			t.Fatalf("ParseOutcome(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseOutcome("maybe"); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestFuncForcesErrorOnFailure(t *testing.T) {
	gate := Func(func(context.Context, *artifact.Artifact) (Outcome, error) {
		return Granted, errors.New("model crashed")
	})
	outcome, err := gate.Evaluate(context.Background(), nil)
	if err == nil || outcome != Error {
		t.Fatalf("expected Error with error, got %v %v", outcome, err)
	}
}

func TestDecodeRejectsEmptyAndGarbage(t *testing.T) {
	calls := 0
	next := Func(func(context.Context, *artifact.Artifact) (Outcome, error) {
		calls++
		return Granted, nil
	})
	gate := Decode(next)

	outcome, err := gate.Evaluate(context.Background(), commitArtifact(t, "empty", nil))
	if outcome != Error || !errors.Is(err, ErrEmptyArtifact) {
		t.Fatalf("empty artifact: %v %v", outcome, err)
	}
	outcome, err = gate.Evaluate(context.Background(), commitArtifact(t, "junk", []byte("definitely not an image")))
	if outcome != Error || err == nil {
		t.Fatalf("garbage artifact: %v %v", outcome, err)
	}
	truncated := jpegBytes(t)
	outcome, err = gate.Evaluate(context.Background(), commitArtifact(t, "cut", truncated[:len(truncated)/2]))
	if outcome != Error || err == nil {
		t.Fatalf("truncated artifact: %v %v", outcome, err)
	}
	if calls != 0 {
		t.Fatalf("delegate must not run for invalid artifacts, ran %d times", calls)
	}

	outcome, err = gate.Evaluate(context.Background(), commitArtifact(t, "ok", jpegBytes(t)))
	if err != nil || outcome != Granted || calls != 1 {
		t.Fatalf("valid jpeg: %v %v calls=%d", outcome, err, calls)
	}
}

func TestRemoteGate(t *testing.T) {
	art := commitArtifact(t, "r1", jpegBytes(t))
	var gotBody []byte
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotID = r.Header.Get("X-Lockgate-Artifact-Id")
		_ = json.NewEncoder(w).Encode(RemoteResponse{Outcome: Granted})
	}))
	defer srv.Close()

	gate, err := NewRemote(RemoteConfig{URL: srv.URL, Client: srv.Client()})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	outcome, err := gate.Evaluate(context.Background(), art)
	if err != nil || outcome != Granted {
		t.Fatalf("remote: %v %v", outcome, err)
	}
	if gotID != "r1" || int64(len(gotBody)) != art.Size {
		t.Fatalf("unexpected request id=%q size=%d", gotID, len(gotBody))
	}
}

func TestRemoteGateFailsClosed(t *testing.T) {
	art := commitArtifact(t, "r2", jpegBytes(t))
	handlers := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		},
		"unknown outcome": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"outcome":"maybe"}`))
		},
		"missing outcome": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		},
		"slow": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}
	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			gate, err := NewRemote(RemoteConfig{URL: srv.URL, Timeout: 200 * time.Millisecond, Client: srv.Client()})
			if err != nil {
				t.Fatalf("new remote: %v", err)
			}
			outcome, err := gate.Evaluate(context.Background(), art)
			if outcome != Error || err == nil {
				t.Fatalf("expected fail-closed Error, got %v %v", outcome, err)
			}
		})
	}

	gate, _ := NewRemote(RemoteConfig{URL: "http://127.0.0.1:1/unreachable", Timeout: 200 * time.Millisecond})
	if outcome, err := gate.Evaluate(context.Background(), art); outcome != Error || err == nil {
		t.Fatalf("unreachable service: %v %v", outcome, err)
	}
}

func TestStaticGate(t *testing.T) {
	for _, want := range []Outcome{Granted, Denied, Error} {
		got, err := Static(want).Evaluate(context.Background(), nil)
		if err != nil || got != want {
			t.Fatalf("static %v: %v %v", want, got, err)
		}
	}
}
