package decision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/lockgate/internal/artifact"
	"pkt.systems/lockgate/internal/audit"
	"pkt.systems/lockgate/internal/recognition"
	"pkt.systems/lockgate/internal/storage"
	"pkt.systems/lockgate/internal/storage/memory"
)

type engageRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (e *engageRecorder) Engage(_ context.Context, d time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, d)
	return true
}

func (e *engageRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixture struct {
	backend  *memory.Store
	store    *artifact.Store
	recorder *audit.Recorder
	engager  *engageRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := memory.New()
	store, err := artifact.New(artifact.Config{Backend: backend, SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	rec, err := audit.NewRecorder(backend)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	return &fixture{backend: backend, store: store, recorder: rec, engager: &engageRecorder{}}
}

func (f *fixture) commit(t *testing.T, id string) *artifact.Artifact {
	t.Helper()
	slot, _ := f.store.Open(id)
	if _, err := slot.Write([]byte("frame")); err != nil {
		t.Fatalf("write: %v", err)
	}
	art, err := slot.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return art
}

func (f *fixture) pipeline(t *testing.T, gate recognition.Gate, retain bool) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Gate:            gate,
		Actuator:        f.engager,
		UnlockDuration:  5 * time.Second,
		Recorder:        f.recorder,
		Artifacts:       f.store,
		RetainArtifacts: retain,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestGrantedEngagesOnce(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, recognition.Static(recognition.Granted), false)
	res := p.Evaluate(context.Background(), f.commit(t, "g1"))
	if !res.Engaged || f.engager.count() != 1 || f.engager.calls[0] != 5*time.Second {
		t.Fatalf("expected one 5s engage, got %+v calls=%v", res, f.engager.calls)
	}
	if _, err := f.backend.GetObject(context.Background(), artifact.Key("g1")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("artifact must be deleted after decision, got %v", err)
	}
	events, err := f.recorder.List(context.Background(), 10)
	if err != nil || len(events) != 1 || events[0].Outcome != "granted" || !events[0].Engaged {
		t.Fatalf("unexpected audit trail %+v err=%v", events, err)
	}
}

func TestScenarioErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	gate := recognition.Func(func(context.Context, *artifact.Artifact) (recognition.Outcome, error) {
		return recognition.Granted, errors.New("camera returned noise")
	})
	p := f.pipeline(t, gate, true)
	res := p.Evaluate(context.Background(), f.commit(t, "e1"))
	if res.Outcome != recognition.Error || res.Engaged || f.engager.count() != 0 {
		t.Fatalf("error outcome must not engage: %+v", res)
	}
	if res.Reason == "" {
		t.Fatal("expected error reason recorded")
	}
	if _, err := f.backend.GetObject(context.Background(), artifact.Key("e1")); err != nil {
		t.Fatalf("retained artifact missing: %v", err)
	}
}

func TestDeniedDoesNotEngage(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, recognition.Static(recognition.Denied), false)
	p.Decide(context.Background(), f.commit(t, "d1"))
	if f.engager.count() != 0 {
		t.Fatal("denied must not engage")
	}
	last, ok := p.Last()
	if !ok || last.Outcome != recognition.Denied || last.SessionID != "d1" {
		t.Fatalf("unexpected last result %+v", last)
	}
}

func TestEmptyArtifactNeverReachesGate(t *testing.T) {
	f := newFixture(t)
	calls := 0
	gate := recognition.Func(func(context.Context, *artifact.Artifact) (recognition.Outcome, error) {
		calls++
		return recognition.Granted, nil
	})
	p := f.pipeline(t, gate, false)
	slot, err := f.store.Open("z1")
	if err != nil {
		t.Fatalf("open slot: %v", err)
	}
	art, err := slot.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	res := p.Evaluate(context.Background(), art)
	if res.Outcome != recognition.Error || res.Engaged || f.engager.count() != 0 || calls != 0 {
		t.Fatalf("empty artifact must fail closed without calling the gate: %+v calls=%d", res, calls)
	}
	if !strings.Contains(res.Reason, "empty artifact") {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Actuator: &engageRecorder{}, UnlockDuration: time.Second}); err == nil {
		t.Fatal("expected gate error")
	}
	if _, err := New(Config{Gate: recognition.Static(recognition.Denied), UnlockDuration: time.Second}); err == nil {
		t.Fatal("expected actuator error")
	}
	if _, err := New(Config{Gate: recognition.Static(recognition.Denied), Actuator: &engageRecorder{}}); err == nil {
		t.Fatal("expected duration error")
	}
}
