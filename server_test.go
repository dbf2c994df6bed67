package lockgate

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/lockgate/api"
	"pkt.systems/lockgate/internal/actuator"
	"pkt.systems/lockgate/internal/camera"
	"pkt.systems/lockgate/internal/recognition"
	"pkt.systems/lockgate/internal/storage/memory"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

type positionRecorder struct {
	mu        sync.Mutex
	positions []actuator.Position
}

func (p *positionRecorder) Drive(_ context.Context, pos actuator.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = append(p.positions, pos)
	return nil
}

func (p *positionRecorder) sawUnlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		if pos == actuator.PositionUnlocked {
			return true
		}
	}
	return false
}

func (p *positionRecorder) last() (actuator.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.positions) == 0 {
		return 0, false
	}
	return p.positions[len(p.positions)-1], true
}

func startController(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = t.TempDir()
	}
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			t.Fatalf("stop controller: %v", err)
		}
	})
	return srv, "http://" + srv.ListenerAddr().String()
}

func TestControllerGrantUnlocksAndAudits(t *testing.T) {
	out := &positionRecorder{}
	srv, base := startController(t, Config{Recognizer: RecognizerGrant, Audit: true},
		WithBackend(memory.New()), WithOutput(out))

	resp, err := http.Post(base+"/upload", "image/jpeg", bytes.NewReader(testJPEG(t)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("unexpected upload response %d %q", resp.StatusCode, body)
	}
	if srv.ActuatorState() != actuator.Unlocked || !out.sawUnlocked() {
		t.Fatal("expected the output to be driven unlocked")
	}
	last, ok := srv.LastDecision()
	if !ok || last.Outcome != recognition.Granted {
		t.Fatalf("unexpected decision %+v ok=%v", last, ok)
	}

	resp, err = http.Get(base + "/v1/events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var events api.EventsResponse
	err = json.NewDecoder(resp.Body).Decode(&events)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Events) != 1 || !events.Events[0].Engaged {
		t.Fatalf("unexpected events %+v", events.Events)
	}
}

func TestControllerDefaultRecognizerDenies(t *testing.T) {
	out := &positionRecorder{}
	srv, base := startController(t, Config{}, WithBackend(memory.New()), WithOutput(out))
	resp, err := http.Post(base+"/upload", "image/jpeg", bytes.NewReader(testJPEG(t)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if srv.ActuatorState() != actuator.Locked || out.sawUnlocked() {
		t.Fatal("expected the lock to stay closed")
	}
	if last, _ := srv.LastDecision(); last.Outcome != recognition.Denied {
		t.Fatalf("unexpected outcome %v", last.Outcome)
	}
}

func TestControllerUndecodableArtifactFailsClosed(t *testing.T) {
	out := &positionRecorder{}
	srv, base := startController(t, Config{Recognizer: RecognizerGrant}, WithBackend(memory.New()), WithOutput(out))
	resp, err := http.Post(base+"/upload", "image/jpeg", strings.NewReader("definitely not a jpeg"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if out.sawUnlocked() {
		t.Fatal("garbage input must never unlock")
	}
	if last, _ := srv.LastDecision(); last.Outcome != recognition.Error {
		t.Fatalf("expected error outcome, got %v", last.Outcome)
	}
}

func TestShutdownRelocksDuringUnlockWindow(t *testing.T) {
	out := &positionRecorder{}
	srv, base := startController(t, Config{Recognizer: RecognizerGrant, UnlockDuration: time.Minute},
		WithBackend(memory.New()), WithOutput(out))
	resp, err := http.Post(base+"/upload", "image/jpeg", bytes.NewReader(testJPEG(t)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if srv.ActuatorState() != actuator.Unlocked {
		t.Fatal("expected the grant to unlock")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if pos, ok := out.last(); !ok || pos != actuator.PositionLocked {
		t.Fatalf("output must end locked after shutdown, last=%v ok=%v", pos, ok)
	}
	if srv.ActuatorState() != actuator.Locked {
		t.Fatalf("unexpected actuator state %v", srv.ActuatorState())
	}
}

func TestInjectedGateNeverSeesEmptyUpload(t *testing.T) {
	out := &positionRecorder{}
	srv, base := startController(t, Config{},
		WithBackend(memory.New()), WithOutput(out), WithGate(recognition.Static(recognition.Granted)))
	resp, err := http.Post(base+"/upload", "image/jpeg", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	if out.sawUnlocked() || srv.ActuatorState() != actuator.Locked {
		t.Fatal("an empty upload must never unlock")
	}
	if last, ok := srv.LastDecision(); ok && last.Outcome != recognition.Error {
		t.Fatalf("unexpected decision %+v", last)
	}
}

func TestCaptureNodeForwardsToController(t *testing.T) {
	out := &positionRecorder{}
	ctrl, base := startController(t, Config{Recognizer: RecognizerGrant}, WithBackend(memory.New()), WithOutput(out))

	capSrv, stop, err := StartCaptureServer(context.Background(), CaptureConfig{
		Listen:            "127.0.0.1:0",
		ControllerAddress: base,
	}, WithCamera(camera.Static{Data: testJPEG(t)}))
	if err != nil {
		t.Fatalf("start capture node: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })

	resp, err := http.Get("http://" + capSrv.ListenerAddr().String() + "/capture")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "Foto enviada OK." {
		t.Fatalf("unexpected capture response %d %q", resp.StatusCode, body)
	}
	if ctrl.ActuatorState() != actuator.Unlocked {
		t.Fatal("expected controller to unlock after the forwarded frame")
	}
}

func TestCaptureNodeReportsControllerFailure(t *testing.T) {
	capSrv, stop, err := StartCaptureServer(context.Background(), CaptureConfig{
		Listen:            "127.0.0.1:0",
		ControllerAddress: "http://127.0.0.1:1",
		ForwardTimeout:    time.Second,
	}, WithCamera(camera.Static{Data: testJPEG(t)}))
	if err != nil {
		t.Fatalf("start capture node: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })

	resp, err := http.Get("http://" + capSrv.ListenerAddr().String() + "/capture")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	var errResp api.ErrorResponse
	err = json.NewDecoder(resp.Body).Decode(&errResp)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError || errResp.ErrorCode != "forward_failed" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, errResp)
	}
}

func TestOpenCamera(t *testing.T) {
	cases := map[string]string{
		"http://cam.local/snapshot.jpg": "camera.Snapshot",
		"dir:///srv/frames":             "camera.Directory",
		"/srv/frames":                   "camera.Directory",
		"file:///srv/frame.jpg":         "camera.Func",
	}
	for source, want := range cases {
		cam, err := openCamera(source)
		if err != nil {
			t.Fatalf("%s: %v", source, err)
		}
		if got := typeName(cam); got != want {
			t.Fatalf("%s: got %s want %s", source, got, want)
		}
	}
	if _, err := openCamera("rtsp://cam/stream"); err == nil {
		t.Fatal("expected unsupported source error")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case camera.Snapshot:
		return "camera.Snapshot"
	case camera.Directory:
		return "camera.Directory"
	case camera.Func:
		return "camera.Func"
	default:
		return "unknown"
	}
}
