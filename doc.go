// Package lockgate is a camera-triggered door lock split across two nodes.
//
// A capture node grabs a frame when its trigger page is pressed (or when a
// new file lands in a watched directory) and posts it to the controller's
// /upload endpoint. The controller ingests the body in fixed-size chunks into
// a single upload slot, stores the completed artifact, asks a recognizer for
// a decision and, only when the outcome is granted, drives the lock output
// unlocked for a bounded time before re-locking it. Every other outcome,
// including recognizer failures and undecodable frames, keeps the lock
// closed.
//
// # Running a controller
//
//	cfg := lockgate.Config{
//	    Listen:     ":80",
//	    Store:      "disk:///var/lib/lockgate?retention=72h",
//	    Recognizer: lockgate.RecognizerRemote,
//	    RecognizerURL: "http://127.0.0.1:8090/v1/recognize",
//	    Audit:      true,
//	}
//	srv, stop, err := lockgate.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// The controller serves:
//
//   - POST /upload accepts one JPEG frame per request.
//   - GET /v1/status reports the actuator, the upload slot and the last decision.
//   - GET /v1/events lists audited decisions, newest first.
//   - GET /healthz and /readyz are liveness and readiness probes.
//
// # Running a capture node
//
//	node, stop, err := lockgate.StartCaptureServer(ctx, lockgate.CaptureConfig{
//	    Listen:            ":80",
//	    ControllerAddress: "192.168.1.100",
//	    CameraSource:      "http://127.0.0.1:8081/snapshot.jpg",
//	})
//
// GET / serves the trigger page and GET /capture runs one capture and forward
// cycle, answering "Foto enviada OK." on success.
//
// # Storage
//
// Artifacts and audit events go to the store named by Config.Store: mem://,
// disk:///path, s3://bucket/prefix (MinIO and other S3-compatible services),
// aws://bucket/prefix or azure://account/container/prefix. Every backend is
// wrapped with tracing and transient-error retries.
package lockgate
