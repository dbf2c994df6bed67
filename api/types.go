// Package api holds the JSON wire types served by lockgate nodes.
package api

import "time"

// ErrorResponse is returned for every non-2xx JSON response.
type ErrorResponse struct {
	// ErrorCode is the stable lockgate error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// CID echoes the capture cycle correlation id when one was present.
	CID string `json:"cid,omitempty"`
}

// ActuatorStatus describes the lock output.
type ActuatorStatus struct {
	// State is "locked" or "unlocked".
	State string `json:"state"`
	// UnlockDeadline is when an unlocked output re-locks. Zero while locked.
	UnlockDeadline *time.Time `json:"unlock_deadline,omitempty"`
	// RelockPending reports that the output has not confirmed the locked position.
	RelockPending bool `json:"relock_pending"`
	// Engagements counts successful unlocks since start.
	Engagements int64 `json:"engagements"`
}

// SessionStatus describes the upload session manager.
type SessionStatus struct {
	// State is one of idle, receiving, complete or aborted.
	State string `json:"state"`
	// ID is the active session id, if any.
	ID string `json:"id,omitempty"`
	// BytesReceived counts bytes accepted by the active session.
	BytesReceived int64 `json:"bytes_received"`
	// LastSession summarises how the previous session ended.
	LastSession *SessionSummary `json:"last_session,omitempty"`
}

// SessionSummary is the terminal record of one session.
type SessionSummary struct {
	ID     string    `json:"id"`
	State  string    `json:"state"`
	Bytes  int64     `json:"bytes"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Decision is the outcome of evaluating one artifact.
type Decision struct {
	SessionID   string    `json:"session_id"`
	CID         string    `json:"cid,omitempty"`
	ArtifactKey string    `json:"artifact_key"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Engaged     bool      `json:"engaged"`
	DecidedAt   time.Time `json:"decided_at"`
}

// StatusResponse is served by GET /v1/status.
type StatusResponse struct {
	// Version is the controller build version.
	Version  string         `json:"version"`
	Actuator ActuatorStatus `json:"actuator"`
	Session  SessionStatus  `json:"session"`
	// LastDecision is absent until the first artifact has been evaluated.
	LastDecision *Decision `json:"last_decision,omitempty"`
}

// Event is one audited decision.
type Event struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	CID          string    `json:"cid,omitempty"`
	ArtifactKey  string    `json:"artifact_key"`
	ArtifactSize int64     `json:"artifact_size"`
	SHA256       string    `json:"sha256,omitempty"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	Engaged      bool      `json:"engaged"`
	Retained     bool      `json:"retained"`
	ReceivedAt   time.Time `json:"received_at"`
	DecidedAt    time.Time `json:"decided_at"`
}

// EventsResponse is served by GET /v1/events.
type EventsResponse struct {
	// Events are ordered newest first.
	Events []Event `json:"events"`
}

// CaptureResponse is the JSON form of a capture cycle, served by
// GET /capture when the client asks for application/json.
type CaptureResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Bytes      int    `json:"bytes"`
	ElapsedMS  int64  `json:"elapsed_ms"`
	CID        string `json:"cid,omitempty"`
}
