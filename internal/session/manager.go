// Package session assembles one streamed upload at a time into an artifact.
//
// A Manager moves through Idle → Receiving → {Complete | Aborted} → Idle.
// Only one session can be receiving. Every operation after Start names the
// session id it was given so a handler can never write into a session that
// replaced its own after an idle-timeout abort.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/lockgate/internal/artifact"
	"pkt.systems/lockgate/internal/clock"
	"pkt.systems/pslog"
)

// State is the phase of the upload session.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decider receives every committed artifact. It is never called for
// aborted sessions.
type Decider interface {
	Decide(ctx context.Context, art *artifact.Artifact)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, art *artifact.Artifact)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, art *artifact.Artifact) { f(ctx, art) }

// Config wires a Manager.
type Config struct {
	Artifacts *artifact.Store
	Decider   Decider
	Clock     clock.Clock
	Logger    pslog.Logger
	// IdleTimeout aborts a receiving session with no activity for this long.
	// Zero disables the timeout.
	IdleTimeout time.Duration
	// MaxBytes caps an artifact. Zero means unbounded.
	MaxBytes int64
	// NewID overrides session id generation (tests).
	NewID func() string
}

// Summary describes how the most recent session ended.
type Summary struct {
	ID     string    `json:"id"`
	State  State     `json:"state"`
	Bytes  int64     `json:"bytes"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Snapshot is a point-in-time view of the manager.
type Snapshot struct {
	State         State     `json:"state"`
	ID            string    `json:"id,omitempty"`
	BytesReceived int64     `json:"bytes_received"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
	Last          *Summary  `json:"last,omitempty"`
}

// Manager is the upload session state machine.
type Manager struct {
	artifacts   *artifact.Store
	decider     Decider
	clock       clock.Clock
	logger      pslog.Logger
	idleTimeout time.Duration
	maxBytes    int64
	newID       func() string
	metrics     *sessionMetrics

	mu           sync.Mutex
	state        State
	id           string
	slot         *artifact.Slot
	received     int64
	startedAt    time.Time
	lastActivity time.Time
	last         *Summary
}

// NewManager returns an Idle manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Artifacts == nil {
		return nil, errors.New("session: artifact store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return xid.New().String() }
	}
	return &Manager{
		artifacts:   cfg.Artifacts,
		decider:     cfg.Decider,
		clock:       clock.Or(cfg.Clock),
		logger:      logger,
		idleTimeout: cfg.IdleTimeout,
		maxBytes:    cfg.MaxBytes,
		newID:       newID,
		metrics:     newSessionMetrics(logger),
	}, nil
}

// Start opens a new session and returns its id.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		m.logger.Debug("session.start.busy", "active_id", m.id, "state", m.state.String())
		return "", ErrSessionBusy
	}
	id := m.newID()
	slot, err := m.artifacts.Open(id)
	if err != nil {
		m.logger.Warn("session.open.failed", "session_id", id, "error", err)
		m.id = id
		m.received = 0
		m.finishLocked(ctx, StateAborted, "open_failed")
		return "", &StorageError{Op: "open", Err: err}
	}
	now := m.clock.Now()
	m.state = StateReceiving
	m.id = id
	m.slot = slot
	m.received = 0
	m.startedAt = now
	m.lastActivity = now
	m.logger.Info("session.start", "session_id", id)
	return id, nil
}

// Write appends chunk to session id.
func (m *Manager) Write(ctx context.Context, id string, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReceiving || id != m.id {
		return ErrSessionNotStarted
	}
	m.lastActivity = m.clock.Now()
	if m.maxBytes > 0 && m.received+int64(len(chunk)) > m.maxBytes {
		m.abortLocked(ctx, "too_large")
		return fmt.Errorf("%w: limit %d bytes", ErrArtifactTooLarge, m.maxBytes)
	}
	n, err := m.slot.Write(chunk)
	m.received += int64(n)
	m.metrics.addBytes(ctx, n)
	if err != nil {
		m.logger.Warn("session.write.failed", "session_id", id, "error", err)
		m.abortLocked(ctx, "storage_error")
		return &StorageError{Op: "write", Err: err}
	}
	return nil
}

// End finalizes session id. A non-negative total must match the bytes
// received. The artifact is committed and handed to the Decider before the
// manager returns to Idle; Start reports ErrSessionBusy until then.
func (m *Manager) End(ctx context.Context, id string, total int64) (*artifact.Artifact, error) {
	m.mu.Lock()
	if m.state != StateReceiving || id != m.id {
		m.mu.Unlock()
		return nil, ErrSessionNotStarted
	}
	if total >= 0 && total != m.received {
		received := m.received
		m.abortLocked(ctx, "size_mismatch")
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: announced %d bytes, received %d", ErrSizeMismatch, total, received)
	}
	m.state = StateComplete
	slot := m.slot
	m.slot = nil
	m.mu.Unlock()

	art, err := slot.Commit(ctx)

	if err != nil {
		m.mu.Lock()
		m.logger.Warn("session.commit.failed", "session_id", id, "error", err)
		m.finishLocked(ctx, StateAborted, "commit_failed")
		m.mu.Unlock()
		return nil, &StorageError{Op: "commit", Err: err}
	}
	m.logger.Info("session.complete", "session_id", id, "bytes", art.Size, "key", art.Key)
	if m.decider != nil {
		m.decider.Decide(context.WithoutCancel(ctx), art)
	}
	m.mu.Lock()
	m.finishLocked(ctx, StateComplete, "")
	m.mu.Unlock()
	return art, nil
}

// Abort discards session id. It is a no-op when no session is active or
// when id has already moved past Receiving.
func (m *Manager) Abort(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state == StateIdle:
		return nil
	case id != m.id:
		return ErrSessionNotStarted
	case m.state != StateReceiving:
		return nil
	}
	m.abortLocked(ctx, reason)
	return nil
}

// Sweep aborts the receiving session when it has been idle for longer than
// IdleTimeout. It reports whether a session was aborted.
func (m *Manager) Sweep(ctx context.Context) bool {
	if m.idleTimeout <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReceiving {
		return false
	}
	if m.clock.Now().Sub(m.lastActivity) < m.idleTimeout {
		return false
	}
	m.abortLocked(ctx, "idle_timeout")
	return true
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		State:         m.state,
		ID:            m.id,
		BytesReceived: m.received,
		StartedAt:     m.startedAt,
		LastActivity:  m.lastActivity,
	}
	if m.last != nil {
		last := *m.last
		snap.Last = &last
	}
	return snap
}

func (m *Manager) abortLocked(ctx context.Context, reason string) {
	if m.slot != nil {
		if err := m.slot.Discard(); err != nil {
			m.logger.Warn("session.discard.failed", "session_id", m.id, "error", err)
		}
		m.slot = nil
	}
	m.logger.Info("session.abort", "session_id", m.id, "reason", reason, "bytes", m.received)
	m.finishLocked(ctx, StateAborted, reason)
}

func (m *Manager) finishLocked(ctx context.Context, final State, reason string) {
	m.last = &Summary{
		ID:     m.id,
		State:  final,
		Bytes:  m.received,
		Reason: reason,
		At:     m.clock.Now(),
	}
	m.metrics.recordResult(ctx, final.String())
	m.state = StateIdle
	m.id = ""
	m.slot = nil
	m.received = 0
	m.startedAt = time.Time{}
	m.lastActivity = time.Time{}
}
