// Package decision connects committed artifacts to the recognition gate
// and the lock actuator.
package decision

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/lockgate/internal/artifact"
	"pkt.systems/lockgate/internal/audit"
	"pkt.systems/lockgate/internal/clock"
	"pkt.systems/lockgate/internal/correlation"
	"pkt.systems/lockgate/internal/recognition"
	"pkt.systems/pslog"
)

// Engager is the slice of the actuator the pipeline needs.
type Engager interface {
	Engage(ctx context.Context, d time.Duration) bool
}

// Config wires a Pipeline.
type Config struct {
	Gate           recognition.Gate
	Actuator       Engager
	UnlockDuration time.Duration
	// Recorder is optional; without it decisions are only logged.
	Recorder *audit.Recorder
	// Artifacts is used to delete artifacts after the decision unless
	// RetainArtifacts is set.
	Artifacts       *artifact.Store
	RetainArtifacts bool
	Clock           clock.Clock
	Logger          pslog.Logger
}

// Result is the outcome of one decision.
type Result struct {
	SessionID   string              `json:"session_id"`
	CID         string              `json:"cid,omitempty"`
	ArtifactKey string              `json:"artifact_key"`
	Outcome     recognition.Outcome `json:"outcome"`
	Reason      string              `json:"reason,omitempty"`
	Engaged     bool                `json:"engaged"`
	DecidedAt   time.Time           `json:"decided_at"`
}

// Pipeline evaluates artifacts and engages the actuator on Granted only.
type Pipeline struct {
	gate     recognition.Gate
	actuator Engager
	unlock   time.Duration
	recorder *audit.Recorder
	store    *artifact.Store
	retain   bool
	clock    clock.Clock
	logger   pslog.Logger
	counter  metric.Int64Counter

	mu   sync.Mutex
	last *Result
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Gate == nil {
		return nil, errors.New("decision: gate required")
	}
	if cfg.Actuator == nil {
		return nil, errors.New("decision: actuator required")
	}
	if cfg.UnlockDuration <= 0 {
		return nil, errors.New("decision: unlock duration must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	counter, err := otel.Meter("pkt.systems/lockgate/decision").Int64Counter(
		"lockgate.decision",
		metric.WithDescription("Recognition decisions by outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "lockgate.decision", "error", err)
	}
	return &Pipeline{
		gate:     cfg.Gate,
		actuator: cfg.Actuator,
		unlock:   cfg.UnlockDuration,
		recorder: cfg.Recorder,
		store:    cfg.Artifacts,
		retain:   cfg.RetainArtifacts,
		clock:    clock.Or(cfg.Clock),
		logger:   logger,
		counter:  counter,
	}, nil
}

// Decide evaluates art. Gate failures are folded into a denial and never
// returned; the actuator is engaged only for Granted.
func (p *Pipeline) Decide(ctx context.Context, art *artifact.Artifact) {
	p.Evaluate(ctx, art)
}

// Evaluate is Decide returning the Result.
func (p *Pipeline) Evaluate(ctx context.Context, art *artifact.Artifact) Result {
	res := Result{SessionID: art.ID, CID: correlation.ID(ctx), ArtifactKey: art.Key}
	var (
		outcome recognition.Outcome
		err     error
	)
	if art.Size == 0 {
		// Empty artifacts never reach the gate.
		outcome, err = recognition.Error, recognition.ErrEmptyArtifact
	} else {
		outcome, err = p.gate.Evaluate(ctx, art)
	}
	if err != nil {
		outcome = recognition.Error
		res.Reason = err.Error()
	}
	res.Outcome = outcome
	logger := p.logger.With("session_id", art.ID, "key", art.Key)
	if res.CID != "" {
		logger = logger.With("cid", res.CID)
	}
	switch {
	case outcome.Permits():
		res.Engaged = p.actuator.Engage(ctx, p.unlock)
		logger.Info("decision.granted", "engaged", res.Engaged, "unlock", p.unlock)
	case outcome == recognition.Denied:
		logger.Info("decision.denied")
	default:
		logger.Warn("decision.error", "error", err)
	}
	res.DecidedAt = p.clock.Now()
	if p.counter != nil {
		p.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("lockgate.decision.outcome", outcome.String())))
	}

	if p.recorder != nil {
		_, rerr := p.recorder.Record(ctx, audit.AccessEvent{
			SessionID:    art.ID,
			CID:          res.CID,
			ArtifactKey:  art.Key,
			ArtifactSize: art.Size,
			SHA256:       art.SHA256,
			Outcome:      outcome.String(),
			Reason:       res.Reason,
			Engaged:      res.Engaged,
			Retained:     p.retain,
			ReceivedAt:   art.CreatedAt,
			DecidedAt:    res.DecidedAt,
		})
		if rerr != nil {
			logger.Warn("decision.audit.failed", "error", rerr)
		}
	}
	if !p.retain && p.store != nil {
		if derr := p.store.Delete(ctx, art.ID); derr != nil {
			logger.Warn("decision.artifact.delete_failed", "error", derr)
		}
	}

	p.mu.Lock()
	stored := res
	p.last = &stored
	p.mu.Unlock()
	return res
}

// Last returns the most recent decision.
func (p *Pipeline) Last() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Result{}, false
	}
	return *p.last, true
}
