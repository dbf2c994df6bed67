// Package actuator owns the lock output.
//
// The controller starts Locked. Engage unlocks for a fixed duration and
// records a deadline instead of sleeping; the deadline is enforced by every
// state read and by the Run loop, so the lock closes on time even when no
// further requests arrive.
package actuator

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/lockgate/internal/clock"
	"pkt.systems/pslog"
)

// DefaultPollInterval is the Run loop period when none is given.
const DefaultPollInterval = 100 * time.Millisecond

// State is the logical lock state.
type State int

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config wires a Controller.
type Config struct {
	Output Output
	Clock  clock.Clock
	Logger pslog.Logger
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State          State     `json:"state"`
	UnlockDeadline time.Time `json:"unlock_deadline"`
	// RelockPending is set while the output has not yet confirmed the
	// locked position.
	RelockPending bool  `json:"relock_pending"`
	Engagements   int64 `json:"engagements"`
}

// Controller serializes all access to the output.
type Controller struct {
	output  Output
	clock   clock.Clock
	logger  pslog.Logger
	metrics *actuatorMetrics

	mu            sync.Mutex
	state         State
	deadline      time.Time
	relockPending bool
	engagements   int64
}

// New returns a Locked controller and drives the output to the locked
// position. A failed initial drive is retried on every tick.
func New(cfg Config) (*Controller, error) {
	if cfg.Output == nil {
		return nil, errors.New("actuator: output required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	c := &Controller{
		output:        cfg.Output,
		clock:         clock.Or(cfg.Clock),
		logger:        logger,
		state:         Locked,
		relockPending: true,
	}
	c.metrics = newActuatorMetrics(logger, c)
	c.mu.Lock()
	c.enforceLocked(context.Background())
	c.mu.Unlock()
	return c, nil
}

// Engage unlocks for d. It returns false without touching the deadline
// when already unlocked, and false when the output cannot be driven.
func (c *Controller) Engage(ctx context.Context, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforceLocked(ctx)
	if d <= 0 {
		c.metrics.recordEngage(ctx, "invalid")
		return false
	}
	if c.state == Unlocked {
		c.logger.Debug("actuator.engage.ignored", "deadline", c.deadline)
		c.metrics.recordEngage(ctx, "ignored")
		return false
	}
	if err := c.output.Drive(ctx, PositionUnlocked); err != nil {
		c.logger.Warn("actuator.engage.failed", "error", err)
		c.metrics.recordEngage(ctx, "failed")
		// The line may be in an unknown position; force it back.
		c.relockPending = true
		c.enforceLocked(ctx)
		return false
	}
	c.state = Unlocked
	c.deadline = c.clock.Now().Add(d)
	c.engagements++
	c.metrics.recordEngage(ctx, "engaged")
	c.logger.Info("actuator.engage", "duration", d, "deadline", c.deadline)
	return true
}

// Tick enforces the deadline and returns the resulting state.
func (c *Controller) Tick(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforceLocked(ctx)
	return c.state
}

// Lock ends any unlock window immediately and drives the output locked.
// It returns an error when the output did not confirm the locked position;
// the relock then stays pending for the next tick.
func (c *Controller) Lock(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Unlocked {
		c.logger.Info("actuator.lock.forced", "deadline", c.deadline)
	}
	c.state = Locked
	c.deadline = time.Time{}
	c.relockPending = true
	c.enforceLocked(ctx)
	if c.relockPending {
		return errors.New("actuator: output did not confirm the locked position")
	}
	return nil
}

// State returns the current state after enforcing the deadline.
func (c *Controller) State() State {
	return c.Tick(context.Background())
}

// Snapshot returns the current state after enforcing the deadline.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforceLocked(context.Background())
	return Snapshot{
		State:          c.state,
		UnlockDeadline: c.deadline,
		RelockPending:  c.relockPending,
		Engagements:    c.engagements,
	}
}

// Run ticks until ctx is done. It wakes at the unlock deadline or every
// interval, whichever comes first.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		wait := c.nextWait(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
			c.Tick(ctx)
		}
	}
}

func (c *Controller) nextWait(interval time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Unlocked {
		return interval
	}
	until := c.deadline.Sub(c.clock.Now())
	if until < 0 {
		return 0
	}
	if until < interval {
		return until
	}
	return interval
}

func (c *Controller) enforceLocked(ctx context.Context) {
	if c.state == Unlocked && !c.clock.Now().Before(c.deadline) {
		c.state = Locked
		c.deadline = time.Time{}
		c.relockPending = true
	}
	if !c.relockPending {
		return
	}
	if err := c.output.Drive(ctx, PositionLocked); err != nil {
		c.logger.Warn("actuator.relock.failed", "error", err)
		return
	}
	c.relockPending = false
	c.logger.Info("actuator.relock")
}
