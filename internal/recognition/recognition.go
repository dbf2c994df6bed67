// Package recognition decides whether a captured artifact grants access.
//
// The decision itself is an opaque capability behind Gate. Every failure
// mode collapses to Error, and only Granted permits the actuator to engage.
package recognition

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/lockgate/internal/artifact"
)

// Outcome is the result of evaluating an artifact. The zero value is Error.
type Outcome int

const (
	Error Outcome = iota
	Denied
	Granted
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "error"
	}
}

// MarshalText renders the outcome name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText. Unknown names
// are rejected rather than mapped to Error so that callers notice them.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Permits reports whether the outcome may unlock.
func (o Outcome) Permits() bool { return o == Granted }

// ParseOutcome parses granted, denied or error (case-insensitive).
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "granted", "grant":
		return Granted, nil
	case "denied", "deny":
		return Denied, nil
	case "error":
		return Error, nil
	default:
		return Error, fmt.Errorf("recognition: unknown outcome %q", s)
	}
}

// Gate evaluates a committed artifact. A non-nil error is always paired
// with Error.
type Gate interface {
	Evaluate(ctx context.Context, art *artifact.Artifact) (Outcome, error)
}

// Func adapts a function to Gate.
type Func func(ctx context.Context, art *artifact.Artifact) (Outcome, error)

// Evaluate calls f and enforces the Error pairing.
func (f Func) Evaluate(ctx context.Context, art *artifact.Artifact) (Outcome, error) {
	outcome, err := f(ctx, art)
	if err != nil {
		return Error, err
	}
	return outcome, nil
}

// Static returns a gate that always yields outcome.
func Static(outcome Outcome) Gate {
	return staticGate(outcome)
}

type staticGate Outcome

func (g staticGate) Evaluate(context.Context, *artifact.Artifact) (Outcome, error) {
	return Outcome(g), nil
}
