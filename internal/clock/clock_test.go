package clock_test

import (
	"testing"
	"time"

	"pkt.systems/lockgate/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestOrDefaultsToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock for nil input")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.Or(manual) != manual {
		t.Fatal("expected supplied clock to be returned")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(5 * time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(10, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected immediate delivery for zero duration")
	}
}

func TestManualSetIgnoresBackwards(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0).UTC()
	m := clock.NewManual(start)
	m.Set(start.Add(-time.Minute))
	if !m.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", m.Now())
	}
	m.Set(start.Add(time.Minute))
	if !m.Now().Equal(start.Add(time.Minute)) {
		t.Fatalf("clock did not move forward: %v", m.Now())
	}
}
