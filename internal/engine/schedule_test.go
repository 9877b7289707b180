package engine

import (
	"testing"
	"time"
)

func TestFailureSequence(t *testing.T) {
	s := DefaultSchedule()
	b := s.Reset()

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		var d time.Duration
		d, b = s.Failure(b)
		if d != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, d, w)
		}
	}
	if b.Step != s.MaxStep {
		t.Errorf("step = %d, want capped at %d", b.Step, s.MaxStep)
	}
}

func TestFailureNeverBelowFloor(t *testing.T) {
	s := Schedule{Base: 10 * time.Millisecond, Ceiling: time.Minute, Floor: time.Second, MaxStep: 3}
	d, _ := s.Failure(s.Reset())
	if d != time.Second {
		t.Errorf("delay = %v, want floor 1s", d)
	}
}

func TestFailureNeverAboveCeiling(t *testing.T) {
	s := Schedule{Base: 20 * time.Second, Ceiling: 30 * time.Second, Floor: time.Second, MaxStep: 10}
	b := s.Reset()
	for range 12 {
		var d time.Duration
		d, b = s.Failure(b)
		if d > s.Ceiling {
			t.Fatalf("delay %v exceeds ceiling %v", d, s.Ceiling)
		}
	}
}

func TestFailureNegativeStep(t *testing.T) {
	s := DefaultSchedule()
	d, b := s.Failure(Backoff{Step: -4})
	if d != s.Base {
		t.Errorf("delay = %v, want base %v", d, s.Base)
	}
	if b.Step != 1 {
		t.Errorf("step = %d, want 1", b.Step)
	}
}

func TestActiveAndQuietClamped(t *testing.T) {
	s := Schedule{Fast: 0, Idle: 100 * time.Millisecond, Floor: time.Second}
	if got := s.Active(); got != time.Second {
		t.Errorf("Active() = %v, want 1s", got)
	}
	if got := s.Quiet(); got != time.Second {
		t.Errorf("Quiet() = %v, want 1s", got)
	}
}

func TestReset(t *testing.T) {
	s := DefaultSchedule()
	b := s.Reset()
	if b.Step != 0 || b.MaxStep != s.MaxStep {
		t.Errorf("Reset() = %+v", b)
	}
}
