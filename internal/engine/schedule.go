package engine

import "time"

// Backoff is the failure counter driving the retry delay.
type Backoff struct {
	Step    int
	MaxStep int
}

// Schedule holds the poll intervals.
type Schedule struct {
	// Fast is used while a title is detected.
	Fast time.Duration
	// Idle is used when the console answered with nothing to report, and
	// while no connection is wanted.
	Idle time.Duration
	// Base is the first retry delay after a reachability failure.
	Base time.Duration
	// Ceiling caps retry delays.
	Ceiling time.Duration
	// Floor is the minimum for every delay.
	Floor time.Duration
	// MaxStep caps the backoff exponent.
	MaxStep int
}

// DefaultSchedule returns the stock intervals.
func DefaultSchedule() Schedule {
	return Schedule{
		Fast:    2 * time.Second,
		Idle:    4 * time.Second,
		Base:    2 * time.Second,
		Ceiling: 30 * time.Second,
		Floor:   time.Second,
		MaxStep: 5,
	}
}

// Active returns the delay after a cycle that detected a title.
func (s Schedule) Active() time.Duration { return s.clamp(s.Fast) }

// Quiet returns the delay after a cycle with nothing to report.
func (s Schedule) Quiet() time.Duration { return s.clamp(s.Idle) }

// Failure returns the delay for the next attempt after a reachability
// failure at b, and the incremented backoff: Base*2^Step bounded by
// Ceiling, never below Floor.
func (s Schedule) Failure(b Backoff) (time.Duration, Backoff) {
	b.MaxStep = s.MaxStep
	step := min(max(b.Step, 0), s.MaxStep)

	d := s.Base
	for range step {
		d *= 2
		if s.Ceiling > 0 && d >= s.Ceiling {
			break
		}
	}
	if s.Ceiling > 0 && d > s.Ceiling {
		d = s.Ceiling
	}

	b.Step = min(step+1, s.MaxStep)
	return s.clamp(d), b
}

// Reset returns the backoff after a successful probe.
func (s Schedule) Reset() Backoff {
	return Backoff{Step: 0, MaxStep: s.MaxStep}
}

func (s Schedule) clamp(d time.Duration) time.Duration {
	return max(d, s.Floor)
}
