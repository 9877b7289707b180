// Package engine runs the console poll loop: it owns the link state, the
// backoff schedule and the presence session, and serializes user actions
// with the in-flight poll cycle.
//
// [Step] is the pure core. [Cycle] performs one round of IO and reports an
// [Observation]; [Engine] schedules cycles and applies their outcomes.
package engine

import (
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/ps4cord/internal/catalog"
	"tools.zach/dev/ps4cord/internal/console"
	"tools.zach/dev/ps4cord/internal/metadata"
	"tools.zach/dev/ps4cord/internal/presence"
)

// ///////////////////////////////////////////////
// State and Policy
// ///////////////////////////////////////////////

// State is everything the engine carries from one cycle to the next.
type State struct {
	Link     Link
	Backoff  Backoff
	Presence presence.Session
	// LastFault is the text of the last reported protocol or unexpected
	// error. A repeat of the same error is not reported again.
	LastFault string
}

// Policy is the configuration-derived behavior of the engine.
type Policy struct {
	Schedule   Schedule
	Presence   presence.Options
	Timeouts   console.Timeouts
	Metadata   metadata.Options
	ShowOnHome bool
	// Ignore holds globs matched against title ids and names; matching
	// titles are never published.
	Ignore []string
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		Schedule:   DefaultSchedule(),
		Presence:   presence.DefaultOptions(),
		Timeouts:   console.DefaultTimeouts(),
		Metadata:   metadata.Options{RetryFallback: time.Hour},
		ShowOnHome: true,
	}
}

// Hidden reports whether rec matches an ignore glob.
func (p Policy) Hidden(rec catalog.GameRecord) bool {
	for _, pattern := range p.Ignore {
		for _, subject := range []string{rec.TitleID, rec.Name} {
			matched, err := doublestar.Match(pattern, subject)
			if err != nil {
				slog.Warn("invalid ignore pattern", "pattern", pattern, "error", err)
				break
			}
			if matched {
				return true
			}
		}
	}
	return false
}

// ///////////////////////////////////////////////
// Observation
// ///////////////////////////////////////////////

// ObsKind classifies what a cycle saw.
type ObsKind int

const (
	// ObsUnconfigured: no console address; nothing was attempted.
	ObsUnconfigured ObsKind = iota
	// ObsStandby: no connection is wanted; nothing was attempted.
	ObsStandby
	// ObsTitle: the console answered; Record holds the detected title.
	ObsTitle
	// ObsConnectFailed: opening or verifying a session failed.
	ObsConnectFailed
	// ObsLost: an open session stopped answering.
	ObsLost
	// ObsProtocol: the console answered unexpectedly.
	ObsProtocol
	// ObsFault: the cycle failed unexpectedly.
	ObsFault
)

func (k ObsKind) String() string {
	switch k {
	case ObsUnconfigured:
		return "unconfigured"
	case ObsStandby:
		return "standby"
	case ObsTitle:
		return "title"
	case ObsConnectFailed:
		return "connect-failed"
	case ObsLost:
		return "lost"
	case ObsProtocol:
		return "protocol"
	case ObsFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Observation is the result of one cycle's IO.
type Observation struct {
	Kind   ObsKind
	Record *catalog.GameRecord
	Err    error
}

// Outcome is what [Step] decided.
type Outcome struct {
	Next   State
	Action presence.Action
	Delay  time.Duration
	// Report is set when an error should be surfaced to the user. It is
	// set once per distinct consecutive error.
	Report error
}

// ///////////////////////////////////////////////
// Step
// ///////////////////////////////////////////////

// Step folds one observation into the engine state. It performs no IO.
func Step(prev State, obs Observation, pol Policy, now time.Time) Outcome {
	next := prev
	sched := pol.Schedule

	switch obs.Kind {
	case ObsUnconfigured:
		next.Link.State = Disconnected
		next.Backoff = sched.Reset()
		return decide(next, presence.Input{Reason: presence.ReasonUnconfigured}, pol, now, sched.Quiet())

	case ObsStandby:
		next.Link.State = Disconnected
		next.Backoff = sched.Reset()
		return decide(next, presence.Input{Reason: presence.ReasonDisconnected}, pol, now, sched.Quiet())

	case ObsTitle:
		next.Link = prev.Link.up()
		next.Backoff = sched.Reset()
		next.LastFault = ""
		if obs.Record == nil || (obs.Record.TitleID == catalog.HomeTitleID && !pol.ShowOnHome) {
			return decide(next, presence.Input{Reason: presence.ReasonIdle}, pol, now, sched.Quiet())
		}
		in := presence.Input{Record: obs.Record, Hidden: pol.Hidden(*obs.Record)}
		return decide(next, in, pol, now, sched.Active())

	case ObsConnectFailed, ObsLost:
		next.Link = prev.Link.failed()
		delay, b := sched.Failure(prev.Backoff)
		next.Backoff = b
		reason := presence.ReasonOffline
		if !next.Link.EverConnected {
			// Not seen yet this run: still waiting, not gone.
			reason = presence.ReasonIdle
		}
		return decide(next, presence.Input{Reason: reason}, pol, now, delay)

	default: // ObsProtocol, ObsFault
		out := Outcome{Next: next, Action: presence.Action{Kind: presence.Keep}, Delay: sched.Quiet()}
		msg := "unknown error"
		if obs.Err != nil {
			msg = obs.Err.Error()
		}
		if msg != prev.LastFault {
			out.Report = obs.Err
			out.Next.LastFault = msg
		}
		return out
	}
}

func decide(next State, in presence.Input, pol Policy, now time.Time, delay time.Duration) Outcome {
	sess, act := presence.Decide(next.Presence, in, pol.Presence, now)
	next.Presence = sess
	return Outcome{Next: next, Action: act, Delay: delay}
}
