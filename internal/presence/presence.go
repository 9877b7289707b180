// Package presence turns the detected title, or the lack of one, into a
// Discord presence payload.
//
// [Decide] is a pure function over the previous [Session] and the cycle's
// [Input]; it owns the session-timestamp rules. [Synchronizer] delivers the
// resulting [Action] to a [Publisher], suppressing duplicates.
package presence

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tools.zach/dev/ps4cord/internal/catalog"
)

// ///////////////////////////////////////////////
// Payload
// ///////////////////////////////////////////////

// Payload is the presence handed to the publisher.
type Payload struct {
	Details    string    `json:"details,omitempty"`
	State      string    `json:"state,omitempty"`
	LargeImage string    `json:"large_image,omitempty"`
	LargeText  string    `json:"large_text,omitempty"`
	Start      time.Time `json:"start,omitzero"`
}

// Hash returns a SHA-256 hex digest of the payload for dedup comparison.
func (p Payload) Hash() string {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Warn("failed to hash payload", "error", err)
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// maxFieldLen is Discord's limit for details and state.
const maxFieldLen = 128

// render fills {name} and {title_id} in tmpl and truncates to maxFieldLen.
func render(tmpl string, rec catalog.GameRecord) string {
	s := strings.NewReplacer("{name}", rec.Name, "{title_id}", rec.TitleID).Replace(tmpl)
	if r := []rune(s); len(r) > maxFieldLen {
		s = string(r[:maxFieldLen-1]) + "…"
	}
	return s
}

// ///////////////////////////////////////////////
// Decision
// ///////////////////////////////////////////////

// Session tracks the title currently reported and when it started.
type Session struct {
	LastTitleID string
	Started     time.Time
}

// Reason says why a cycle has no title to show.
type Reason int

const (
	// ReasonIdle means the console answered but nothing is running, or the
	// home screen is not reported.
	ReasonIdle Reason = iota
	// ReasonUnconfigured means no console address is set.
	ReasonUnconfigured
	// ReasonOffline means the console did not answer.
	ReasonOffline
	// ReasonDisconnected means the user disconnected.
	ReasonDisconnected
)

func (r Reason) String() string {
	switch r {
	case ReasonIdle:
		return "idle"
	case ReasonUnconfigured:
		return "unconfigured"
	case ReasonOffline:
		return "offline"
	case ReasonDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Input is one cycle's view of the console.
type Input struct {
	// Record is the resolved title, or nil when there is none.
	Record *catalog.GameRecord
	// Reason applies when Record is nil.
	Reason Reason
	// Hidden suppresses publishing of Record without affecting the session.
	Hidden bool
}

// Options control payload contents.
type Options struct {
	Details   string
	State     string
	LargeText string

	ShowWhenIdle bool
	ShowTimer    bool

	IdleDetails       string
	IdleState         string
	OfflineState      string
	UnconfiguredState string
	IdleImage         string
}

// DefaultOptions returns the stock templates and idle texts.
func DefaultOptions() Options {
	return Options{
		Details:           "",
		State:             "{name}",
		LargeText:         "{name}",
		ShowWhenIdle:      false,
		ShowTimer:         true,
		IdleDetails:       "PlayStation 4",
		IdleState:         "Idle",
		OfflineState:      "Console appears to be off",
		UnconfiguredState: "No console configured",
		IdleImage:         catalog.HomeTitleID,
	}
}

// ActionKind is what the publisher should do after a cycle.
type ActionKind int

const (
	// Keep leaves the published presence as it is.
	Keep ActionKind = iota
	// Set publishes Action.Payload.
	Set
	// Clear removes the presence.
	Clear
)

func (k ActionKind) String() string {
	switch k {
	case Keep:
		return "keep"
	case Set:
		return "set"
	case Clear:
		return "clear"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the publisher instruction for one cycle.
type Action struct {
	Kind    ActionKind
	Payload Payload
}

// Decide computes the next session and publisher action.
//
// The session start changes only when the reported title id changes. An
// offline cycle leaves the session untouched so a console that drops and
// comes back on the same title keeps its timer. Idle and disconnected
// cycles end the session.
func Decide(prev Session, in Input, opts Options, now time.Time) (Session, Action) {
	if in.Record != nil {
		next := prev
		if in.Record.TitleID != prev.LastTitleID || prev.Started.IsZero() {
			next = Session{LastTitleID: in.Record.TitleID, Started: now}
		}
		if in.Hidden {
			return next, Action{Kind: Clear}
		}
		p := Payload{
			Details:    render(opts.Details, *in.Record),
			State:      render(opts.State, *in.Record),
			LargeImage: in.Record.Image,
			LargeText:  render(opts.LargeText, *in.Record),
		}
		if opts.ShowTimer {
			p.Start = next.Started
		}
		return next, Action{Kind: Set, Payload: p}
	}

	next := Session{}
	if in.Reason == ReasonOffline {
		next = prev
	}
	if in.Reason == ReasonDisconnected || !opts.ShowWhenIdle {
		return next, Action{Kind: Clear}
	}

	state := opts.IdleState
	switch in.Reason {
	case ReasonOffline:
		state = opts.OfflineState
	case ReasonUnconfigured:
		state = opts.UnconfiguredState
	}
	return next, Action{Kind: Set, Payload: Payload{
		Details:    opts.IdleDetails,
		State:      state,
		LargeImage: opts.IdleImage,
	}}
}
