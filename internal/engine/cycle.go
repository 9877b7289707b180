package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tools.zach/dev/ps4cord/internal/catalog"
	"tools.zach/dev/ps4cord/internal/console"
)

// Prober is the console probe surface a cycle uses.
type Prober interface {
	Dial(ctx context.Context, address string) (console.Session, error)
	Verify(ctx context.Context, address string, sess console.Session) error
	Detect(ctx context.Context, sess console.Session) (string, error)
}

// Resolver maps a title id to a catalog record. It never fails.
type Resolver interface {
	Resolve(ctx context.Context, titleID string) catalog.GameRecord
}

// Cycle performs the IO of one poll: connect when needed, detect the
// running title and resolve it.
type Cycle struct {
	Probe    Prober
	Resolver Resolver
	// Progress, when set, is called as the link moves through Connecting
	// and Verifying.
	Progress func(ConnState)
}

// Run executes one cycle for st. sess is the session left open by the
// previous cycle, or nil. Run returns what it observed and the session to
// keep for the next cycle; ownership of sess passes to Run.
func (c *Cycle) Run(ctx context.Context, st State, sess console.Session) (Observation, console.Session) {
	if !st.Link.Configured() || !st.Link.Wanted {
		closeSession(sess)
		if !st.Link.Configured() {
			return Observation{Kind: ObsUnconfigured}, nil
		}
		return Observation{Kind: ObsStandby}, nil
	}

	fresh := false
	if sess == nil {
		var err error
		if sess, err = c.connect(ctx, st.Link.Address); err != nil {
			return Observation{Kind: ObsConnectFailed, Err: err}, nil
		}
		fresh = true
	}

	id, err := c.Probe.Detect(ctx, sess)
	if err != nil && console.IsUnreachable(err) && !fresh && ctx.Err() == nil {
		// A session kept from an earlier cycle may have been dropped by the
		// console; retry once on a new one before calling the link lost.
		slog.Debug("kept session failed, reconnecting", "error", err)
		closeSession(sess)
		if sess, err = c.connect(ctx, st.Link.Address); err != nil {
			return Observation{Kind: ObsLost, Err: err}, nil
		}
		id, err = c.Probe.Detect(ctx, sess)
	}
	if err != nil {
		closeSession(sess)
		switch {
		case console.IsUnreachable(err), errors.Is(err, context.Canceled):
			return Observation{Kind: ObsLost, Err: err}, nil
		default:
			return Observation{Kind: ObsProtocol, Err: err}, nil
		}
	}

	rec := c.Resolver.Resolve(ctx, id)
	slog.Debug("cycle detected title", "title_id", id, "name", rec.Name)
	return Observation{Kind: ObsTitle, Record: &rec}, sess
}

func (c *Cycle) connect(ctx context.Context, address string) (console.Session, error) {
	c.progress(Connecting)
	sess, err := c.Probe.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	c.progress(Verifying)
	if err := c.Probe.Verify(ctx, address, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Cycle) progress(s ConnState) {
	if c.Progress != nil {
		c.Progress(s)
	}
}

// safeRun is Run with panics turned into an ObsFault observation.
func (c *Cycle) safeRun(ctx context.Context, st State, sess console.Session) (obs Observation, kept console.Session) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("poll cycle panicked", "panic", r)
			obs = Observation{Kind: ObsFault, Err: fmt.Errorf("internal error: %v", r)}
			kept = nil
		}
	}()
	return c.Run(ctx, st, sess)
}

func closeSession(sess console.Session) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		slog.Debug("closing console session", "error", err)
	}
}
