package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tools.zach/dev/ps4cord/internal/catalog"
	"tools.zach/dev/ps4cord/internal/logger"
	"tools.zach/dev/ps4cord/internal/paths"
)

// Timeouts bounds each stage of a probe.
type Timeouts struct {
	Connect time.Duration
	Verify  time.Duration
	List    time.Duration
}

// DefaultTimeouts returns the stock connect, verify and list bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 5 * time.Second,
		Verify:  3 * time.Second,
		List:    5 * time.Second,
	}
}

// Probe connects to a console and detects the running title.
type Probe struct {
	dialer   Dialer
	timeouts Timeouts
}

// NewProbe returns a Probe using dialer.
func NewProbe(dialer Dialer, t Timeouts) *Probe {
	return &Probe{dialer: dialer, timeouts: t}
}

// SetTimeouts replaces the stage timeouts.
func (p *Probe) SetTimeouts(t Timeouts) { p.timeouts = t }

// Connect opens a session to address and confirms the console system
// directory exists. The handshake and the check are bounded independently.
// On any failure the session is closed.
func (p *Probe) Connect(ctx context.Context, address string) (Session, error) {
	sess, err := p.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := p.Verify(ctx, address, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Dial opens a session to address within the connect timeout.
func (p *Probe) Dial(ctx context.Context, address string) (Session, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("no console address configured")
	}
	sess, err := within(ctx, p.timeouts.Connect, nil, func(ctx context.Context) (Session, error) {
		return p.dialer.Dial(ctx, address)
	})
	if err != nil {
		return nil, classify("connect "+address, err)
	}
	return sess, nil
}

// Verify checks for the console system directory within the verify
// timeout. sess is closed when the check fails.
func (p *Probe) Verify(ctx context.Context, address string, sess Session) error {
	ok, err := within(ctx, p.timeouts.Verify, abandon(sess), func(ctx context.Context) (bool, error) {
		return sess.DirExists(ctx, paths.VerifyDir)
	})
	if err != nil {
		sess.Close()
		return classify("verify "+address, err)
	}
	if !ok {
		sess.Close()
		return fmt.Errorf("%w: %s has no %s", ErrNotConsole, address, paths.VerifyDir)
	}
	return nil
}

// Detect lists the sandbox directory over sess and returns the running
// title id, or [catalog.HomeTitleID] when nothing but system entries is
// mounted. Errors are classified as [ErrUnreachable] or [ErrProtocol].
func (p *Probe) Detect(ctx context.Context, sess Session) (string, error) {
	names, err := within(ctx, p.timeouts.List, abandon(sess), func(ctx context.Context) ([]string, error) {
		return sess.List(ctx, paths.SandboxDir)
	})
	if err != nil {
		return "", classify("list "+paths.SandboxDir, err)
	}
	slog.Log(ctx, logger.LevelTrace, "sandbox listing", "entries", names)

	if id := ExtractTitleID(names); id != "" {
		return id, nil
	}
	return catalog.HomeTitleID, nil
}

// abandon returns the teardown for a stage that timed out on sess. It
// drops the connection without issuing another command, so a later Close
// cannot race the command still running on it.
func abandon(sess Session) func() {
	if a, ok := sess.(interface{ abort() }); ok {
		return a.abort
	}
	return nil
}

// ExtractTitleID returns the first title id found in names, skipping
// entries that start with the system prefix. It returns "" when none match.
func ExtractTitleID(names []string) string {
	for _, name := range names {
		if strings.HasPrefix(name, paths.SystemPrefix) {
			continue
		}
		if id := catalog.FindTitleID(name); id != "" {
			return id
		}
	}
	return ""
}
