package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"tools.zach/dev/ps4cord/internal/console"
	"tools.zach/dev/ps4cord/internal/presence"
)

// ErrStopped is returned by commands sent after the engine has stopped.
var ErrStopped = errors.New("engine stopped")

// Publisher receives presence actions.
type Publisher interface {
	Apply(a presence.Action) error
}

// ///////////////////////////////////////////////
// Status
// ///////////////////////////////////////////////

// Status is a snapshot of the engine for display.
type Status struct {
	State       ConnState `json:"state"`
	Address     string    `json:"address,omitempty"`
	Wanted      bool      `json:"wanted"`
	TitleID     string    `json:"title_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Since       time.Time `json:"since,omitzero"`
	BackoffStep int       `json:"backoff_step"`
	NextPoll    time.Time `json:"next_poll,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Presence    string    `json:"presence,omitempty"`
}

// MarshalText lets ConnState render by name in JSON.
func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *ConnState) UnmarshalText(b []byte) error {
	for c := Disconnected; c <= Unreachable; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// Summary renders the status as one line of text.
func (s Status) Summary(now time.Time) string {
	var b strings.Builder
	switch {
	case s.Address == "":
		b.WriteString("No console configured")
	case s.State == Connected:
		fmt.Fprintf(&b, "Connected to %s", s.Address)
	case s.State == Unreachable:
		fmt.Fprintf(&b, "Console %s unreachable, retrying", s.Address)
	case s.State == Connecting:
		fmt.Fprintf(&b, "Connecting to %s", s.Address)
	case s.State == Verifying:
		fmt.Fprintf(&b, "Checking console at %s", s.Address)
	case s.Wanted:
		fmt.Fprintf(&b, "Waiting for console %s", s.Address)
	default:
		fmt.Fprintf(&b, "Disconnected (%s)", s.Address)
	}
	if s.Title != "" {
		fmt.Fprintf(&b, ", playing %s", s.Title)
		if s.TitleID != "" && s.TitleID != s.Title {
			fmt.Fprintf(&b, " (%s)", s.TitleID)
		}
		if !s.Since.IsZero() {
			b.WriteString(" since ")
			b.WriteString(humanize.RelTime(s.Since, now, "ago", "from now"))
		}
	}
	if !s.NextPoll.IsZero() && s.State == Unreachable {
		fmt.Fprintf(&b, ", next try %s", humanize.RelTime(s.NextPoll, now, "ago", "from now"))
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, " [last error: %s]", s.LastError)
	}
	return b.String()
}

// ///////////////////////////////////////////////
// Engine
// ///////////////////////////////////////////////

// Config wires an Engine.
type Config struct {
	Cycle     *Cycle
	Publisher Publisher
	Policy    Policy
	// Link is the starting link: address and whether to auto-connect.
	Link Link
	// OnConnected is called on the engine goroutine each time the link
	// comes up, with the address that answered.
	OnConnected func(address string)
	// OnPolicy is called on the engine goroutine when a new policy is
	// applied, so collaborators owned by the cycle can be reconfigured.
	OnPolicy func(Policy)
	// OnFault is called once per distinct unexpected or protocol error.
	OnFault func(error)
	Now     func() time.Time
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdPolicy
	cmdExec
)

type command struct {
	kind    cmdKind
	address string
	policy  Policy
	fn      func() error
	done    chan error
}

type cycleResult struct {
	epoch uint64
	obs   Observation
	sess  console.Session
}

// Engine schedules poll cycles one at a time and applies their outcomes.
// All state mutation happens on the goroutine running [Engine.Run].
type Engine struct {
	cfg  Config
	cmds chan command

	// loop-owned
	state    State
	policy   Policy
	sess     console.Session
	epoch    uint64
	inflight bool
	cancel   context.CancelFunc
	pending  []command
	title    string
	titleID  string
	started  time.Time

	mu      sync.Mutex
	status  Status
	live    uint64 // epoch the snapshot belongs to
	stopped chan struct{}
}

// New returns an Engine. Run must be called to start polling.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	link := cfg.Link
	link.State = Disconnected
	link.EverConnected = false
	e := &Engine{
		cfg:     cfg,
		cmds:    make(chan command),
		state:   State{Link: link, Backoff: cfg.Policy.Schedule.Reset()},
		policy:  cfg.Policy,
		stopped: make(chan struct{}),
	}
	e.status = e.snapshot(time.Time{})
	return e
}

// Status returns the latest status snapshot. It is safe to call at any
// time and does not affect polling.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Connect asks the engine to connect, to address when non-empty or to the
// current address otherwise. It is applied after any in-flight cycle.
func (e *Engine) Connect(ctx context.Context, address string) error {
	return e.send(ctx, command{kind: cmdConnect, address: strings.TrimSpace(address)})
}

// Disconnect drops the console link immediately. An in-flight cycle is
// cancelled and its result discarded.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdDisconnect})
}

// SetPolicy replaces the policy after any in-flight cycle.
func (e *Engine) SetPolicy(ctx context.Context, p Policy) error {
	return e.send(ctx, command{kind: cmdPolicy, policy: p})
}

// Exec runs fn on the engine goroutine between cycles and then polls
// immediately. Use it for mutations that must not race a cycle, such as
// catalog edits.
func (e *Engine) Exec(ctx context.Context, fn func() error) error {
	return e.send(ctx, command{kind: cmdExec, fn: fn})
}

func (e *Engine) send(ctx context.Context, c command) error {
	c.done = make(chan error, 1)
	select {
	case e.cmds <- c:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls until ctx is cancelled. On return the in-flight cycle has
// finished and any console session is closed.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	results := make(chan cycleResult, 1)
	timer := time.NewTimer(0)
	defer timer.Stop()

	slog.Info("engine started", "address", e.state.Link.Address, "auto_connect", e.state.Link.Wanted)

	for {
		select {
		case <-ctx.Done():
			e.shutdown(results)
			return nil

		case <-timer.C:
			if !e.inflight {
				e.start(ctx, results)
			}

		case res := <-results:
			e.inflight = false
			e.cancel()
			delay := e.finish(res)
			if e.drain() {
				delay = e.soon()
			}
			resetTimer(timer, delay)
			e.setNextPoll(delay)

		case c := <-e.cmds:
			if c.kind == cmdDisconnect {
				e.disconnect()
				c.done <- nil
				resetTimer(timer, e.policy.Schedule.Quiet())
				continue
			}
			if e.inflight {
				e.pending = append(e.pending, c)
				continue
			}
			if e.apply(c) {
				delay := e.soon()
				resetTimer(timer, delay)
				e.setNextPoll(delay)
			}
		}
	}
}

// start launches a cycle on a worker goroutine.
func (e *Engine) start(ctx context.Context, results chan<- cycleResult) {
	cctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.inflight = true
	e.started = time.Now()

	epoch, st, sess := e.epoch, e.state, e.sess
	e.sess = nil
	cycle := *e.cfg.Cycle
	report := cycle.Progress
	cycle.Progress = func(s ConnState) {
		if e.setProgress(epoch, s) && report != nil {
			report(s)
		}
	}

	go func() {
		obs, kept := cycle.safeRun(cctx, st, sess)
		results <- cycleResult{epoch: epoch, obs: obs, sess: kept}
	}()
}

// finish applies a cycle result and returns the delay until the next one.
func (e *Engine) finish(res cycleResult) time.Duration {
	if res.epoch != e.epoch {
		slog.Debug("discarding stale cycle result", "kind", res.obs.Kind)
		closeSession(res.sess)
		return e.policy.Schedule.Quiet()
	}
	e.sess = res.sess

	now := e.cfg.Now()
	prev := e.state
	out := Step(prev, res.obs, e.policy, now)
	e.state = out.Next

	if res.obs.Kind == ObsTitle && res.obs.Record != nil {
		e.title, e.titleID = res.obs.Record.Name, res.obs.Record.TitleID
	} else if res.obs.Kind != ObsProtocol && res.obs.Kind != ObsFault {
		e.title, e.titleID = "", ""
	}

	if prev.Link.State != out.Next.Link.State {
		slog.Info("console link changed", "from", prev.Link.State, "to", out.Next.Link.State, "address", out.Next.Link.Address)
	}
	if out.Next.Link.State == Connected && prev.Link.State != Connected && e.cfg.OnConnected != nil {
		e.cfg.OnConnected(out.Next.Link.Address)
	}
	if res.obs.Err != nil {
		slog.Debug("cycle error", "kind", res.obs.Kind, "error", res.obs.Err)
	}
	if out.Report != nil {
		slog.Error("console error", "error", out.Report)
		if e.cfg.OnFault != nil {
			e.cfg.OnFault(out.Report)
		}
	}

	e.publish(out.Action)
	e.updateStatus(now)
	return out.Delay
}

// drain applies commands queued during the cycle. It reports whether any
// of them wants an immediate cycle.
func (e *Engine) drain() bool {
	immediate := false
	for len(e.pending) > 0 {
		c := e.pending[0]
		e.pending = e.pending[1:]
		if e.apply(c) {
			immediate = true
		}
	}
	return immediate
}

// soon returns the delay for a cycle asked for by a command: now, unless
// the last cycle started less than the schedule floor ago.
func (e *Engine) soon() time.Duration {
	if e.started.IsZero() {
		return 0
	}
	return max(0, e.policy.Schedule.Floor-time.Since(e.started))
}

// apply executes a queued command. It reports whether a cycle should run
// right away.
func (e *Engine) apply(c command) bool {
	switch c.kind {
	case cmdConnect:
		link := e.state.Link
		if c.address != "" && c.address != link.Address {
			closeSession(e.sess)
			e.sess = nil
			link.Address = c.address
			link.EverConnected = false
		}
		if link.Address == "" {
			c.done <- errors.New("no console address configured")
			return false
		}
		link.Wanted = true
		if link.State != Connected {
			link.State = Connecting
		}
		e.state.Link = link
		e.state.Backoff = e.policy.Schedule.Reset()
		slog.Info("connect requested", "address", link.Address)
		e.updateStatus(e.cfg.Now())
		c.done <- nil
		return true

	case cmdPolicy:
		e.policy = c.policy
		if e.cfg.OnPolicy != nil {
			e.cfg.OnPolicy(c.policy)
		}
		slog.Info("policy updated")
		c.done <- nil
		return true

	case cmdExec:
		c.done <- c.fn()
		return true

	default:
		c.done <- fmt.Errorf("unknown command %d", c.kind)
		return false
	}
}

// disconnect drops the link at once, invalidating any in-flight cycle.
func (e *Engine) disconnect() {
	e.epoch++
	if e.inflight && e.cancel != nil {
		e.cancel()
	}
	closeSession(e.sess)
	e.sess = nil

	now := e.cfg.Now()
	e.state.Link = e.state.Link.down()
	e.state.Backoff = e.policy.Schedule.Reset()
	out := Step(e.state, Observation{Kind: ObsStandby}, e.policy, now)
	e.state = out.Next
	e.title, e.titleID = "", ""
	slog.Info("console disconnected by user", "address", e.state.Link.Address)
	e.publish(out.Action)
	e.updateStatus(now)
}

// shutdown waits for the in-flight cycle and releases the session.
func (e *Engine) shutdown(results <-chan cycleResult) {
	if e.inflight {
		e.cancel()
		res := <-results
		closeSession(res.sess)
		e.inflight = false
	}
	closeSession(e.sess)
	e.sess = nil
	for _, c := range e.pending {
		c.done <- ErrStopped
	}
	e.pending = nil
	slog.Info("engine stopped")
}

func (e *Engine) publish(a presence.Action) {
	if e.cfg.Publisher == nil {
		return
	}
	if err := e.cfg.Publisher.Apply(a); err != nil {
		slog.Warn("presence update failed", "action", a.Kind, "error", err)
	}
}

// ///////////////////////////////////////////////
// Status Helpers
// ///////////////////////////////////////////////

func (e *Engine) snapshot(nextPoll time.Time) Status {
	st := Status{
		State:       e.state.Link.State,
		Address:     e.state.Link.Address,
		Wanted:      e.state.Link.Wanted,
		TitleID:     e.titleID,
		Title:       e.title,
		BackoffStep: e.state.Backoff.Step,
		NextPoll:    nextPoll,
		LastError:   e.state.LastFault,
	}
	if e.title != "" {
		st.Since = e.state.Presence.Started
	}
	return st
}

func (e *Engine) updateStatus(now time.Time) {
	e.mu.Lock()
	next := e.snapshot(e.status.NextPoll)
	changed := next != e.status
	e.status = next
	e.live = e.epoch
	e.mu.Unlock()
	if changed {
		slog.Debug("status", "summary", next.Summary(now))
	}
}

func (e *Engine) setNextPoll(delay time.Duration) {
	e.mu.Lock()
	e.status.NextPoll = e.cfg.Now().Add(delay)
	e.mu.Unlock()
}

// setProgress records an intermediate link state reported by the cycle
// started at epoch. It runs on the cycle goroutine and touches only the
// snapshot; progress from a cycle a disconnect has invalidated is dropped.
func (e *Engine) setProgress(epoch uint64, s ConnState) bool {
	e.mu.Lock()
	if epoch != e.live || e.status.State == Connected {
		e.mu.Unlock()
		return false
	}
	e.status.State = s
	e.mu.Unlock()
	return true
}

func resetTimer(t *time.Timer, d time.Duration) {
	t.Stop()
	t.Reset(d)
}
