package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tools.zach/dev/ps4cord/internal/presence"
)

type recordingPublisher struct {
	mu      sync.Mutex
	actions []presence.Action
}

func (p *recordingPublisher) Apply(a presence.Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, a)
	return nil
}

func (p *recordingPublisher) snapshot() []presence.Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presence.Action(nil), p.actions...)
}

func (p *recordingPublisher) last() (presence.Action, bool) {
	acts := p.snapshot()
	if len(acts) == 0 {
		return presence.Action{}, false
	}
	return acts[len(acts)-1], true
}

func testPolicy() Policy {
	pol := DefaultPolicy()
	pol.Schedule = Schedule{
		Fast:    5 * time.Millisecond,
		Idle:    5 * time.Millisecond,
		Base:    5 * time.Millisecond,
		Ceiling: 20 * time.Millisecond,
		Floor:   time.Millisecond,
		MaxStep: 3,
	}
	return pol
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	eng    *Engine
	prober *fakeProber
	pub    *recordingPublisher
	cancel context.CancelFunc
	done   chan error

	mu        sync.Mutex
	connected []string
	faults    []error
}

func startEngine(t *testing.T, p *fakeProber, link Link) *harness {
	t.Helper()
	return startEngineWith(t, p, link, testPolicy())
}

func startEngineWith(t *testing.T, p *fakeProber, link Link, pol Policy) *harness {
	t.Helper()
	h := &harness{prober: p, pub: &recordingPublisher{}, done: make(chan error, 1)}
	res := &fakeResolver{names: map[string]string{"CUSA00001": "Bloodborne", "CUSA00002": "Gravity Rush"}}
	h.eng = New(Config{
		Cycle:     &Cycle{Probe: p, Resolver: res},
		Publisher: h.pub,
		Policy:    pol,
		Link:      link,
		OnConnected: func(addr string) {
			h.mu.Lock()
			h.connected = append(h.connected, addr)
			h.mu.Unlock()
		},
		OnFault: func(err error) {
			h.mu.Lock()
			h.faults = append(h.faults, err)
			h.mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.eng.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	h.done <- nil
}

func (h *harness) onConnected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.connected...)
}

func (h *harness) faultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.faults)
}

func hasSet(acts []presence.Action, state string) bool {
	for _, a := range acts {
		if a.Kind == presence.Set && a.Payload.State == state {
			return true
		}
	}
	return false
}

// ///////////////////////////////////////////////
// Engine
// ///////////////////////////////////////////////

func TestEnginePublishesDetectedTitle(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})

	waitFor(t, "title presence", func() bool { return hasSet(h.pub.snapshot(), "Bloodborne") })

	st := h.eng.Status()
	if st.State != Connected || st.TitleID != "CUSA00001" || st.Title != "Bloodborne" {
		t.Errorf("status = %+v", st)
	}
	if got := h.onConnected(); len(got) != 1 || got[0] != "10.0.0.5" {
		t.Errorf("OnConnected calls = %v, want one for 10.0.0.5", got)
	}
}

func TestEngineSessionReusedAcrossCycles(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})

	waitFor(t, "several cycles", func() bool { _, n := p.counts(); return n >= 4 })
	if d, _ := p.counts(); d != 1 {
		t.Errorf("dials = %d, want 1 across cycles", d)
	}
}

func TestEngineIdleUntilConnect(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00002"}}}
	h := startEngine(t, p, Link{Address: "10.0.0.5"})

	time.Sleep(30 * time.Millisecond)
	if d, _ := p.counts(); d != 0 {
		t.Fatalf("dialed %d times without auto-connect", d)
	}

	if err := h.eng.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "title after connect", func() bool { return hasSet(h.pub.snapshot(), "Gravity Rush") })
}

func TestEngineConnectWithoutAddress(t *testing.T) {
	h := startEngine(t, &fakeProber{}, Link{})
	if err := h.eng.Connect(context.Background(), ""); err == nil {
		t.Fatal("expected error connecting with no address")
	}
	if err := h.eng.Connect(context.Background(), " 10.0.0.9 "); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return h.eng.Status().State == Connected })
	if got := h.eng.Status().Address; got != "10.0.0.9" {
		t.Errorf("address = %q", got)
	}
}

func TestEngineDisconnectDiscardsInflightCycle(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}, gate: gate, stubborn: true}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})

	waitFor(t, "cycle in flight", func() bool { d, _ := p.counts(); return d == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.eng.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect did not return while a cycle was blocked: %v", err)
	}
	close(gate)

	waitFor(t, "stale session closed", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.sessions) == 1 && p.sessions[0].closed.Load()
	})
	time.Sleep(20 * time.Millisecond)

	for _, a := range h.pub.snapshot() {
		if a.Kind == presence.Set {
			t.Fatalf("stale cycle published %+v after disconnect", a.Payload)
		}
	}
	if last, ok := h.pub.last(); !ok || last.Kind != presence.Clear {
		t.Errorf("last action = %+v, want clear", last)
	}
	st := h.eng.Status()
	if st.State != Disconnected || st.Wanted {
		t.Errorf("status = %+v, want disconnected and not wanted", st)
	}
	if d, _ := p.counts(); d != 1 {
		t.Errorf("dials = %d, engine reconnected after disconnect", d)
	}
}

func TestEngineDisconnectClearsPresence(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})
	waitFor(t, "title presence", func() bool { return hasSet(h.pub.snapshot(), "Bloodborne") })

	if err := h.eng.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if last, _ := h.pub.last(); last.Kind != presence.Clear {
		t.Errorf("last action = %v, want clear", last.Kind)
	}
	waitFor(t, "session closed", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.sessions[0].closed.Load()
	})
	if st := h.eng.Status(); st.Title != "" {
		t.Errorf("title = %q after disconnect", st.Title)
	}
}

func TestEngineBacksOffWhenUnreachable(t *testing.T) {
	p := &fakeProber{dialErr: errUnreach}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})

	waitFor(t, "backoff capped", func() bool { return h.eng.Status().BackoffStep == 3 })
	if st := h.eng.Status(); st.State == Connected || st.State == Unreachable {
		t.Errorf("state = %v before any success", st.State)
	}

	p.set(func(p *fakeProber) { p.dialErr = nil })
	waitFor(t, "recovered", func() bool { return h.eng.Status().State == Connected })
	if got := h.eng.Status().BackoffStep; got != 0 {
		t.Errorf("backoff step = %d after success", got)
	}
}

func TestEngineUnreachableAfterSuccess(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})
	waitFor(t, "connected", func() bool { return h.eng.Status().State == Connected })

	p.set(func(p *fakeProber) {
		p.dialErr = errUnreach
		p.detect = []detectResult{{err: errUnreach}}
	})
	waitFor(t, "unreachable", func() bool { return h.eng.Status().State == Unreachable })

	p.set(func(p *fakeProber) {
		p.dialErr = nil
		p.detect = []detectResult{{id: "CUSA00001"}}
	})
	waitFor(t, "reconnected", func() bool { return h.eng.Status().State == Connected })
	if got := h.onConnected(); len(got) != 2 {
		t.Errorf("OnConnected calls = %d, want 2", len(got))
	}
}

func TestEngineReportsRepeatedFaultOnce(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})
	waitFor(t, "connected", func() bool { return h.eng.Status().State == Connected })

	p.set(func(p *fakeProber) {
		p.detect = []detectResult{{err: fmt.Errorf("bad listing: %w", errors.ErrUnsupported)}}
		p.detects = 0
	})
	waitFor(t, "several failing cycles", func() bool { d, _ := p.counts(); return d >= 3 })

	if n := h.faultCount(); n != 1 {
		t.Errorf("faults reported = %d, want 1", n)
	}
	if st := h.eng.Status(); !strings.Contains(st.LastError, "bad listing") {
		t.Errorf("last error = %q", st.LastError)
	}
}

func TestEngineExecRunsBetweenCycles(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})

	var ran bool
	if err := h.eng.Exec(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("fn did not run")
	}

	want := errors.New("edit failed")
	if err := h.eng.Exec(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Exec err = %v, want %v", err, want)
	}
}

func TestEngineCommandBurstRespectsFloor(t *testing.T) {
	pol := testPolicy()
	pol.Schedule.Fast = 10 * time.Second
	pol.Schedule.Idle = 10 * time.Second
	pol.Schedule.Floor = 500 * time.Millisecond
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	h := startEngineWith(t, p, Link{Address: "10.0.0.5", Wanted: true}, pol)

	waitFor(t, "first cycle", func() bool { _, n := p.counts(); return n == 1 })
	for range 20 {
		if err := h.eng.Exec(context.Background(), func() error { return nil }); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, n := p.counts(); n > 2 {
		t.Errorf("%d cycles during a command burst, want the floor to hold them back", n)
	}
	waitFor(t, "cycle after the floor", func() bool { _, n := p.counts(); return n >= 2 })
}

func TestEngineIgnoresProgressFromStaleCycle(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}, dialGate: gate}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})

	waitFor(t, "dial in flight", func() bool { d, _ := p.counts(); return d == 1 })
	if st := h.eng.Status(); st.State != Connecting {
		t.Fatalf("state = %v, want connecting", st.State)
	}
	if err := h.eng.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(gate)

	waitFor(t, "stale cycle done", func() bool { _, n := p.counts(); return n == 1 })
	time.Sleep(20 * time.Millisecond)
	if st := h.eng.Status(); st.State != Disconnected {
		t.Errorf("state = %v after disconnect, want disconnected", st.State)
	}
}

func TestEngineSetPolicy(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	var applied Policy
	var mu sync.Mutex
	pub := &recordingPublisher{}
	eng := New(Config{
		Cycle:     &Cycle{Probe: p, Resolver: &fakeResolver{names: map[string]string{"CUSA00001": "Bloodborne"}}},
		Publisher: pub,
		Policy:    testPolicy(),
		Link:      Link{Address: "10.0.0.5", Wanted: true},
		OnPolicy: func(p Policy) {
			mu.Lock()
			applied = p
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { eng.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	pol := testPolicy()
	pol.Presence.State = "Playing {title_id}"
	if err := eng.SetPolicy(context.Background(), pol); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "new template", func() bool { return hasSet(pub.snapshot(), "Playing CUSA00001") })
	mu.Lock()
	defer mu.Unlock()
	if applied.Presence.State != pol.Presence.State {
		t.Error("OnPolicy not called with the new policy")
	}
}

func TestEngineStopClosesSession(t *testing.T) {
	p := &fakeProber{detect: []detectResult{{id: "CUSA00001"}}}
	h := startEngine(t, p, Link{Address: "10.0.0.5", Wanted: true})
	waitFor(t, "connected", func() bool { return h.eng.Status().State == Connected })

	h.cancel()
	<-h.done
	h.done <- nil

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if !s.closed.Load() {
			t.Errorf("session %d left open", s.id)
		}
	}
	if err := h.eng.Connect(context.Background(), ""); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect after stop = %v, want ErrStopped", err)
	}
}

func TestStatusSummary(t *testing.T) {
	now := t0
	tests := []struct {
		st   Status
		want string
	}{
		{Status{}, "No console configured"},
		{Status{State: Connected, Address: "10.0.0.5", Title: "Bloodborne", TitleID: "CUSA00001", Since: now.Add(-time.Hour)},
			"Connected to 10.0.0.5, playing Bloodborne (CUSA00001) since 1 hour ago"},
		{Status{State: Unreachable, Address: "10.0.0.5"}, "Console 10.0.0.5 unreachable, retrying"},
		{Status{State: Verifying, Address: "10.0.0.5"}, "Checking console at 10.0.0.5"},
		{Status{State: Disconnected, Address: "10.0.0.5", Wanted: true}, "Waiting for console 10.0.0.5"},
		{Status{State: Disconnected, Address: "10.0.0.5"}, "Disconnected (10.0.0.5)"},
		{Status{State: Connected, Address: "10.0.0.5", LastError: "boom"}, "Connected to 10.0.0.5 [last error: boom]"},
	}
	for _, tt := range tests {
		if got := tt.st.Summary(now); got != tt.want {
			t.Errorf("Summary() = %q, want %q", got, tt.want)
		}
	}
}

func TestConnStateText(t *testing.T) {
	for s := Disconnected; s <= Unreachable; s++ {
		b, _ := s.MarshalText()
		var back ConnState
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Errorf("round trip %v: got %v, %v", s, back, err)
		}
	}
	var s ConnState
	if err := s.UnmarshalText([]byte("sideways")); err == nil {
		t.Error("expected error for unknown state")
	}
}
