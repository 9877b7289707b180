package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// ///////////////////////////////////////////////
// Test Helpers
// ///////////////////////////////////////////////

// fakeDiscord answers frames on the server end of a pipe. reply maps a
// received payload to the response frame; returning ok=false closes the
// connection instead.
type fakeDiscord struct {
	server   net.Conn
	received chan []byte
}

type replyFunc func(op Opcode, payload []byte) (Opcode, []byte, bool)

func ready(op Opcode, payload []byte) (Opcode, []byte, bool) {
	if op == OpHandshake {
		return OpFrame, []byte(`{"cmd":"DISPATCH","evt":"READY","data":{"v":1}}`), true
	}
	nonce := gjson.GetBytes(payload, "nonce").String()
	resp, _ := json.Marshal(map[string]any{"cmd": "SET_ACTIVITY", "evt": nil, "nonce": nonce})
	return OpFrame, resp, true
}

func startFake(t *testing.T, reply replyFunc) (*fakeDiscord, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	f := &fakeDiscord{server: server, received: make(chan []byte, 16)}
	go func() {
		defer server.Close()
		for {
			op, payload, err := DecodeFrame(server)
			if err != nil {
				return
			}
			f.received <- payload
			rop, resp, ok := reply(op, payload)
			if !ok {
				return
			}
			frame, _ := EncodeFrame(rop, resp)
			if _, err := server.Write(frame); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { server.Close(); client.Close() })
	return f, client
}

func connectedClient(t *testing.T, reply replyFunc) (*Client, *fakeDiscord) {
	t.Helper()
	f, conn := startFake(t, reply)
	c := NewClient("858345055966461973")
	c.dial = func() (net.Conn, error) { return conn, nil }
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-f.received // handshake
	return c, f
}

// ///////////////////////////////////////////////
// Handshake
// ///////////////////////////////////////////////

func TestConnectHandshake(t *testing.T) {
	c, _ := connectedClient(t, ready)
	if !c.Connected() {
		t.Fatal("not connected after handshake")
	}
}

func TestConnectHandshakePayload(t *testing.T) {
	f, conn := startFake(t, ready)
	c := NewClient("app-1")
	c.dial = func() (net.Conn, error) { return conn, nil }
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	hs := <-f.received
	if v := gjson.GetBytes(hs, "v").Int(); v != 1 {
		t.Errorf("v = %d", v)
	}
	if id := gjson.GetBytes(hs, "client_id").String(); id != "app-1" {
		t.Errorf("client_id = %q", id)
	}
}

func TestConnectRejected(t *testing.T) {
	tests := []struct {
		name  string
		reply replyFunc
	}{
		{"error event", func(Opcode, []byte) (Opcode, []byte, bool) {
			return OpFrame, []byte(`{"evt":"ERROR","data":{"code":4000,"message":"Invalid Client ID"}}`), true
		}},
		{"close frame", func(Opcode, []byte) (Opcode, []byte, bool) {
			return OpClose, []byte(`{"code":4000,"message":"Invalid Client ID"}`), true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conn := startFake(t, tt.reply)
			c := NewClient("bad")
			c.dial = func() (net.Conn, error) { return conn, nil }
			err := c.Connect()
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("err = %v, want ErrRejected", err)
			}
			if c.Connected() {
				t.Error("connected after rejection")
			}
		})
	}
}

func TestConnectDialFailure(t *testing.T) {
	c := NewClient("app")
	c.dial = func() (net.Conn, error) { return nil, ErrIPCNotAvailable }
	if err := c.Connect(); !errors.Is(err, ErrIPCNotAvailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestConnectClosesPreviousConnection(t *testing.T) {
	oldServer, oldClient := net.Pipe()
	defer oldServer.Close()

	c := NewClient("app")
	c.conn = oldClient
	c.dial = func() (net.Conn, error) { return nil, ErrIPCNotAvailable }
	_ = c.Connect()

	if _, err := oldClient.Write([]byte("x")); err == nil {
		t.Error("old connection still open")
	}
}

// ///////////////////////////////////////////////
// Activity
// ///////////////////////////////////////////////

func TestSetActivity(t *testing.T) {
	c, f := connectedClient(t, ready)

	err := c.SetActivity(&Activity{
		State:      "Bloodborne",
		Timestamps: &Timestamps{Start: 1700000000},
		Assets:     &Assets{LargeImage: "https://example.test/icon0.png", LargeText: "Bloodborne"},
	})
	if err != nil {
		t.Fatal(err)
	}
	msg := <-f.received
	if cmd := gjson.GetBytes(msg, "cmd").String(); cmd != "SET_ACTIVITY" {
		t.Errorf("cmd = %q", cmd)
	}
	if gjson.GetBytes(msg, "nonce").String() == "" {
		t.Error("missing nonce")
	}
	if pid := gjson.GetBytes(msg, "args.pid").Int(); pid != int64(os.Getpid()) {
		t.Errorf("pid = %d", pid)
	}
	act := gjson.GetBytes(msg, "args.activity")
	if act.Get("state").String() != "Bloodborne" {
		t.Errorf("state = %q", act.Get("state").String())
	}
	if act.Get("details").Exists() {
		t.Error("empty details should be omitted")
	}
	if act.Get("timestamps.start").Int() != 1700000000 {
		t.Errorf("timestamps = %s", act.Get("timestamps").Raw)
	}
	if act.Get("assets.large_image").String() != "https://example.test/icon0.png" {
		t.Errorf("assets = %s", act.Get("assets").Raw)
	}
}

func TestClearActivitySendsNull(t *testing.T) {
	c, f := connectedClient(t, ready)
	if err := c.ClearActivity(); err != nil {
		t.Fatal(err)
	}
	msg := <-f.received
	act := gjson.GetBytes(msg, "args.activity")
	if !act.Exists() || act.Type != gjson.Null {
		t.Errorf("activity = %s, want null", act.Raw)
	}
}

func TestNoncesUnique(t *testing.T) {
	c, f := connectedClient(t, ready)
	seen := make(map[string]bool)
	for i := range 5 {
		if err := c.SetActivity(&Activity{State: "x"}); err != nil {
			t.Fatal(err)
		}
		n := gjson.GetBytes(<-f.received, "nonce").String()
		if seen[n] {
			t.Fatalf("duplicate nonce %q on call %d", n, i)
		}
		seen[n] = true
	}
}

func TestCommandRejectedKeepsConnection(t *testing.T) {
	c, _ := connectedClient(t, func(op Opcode, p []byte) (Opcode, []byte, bool) {
		if op == OpHandshake {
			return ready(op, p)
		}
		return OpFrame, []byte(`{"evt":"ERROR","data":{"code":4000,"message":"child \"activity\" fails"}}`), true
	})
	err := c.SetActivity(&Activity{State: "x"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if !c.Connected() {
		t.Error("rejection dropped the connection")
	}
}

func TestTransportFailureDropsConnection(t *testing.T) {
	c, _ := connectedClient(t, func(op Opcode, p []byte) (Opcode, []byte, bool) {
		if op == OpHandshake {
			return ready(op, p)
		}
		return 0, nil, false
	})
	if err := c.SetActivity(&Activity{State: "x"}); err == nil {
		t.Fatal("expected error when discord goes away")
	}
	if c.Connected() {
		t.Error("still connected after transport failure")
	}
	if err := c.SetActivity(&Activity{State: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestCloseClearsFirst(t *testing.T) {
	c, f := connectedClient(t, ready)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	msg := <-f.received
	if gjson.GetBytes(msg, "args.activity").Type != gjson.Null {
		t.Errorf("close sent %s", msg)
	}
	if c.Connected() {
		t.Error("connected after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// ///////////////////////////////////////////////
// Retry
// ///////////////////////////////////////////////

func TestConnectWithRetry(t *testing.T) {
	var attempts atomic.Int32
	c := NewClient("app")
	c.retryWait = time.Millisecond
	c.dial = func() (net.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, ErrIPCNotAvailable
		}
		_, conn := startFake(t, ready)
		return conn, nil
	}
	if err := c.ConnectWithRetry(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestConnectWithRetryGivesUp(t *testing.T) {
	var attempts atomic.Int32
	c := NewClient("app")
	c.retryWait = time.Millisecond
	c.dial = func() (net.Conn, error) {
		attempts.Add(1)
		return nil, ErrIPCNotAvailable
	}
	if err := c.ConnectWithRetry(context.Background(), 2); !errors.Is(err, ErrIPCNotAvailable) {
		t.Fatalf("err = %v", err)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestConnectWithRetryStopsOnRejection(t *testing.T) {
	var attempts atomic.Int32
	c := NewClient("bad")
	c.retryWait = time.Millisecond
	c.dial = func() (net.Conn, error) {
		attempts.Add(1)
		_, conn := startFake(t, func(Opcode, []byte) (Opcode, []byte, bool) {
			return OpFrame, []byte(`{"evt":"ERROR","data":{"message":"Invalid Client ID"}}`), true
		})
		return conn, nil
	}
	if err := c.ConnectWithRetry(context.Background(), 5); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}
