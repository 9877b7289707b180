//go:build !windows

package control

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// socketPath returns a short socket path; unix socket paths are length
// limited and t.TempDir can be long.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ps4c")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func startServer(t *testing.T, h Handler) string {
	t.Helper()
	path := socketPath(t)
	srv, err := NewServer(path, h)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return path
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCallRoundTrip(t *testing.T) {
	path := startServer(t, func(_ context.Context, req Request) (any, error) {
		switch req.Action {
		case ActionStatus:
			return map[string]string{"state": "connected"}, nil
		case ActionEdit:
			return map[string]string{"title_id": req.TitleID, "name": req.Name}, nil
		case ActionShow:
			return nil, nil
		}
		return nil, errors.New("unknown action " + req.Action)
	})

	resp, err := Call(ctxT(t), path, Request{Action: ActionStatus})
	if err != nil {
		t.Fatal(err)
	}
	var st map[string]string
	if err := resp.Decode(&st); err != nil || st["state"] != "connected" {
		t.Errorf("status = %v, %v", st, err)
	}

	resp, err = Call(ctxT(t), path, Request{Action: ActionEdit, TitleID: "CUSA00001", Name: "Bloodborne"})
	if err != nil {
		t.Fatal(err)
	}
	var ed map[string]string
	if err := resp.Decode(&ed); err != nil || ed["name"] != "Bloodborne" || ed["title_id"] != "CUSA00001" {
		t.Errorf("edit = %v, %v", ed, err)
	}

	resp, err = Call(ctxT(t), path, Request{Action: ActionShow})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 0 {
		t.Errorf("show data = %s, want none", resp.Data)
	}
}

func TestCallHandlerError(t *testing.T) {
	path := startServer(t, func(context.Context, Request) (any, error) {
		return nil, errors.New("no console address configured")
	})
	resp, err := Call(ctxT(t), path, Request{Action: ActionConnect})
	if err == nil {
		t.Fatal("expected error")
	}
	if resp.OK || !strings.Contains(err.Error(), "no console address") {
		t.Errorf("resp = %+v, err = %v", resp, err)
	}
}

func TestHandlerPanicAnswered(t *testing.T) {
	path := startServer(t, func(context.Context, Request) (any, error) { panic("boom") })
	_, err := Call(ctxT(t), path, Request{Action: ActionStatus})
	if err == nil || !strings.Contains(err.Error(), "internal error") {
		t.Errorf("err = %v", err)
	}
}

func TestCallNoInstance(t *testing.T) {
	_, err := Call(ctxT(t), socketPath(t), Request{Action: ActionShow})
	if !errors.Is(err, ErrNoInstance) {
		t.Errorf("err = %v, want ErrNoInstance", err)
	}
}

func TestStaleSocketReplaced(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	// Leave the socket file behind as a crashed daemon would.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	if _, err := Call(ctxT(t), path, Request{Action: ActionShow}); !errors.Is(err, ErrNoInstance) {
		t.Fatalf("stale socket: err = %v, want ErrNoInstance", err)
	}

	srv, err := NewServer(path, func(context.Context, Request) (any, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("NewServer over stale socket: %v", err)
	}
	srv.Close()
}

func TestSecondServerRefused(t *testing.T) {
	path := startServer(t, func(context.Context, Request) (any, error) { return nil, nil })
	if _, err := NewServer(path, nil); err == nil {
		t.Fatal("second server bound a live socket")
	}
}

func TestMalformedRequest(t *testing.T) {
	path := startServer(t, func(context.Context, Request) (any, error) { return nil, nil })

	tests := []struct {
		line string
		want string
	}{
		{"not json\n", "parsing request"},
		{"{}\n", "no action"},
	}
	for _, tt := range tests {
		conn, err := net.Dial("unix", path)
		if err != nil {
			t.Fatal(err)
		}
		conn.Write([]byte(tt.line))
		buf := make([]byte, 512)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := conn.Read(buf)
		conn.Close()
		if got := string(buf[:n]); !strings.Contains(got, tt.want) || !strings.Contains(got, `"ok":false`) {
			t.Errorf("%q: response %q", tt.line, got)
		}
	}
}

func TestServeReturnsOnClose(t *testing.T) {
	srv, err := NewServer(socketPath(t), func(context.Context, Request) (any, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	srv.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
