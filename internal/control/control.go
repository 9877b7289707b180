// Package control is the local control channel of a running daemon: a
// unix socket (a named pipe on Windows) carrying one JSON request line and
// one JSON response line per connection.
//
// A second daemon start uses it to wake the running instance, and the CLI
// uses it for status, connect, disconnect and catalog edits.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoInstance is returned by [Call] when no daemon is listening.
var ErrNoInstance = errors.New("no running instance")

// errClosed ends Serve when the listener is closed directly.
var errClosed = errors.New("control server closed")

// Actions understood by the daemon.
const (
	ActionShow       = "show"
	ActionStatus     = "status"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionEdit       = "edit"
	ActionForget     = "forget"
	ActionReload     = "reload"
)

const (
	// maxLine caps a request or response line.
	maxLine = 64 << 10
	// connTimeout bounds one request/response exchange on the server.
	connTimeout = 30 * time.Second
)

// ///////////////////////////////////////////////
// Wire Types
// ///////////////////////////////////////////////

// Request is one control command.
type Request struct {
	Action  string `json:"action"`
	Address string `json:"address,omitempty"`
	TitleID string `json:"title_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Image   string `json:"image,omitempty"`
}

// Response answers a Request. Data holds the action's result when OK.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Decode unmarshals the response data into v.
func (r Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// Handler executes a request and returns a JSON-encodable result.
type Handler func(ctx context.Context, req Request) (any, error)

// Server answers control requests on a listener.
type Server struct {
	ln      net.Listener
	handler Handler

	closeOnce sync.Once
}

// NewServer listens on the control endpoint at addr. On Unix a stale
// socket file left by a crashed daemon is replaced.
func NewServer(addr string, h Handler) (*Server, error) {
	ln, err := listen(addr)
	if err != nil {
		return nil, fmt.Errorf("listening on control socket: %w", err)
	}
	return &Server{ln: ln, handler: h}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until ctx is cancelled, then waits for open
// exchanges to finish.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		return nil
	})

	var conns sync.WaitGroup
	g.Go(func() error {
		defer conns.Wait()
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return errClosed
				}
				slog.Warn("control accept failed", "error", err)
				continue
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				s.handle(gctx, conn)
			}()
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errClosed) {
		return err
	}
	return nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ln.Close() })
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	var resp Response
	req, err := readRequest(conn)
	if err != nil {
		resp.Error = err.Error()
	} else {
		slog.Debug("control request", "action", req.Action)
		resp = s.dispatch(ctx, req)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("encoding control response", "error", err)
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		slog.Debug("writing control response", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("control handler panicked", "action", req.Action, "panic", r)
			resp = Response{Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	result, err := s.handler(ctx, req)
	if err != nil {
		return Response{Error: err.Error()}
	}
	resp.OK = true
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return Response{Error: fmt.Sprintf("encoding result: %v", err)}
		}
		resp.Data = data
	}
	return resp
}

func readRequest(conn net.Conn) (Request, error) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return Request{}, fmt.Errorf("reading request: %w", err)
		}
		return Request{}, errors.New("empty request")
	}
	var req Request
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		return Request{}, fmt.Errorf("parsing request: %w", err)
	}
	if req.Action == "" {
		return Request{}, errors.New("request has no action")
	}
	return req, nil
}

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Call sends req to the daemon at addr and returns its response. A
// response with OK false is returned as an error.
func Call(ctx context.Context, addr string, req Request) (Response, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return Response{}, fmt.Errorf("sending %s: %w", req.Action, err)
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	if !sc.Scan() {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if err := sc.Err(); err != nil {
			return Response{}, fmt.Errorf("reading %s response: %w", req.Action, err)
		}
		return Response{}, fmt.Errorf("reading %s response: connection closed", req.Action)
	}
	var resp Response
	if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("parsing %s response: %w", req.Action, err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s: %s", req.Action, resp.Error)
	}
	return resp, nil
}
