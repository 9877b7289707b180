// Package console talks to the PS4's FTP payload: it opens sessions,
// verifies the host is a console, lists the sandbox directory and extracts
// the running title id.
package console

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// DefaultPort is the port the console FTP payload listens on.
const DefaultPort = 2121

// Session is an open connection to the console's file service. A Session
// is used by one goroutine at a time.
type Session interface {
	// List returns the entry names of dir.
	List(ctx context.Context, dir string) ([]string, error)
	// DirExists reports whether dir exists.
	DirExists(ctx context.Context, dir string) (bool, error)
	// Close ends the session.
	Close() error
}

// Dialer opens sessions to a console address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Session, error)
}

// ///////////////////////////////////////////////
// Timeout Race
// ///////////////////////////////////////////////

// within runs fn with a context bounded by d and returns its result, or the
// context error once d has elapsed or ctx is done, whichever comes first.
// fn may keep running in the background after a timeout; onAbandon is
// called so the caller can tear down whatever fn is blocked on.
func within[T any](ctx context.Context, d time.Duration, onAbandon func(), fn func(context.Context) (T, error)) (T, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if onAbandon != nil {
			onAbandon()
		}
		var zero T
		return zero, ctx.Err()
	}
}

// ///////////////////////////////////////////////
// FTP
// ///////////////////////////////////////////////

// FTPDialer dials the console FTP payload with anonymous login.
type FTPDialer struct {
	// Port is used when the address carries none. Zero means [DefaultPort].
	Port int
	// OpTimeout bounds each command on an open session. Zero disables it.
	OpTimeout time.Duration
}

// Dial connects and logs in. The handshake is bounded by ctx; callers set
// the connect timeout on it.
func (d FTPDialer) Dial(ctx context.Context, address string) (Session, error) {
	addr := d.hostPort(address)
	s := &ftpSession{opTimeout: d.OpTimeout}

	conn, err := within(ctx, 0, s.abort, func(ctx context.Context) (*ftp.ServerConn, error) {
		c, err := ftp.Dial(addr,
			ftp.DialWithContext(ctx),
			ftp.DialWithDisabledEPSV(true),
			ftp.DialWithDialFunc(s.dial(ctx)),
		)
		if err != nil {
			return nil, err
		}
		if err := c.Login("anonymous", "anonymous"); err != nil {
			s.abort()
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, classify("connect "+addr, err)
	}
	s.conn = conn
	return s, nil
}

func (d FTPDialer) hostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// ftpSession adapts an ftp.ServerConn to [Session]. The raw control
// connection is kept so a timed-out command can be unblocked by closing it.
type ftpSession struct {
	conn      *ftp.ServerConn
	opTimeout time.Duration

	mu      sync.Mutex
	ctrl    net.Conn
	aborted bool
}

// dial returns the dial function handed to the ftp client. The first call
// opens the control connection under the connect context; later calls open
// data connections with a plain timeout.
func (s *ftpSession) dial(ctx context.Context) func(network, address string) (net.Conn, error) {
	return func(network, address string) (net.Conn, error) {
		s.mu.Lock()
		first := s.ctrl == nil
		s.mu.Unlock()

		if first {
			var nd net.Dialer
			conn, err := nd.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.ctrl = conn
			aborted := s.aborted
			s.mu.Unlock()
			if aborted {
				conn.Close()
				return nil, net.ErrClosed
			}
			return conn, nil
		}
		nd := net.Dialer{Timeout: s.opTimeout}
		return nd.Dial(network, address)
	}
}

// abort closes the control connection, unblocking any pending command.
func (s *ftpSession) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	if s.ctrl != nil {
		s.ctrl.Close()
	}
}

func (s *ftpSession) List(ctx context.Context, dir string) ([]string, error) {
	names, err := within(ctx, s.opTimeout, s.abort, func(context.Context) ([]string, error) {
		entries, err := s.conn.List(dir)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e == nil || e.Name == "" {
				continue
			}
			names = append(names, path.Base(e.Name))
		}
		return names, nil
	})
	return names, classify("list "+dir, err)
}

func (s *ftpSession) DirExists(ctx context.Context, dir string) (bool, error) {
	ok, err := within(ctx, s.opTimeout, s.abort, func(context.Context) (bool, error) {
		err := s.conn.ChangeDir(dir)
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable {
			return false, nil
		}
		return err == nil, err
	})
	return ok, classify("stat "+dir, err)
}

func (s *ftpSession) Close() error {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	if aborted {
		return nil
	}
	_, err := within(context.Background(), time.Second, s.abort, func(context.Context) (struct{}, error) {
		return struct{}{}, s.conn.Quit()
	})
	if err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}
