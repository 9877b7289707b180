package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"syscall"
)

// ErrUnreachable marks failures where the console could not be reached:
// refused or reset connections, timeouts, name resolution errors and
// dropped control connections.
var ErrUnreachable = errors.New("console unreachable")

// ErrProtocol marks failures where the console answered but the exchange
// did not go as expected.
var ErrProtocol = errors.New("console protocol error")

// ErrNotConsole is returned when a host answers but lacks the console's
// system directory.
var ErrNotConsole = errors.New("host is not a console")

// IsUnreachable reports whether err is a reachability failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// classify wraps err with [ErrUnreachable] or [ErrProtocol]. Context
// cancellation passes through unclassified so callers can tell a shutdown
// or manual disconnect apart from a console failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrProtocol) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if networkFailure(err) {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrProtocol, op, err)
}

func networkFailure(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		// 421: the server is closing the control connection.
		return tpErr.Code == 421
	}
	var netErr net.Error
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr), errors.As(err, &netErr):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
