//go:build !windows

package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// listen binds the unix socket at path. An existing socket file is removed
// only when nothing answers on it.
func listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err == nil {
		_ = os.Chmod(path, 0o600)
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}

	if conn, derr := net.DialTimeout("unix", path, 500*time.Millisecond); derr == nil {
		conn.Close()
		return nil, fmt.Errorf("%s: another instance is listening", path)
	}
	if rerr := os.Remove(path); rerr != nil {
		return nil, fmt.Errorf("removing stale socket: %w", rerr)
	}
	ln, err = net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	return ln, nil
}

// dial connects to the unix socket at path. A missing socket, or one with
// no listener, is ErrNoInstance.
func dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err == nil {
		return conn, nil
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return nil, fmt.Errorf("%w: %s", ErrNoInstance, path)
	}
	return nil, fmt.Errorf("dialing control socket: %w", err)
}
