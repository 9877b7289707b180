//go:build windows

package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/Microsoft/go-winio"
)

// listen creates the named pipe. Access is limited to the current user.
func listen(name string) (net.Listener, error) {
	return winio.ListenPipe(name, &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;OW)",
		InputBufferSize:    4096,
		OutputBufferSize:   4096,
	})
}

// dial connects to the named pipe. A pipe that does not exist is
// ErrNoInstance.
func dial(ctx context.Context, name string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, name)
	if err == nil {
		return conn, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoInstance, name)
	}
	return nil, fmt.Errorf("dialing control pipe: %w", err)
}
