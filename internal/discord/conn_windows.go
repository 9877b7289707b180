//go:build windows

package discord

import (
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// pipeTimeout bounds each named pipe attempt.
var pipeTimeout = time.Second

// connectToDiscord tries each Discord named pipe slot
// (\\.\pipe\discord-ipc-N) and returns the first successful connection.
func connectToDiscord() (net.Conn, error) {
	for i := range maxIPCSlots {
		conn, err := winio.DialPipe(fmt.Sprintf(`\\.\pipe\discord-ipc-%d`, i), &pipeTimeout)
		if err == nil {
			return conn, nil
		}
	}
	return nil, ErrIPCNotAvailable
}
