//go:build linux

package discord

import (
	"os"
	"strings"
)

// Under WSL2 Discord runs on the Windows side and its named pipe is not
// visible as a Unix socket. A relay such as
//
//	socat UNIX-LISTEN:/tmp/discord-ipc-0,fork EXEC:"npiperelay.exe -ep -s //./pipe/discord-ipc-0"
//
// bridges it; wslSocketDirs lists where such relays usually listen.

// isWSL reports whether the current process is running inside WSL.
func isWSL() bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}

// wslSocketDirs returns extra socket directories to probe under WSL.
func wslSocketDirs() []string {
	if !isWSL() {
		return nil
	}
	dirs := []string{"/tmp", "/mnt/wslg/runtime-dir"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	return dirs
}
