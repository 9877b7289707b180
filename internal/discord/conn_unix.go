//go:build !windows

package discord

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ///////////////////////////////////////////////
// Connection
// ///////////////////////////////////////////////

// dialTimeout bounds each socket attempt.
const dialTimeout = time.Second

// ipcVariants are the socket name prefixes of the stable, Canary and PTB
// clients.
var ipcVariants = []string{"discord-ipc", "discordcanary-ipc", "discordptb-ipc"}

// socketDirs returns the directories Discord may place its socket in, in
// probe order: XDG_RUNTIME_DIR, TMPDIR, /tmp, then the Snap and Flatpak
// sandboxes under /run/user/<uid>.
func socketDirs(getenv func(string) string, uid int) []string {
	var dirs []string
	for _, env := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if dir := getenv(env); dir != "" {
			dirs = append(dirs, dir)
		}
	}
	dirs = append(dirs, "/tmp")

	run := filepath.Join("/run/user", strconv.Itoa(uid))
	for _, snap := range []string{"snap.discord", "snap.discord-canary", "snap.discord-ptb"} {
		dirs = append(dirs, filepath.Join(run, snap))
	}
	for _, app := range []string{"com.discordapp.Discord", "com.discordapp.DiscordCanary", "com.discordapp.DiscordPTB"} {
		dirs = append(dirs, filepath.Join(run, "app", app))
	}
	return dirs
}

// socketPaths expands dirs into every variant and slot, without duplicates.
func socketPaths(dirs []string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, dir := range dirs {
		for _, v := range ipcVariants {
			for i := range maxIPCSlots {
				p := filepath.Join(dir, fmt.Sprintf("%s-%d", v, i))
				if !seen[p] {
					seen[p] = true
					paths = append(paths, p)
				}
			}
		}
	}
	return paths
}

// connectToDiscord tries each known IPC socket path and returns the first
// successful connection.
func connectToDiscord() (net.Conn, error) {
	dirs := append(socketDirs(os.Getenv, os.Getuid()), wslSocketDirs()...)
	for _, path := range socketPaths(dirs) {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		conn, err := net.DialTimeout("unix", path, dialTimeout)
		if err == nil {
			return conn, nil
		}
	}

	if isWSL() {
		return nil, fmt.Errorf("%w: running under WSL, a socat + npiperelay.exe relay to the Windows pipe is required", ErrIPCNotAvailable)
	}
	return nil, ErrIPCNotAvailable
}
