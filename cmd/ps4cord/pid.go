package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tools.zach/dev/ps4cord/internal/paths"
)

// ///////////////////////////////////////////////
// PID Lock
// ///////////////////////////////////////////////

// pidLock is the held PID file of a running daemon. The file stays open and
// locked for the daemon's lifetime; the token proves which instance wrote it.
type pidLock struct {
	path  string
	token string
	f     *os.File
}

// pidToken returns a random 16-character hex token.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// acquirePID locks the PID file and writes "PID:TOKEN" into it. It fails
// when another process holds the lock.
func acquirePID(dir paths.DataDir) (*pidLock, error) {
	f, err := os.OpenFile(dir.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	l := &pidLock{path: dir.PID(), token: pidToken(), f: f}
	if err := f.Truncate(0); err != nil {
		l.release()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d:%s", os.Getpid(), l.token); err != nil {
		l.release()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return l, nil
}

// release unlocks and closes the PID file and removes it if it still
// carries this instance's token.
func (l *pidLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unlockFile(l.f)
	l.f.Close()
	l.f = nil

	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if _, token, ok := strings.Cut(string(data), ":"); ok && token == l.token {
		os.Remove(l.path)
	}
}

// runningPID reports whether another daemon holds the PID lock, and its
// pid when readable. A stale file left by a dead daemon is removed.
func runningPID(dir paths.DataDir) (alive bool, pid int) {
	f, err := os.OpenFile(dir.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(dir.PID())
		f.Close()
		head, _, _ := strings.Cut(string(data), ":")
		if p, convErr := strconv.Atoi(head); convErr == nil {
			return true, p
		}
		return true, 0
	}

	_ = unlockFile(f)
	f.Close()
	os.Remove(dir.PID())
	return false, 0
}
