// Package discord provides a client for Discord's local IPC socket,
// enabling Rich Presence updates via the SET_ACTIVITY command.
//
// The [Client] type manages connection lifecycle and command framing.
// Platform-specific socket discovery is handled by conn_unix.go and
// conn_windows.go.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrNotConnected is returned when an operation requires an active connection.
var ErrNotConnected = errors.New("not connected")

// ErrRejected is returned when Discord answers a command with an ERROR event.
var ErrRejected = errors.New("rejected by discord")

// ioTimeout bounds every read and write on the IPC socket.
const ioTimeout = 5 * time.Second

// ///////////////////////////////////////////////
// Data Types
// ///////////////////////////////////////////////

// Timestamps holds the start timestamp for an activity.
type Timestamps struct {
	Start int64 `json:"start,omitempty"`
}

// Assets holds image keys and tooltip text for an activity.
type Assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

// Activity represents a Discord Rich Presence activity.
type Activity struct {
	Details    string      `json:"details,omitempty"`
	State      string      `json:"state,omitempty"`
	Timestamps *Timestamps `json:"timestamps,omitempty"`
	Assets     *Assets     `json:"assets,omitempty"`
}

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Client manages a connection to Discord's IPC socket. A failed write drops
// the connection so the next Connect starts clean.
type Client struct {
	appID string
	dial  func() (net.Conn, error)
	// retryWait is the first ConnectWithRetry delay.
	retryWait time.Duration

	mu    sync.Mutex
	conn  net.Conn
	nonce uint64
}

// NewClient creates a new Discord IPC client for the given application ID.
func NewClient(appID string) *Client {
	return &Client{appID: appID, dial: connectToDiscord, retryWait: 500 * time.Millisecond}
}

// AppID returns the application ID sent in the handshake.
func (c *Client) AppID() string { return c.appID }

// Connect establishes a connection to Discord via IPC and sends the handshake.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocked()

	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn = conn

	if err := c.handshake(); err != nil {
		c.dropLocked()
		return err
	}
	slog.Debug("discord connected", "app_id", c.appID)
	return nil
}

// ConnectWithRetry calls Connect with exponential backoff until it succeeds,
// tries attempts are exhausted, or ctx ends. A rejected handshake is not
// retried.
func (c *Client) ConnectWithRetry(ctx context.Context, tries uint) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryWait
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.Connect()
		if errors.Is(err, ErrRejected) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			slog.Debug("discord connect attempt failed", "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}

// SetActivity sends a SET_ACTIVITY command to Discord.
func (c *Client) SetActivity(activity *Activity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sendCommand("SET_ACTIVITY", map[string]any{
		"pid":      os.Getpid(),
		"activity": activity,
	})
}

// ClearActivity sends a SET_ACTIVITY command with a nil activity.
func (c *Client) ClearActivity() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sendCommand("SET_ACTIVITY", map[string]any{
		"pid":      os.Getpid(),
		"activity": nil,
	})
}

// Close clears the activity and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	// Best-effort clear before closing.
	_ = c.sendCommand("SET_ACTIVITY", map[string]any{
		"pid":      os.Getpid(),
		"activity": nil,
	})
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	return err
}

// Connected reports whether the client has an active connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// handshake sends the initial handshake frame to Discord and validates the
// response. The caller must hold c.mu.
func (c *Client) handshake() error {
	payload, err := json.Marshal(map[string]any{
		"v":         1,
		"client_id": c.appID,
	})
	if err != nil {
		return fmt.Errorf("marshaling handshake: %w", err)
	}

	if err := c.write(OpHandshake, payload); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	opcode, resp, err := c.read()
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	if opcode == OpClose {
		return fmt.Errorf("%w: handshake closed: %s", ErrRejected, gjson.GetBytes(resp, "message").String())
	}
	if opcode != OpFrame {
		return fmt.Errorf("unexpected handshake response opcode: %d", opcode)
	}
	return checkResponse("handshake", resp)
}

// sendCommand writes a command frame and reads Discord's reply. A transport
// failure drops the connection. The caller must hold c.mu.
func (c *Client) sendCommand(cmd string, args map[string]any) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	c.nonce++
	nonce := strconv.FormatUint(c.nonce, 10)

	payload, err := json.Marshal(map[string]any{
		"cmd":   cmd,
		"args":  args,
		"nonce": nonce,
	})
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}

	if err := c.write(OpFrame, payload); err != nil {
		c.dropLocked()
		return fmt.Errorf("writing command: %w", err)
	}
	opcode, resp, err := c.read()
	if err != nil {
		c.dropLocked()
		return fmt.Errorf("reading %s response: %w", cmd, err)
	}
	if opcode == OpClose {
		c.dropLocked()
		return fmt.Errorf("%w: connection closed: %s", ErrNotConnected, gjson.GetBytes(resp, "message").String())
	}
	if got := gjson.GetBytes(resp, "nonce").String(); got != "" && got != nonce {
		slog.Debug("discord response nonce mismatch", "want", nonce, "got", got)
	}
	return checkResponse(cmd, resp)
}

func (c *Client) write(op Opcode, payload []byte) error {
	frame, err := EncodeFrame(op, payload)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err = c.conn.Write(frame)
	return err
}

func (c *Client) read() (Opcode, []byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	return DecodeFrame(c.conn)
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// checkResponse returns ErrRejected when resp is an ERROR event.
func checkResponse(what string, resp []byte) error {
	if !gjson.ValidBytes(resp) {
		return fmt.Errorf("parsing %s response: invalid json", what)
	}
	if gjson.GetBytes(resp, "evt").String() == "ERROR" {
		return fmt.Errorf("%w: %s: %s", ErrRejected, what, gjson.GetBytes(resp, "data.message").String())
	}
	return nil
}
