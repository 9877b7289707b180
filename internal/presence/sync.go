package presence

import (
	"fmt"
	"log/slog"
	"sync"
)

// Publisher is the presence service connection.
type Publisher interface {
	Connect() error
	Connected() bool
	SetActivity(p Payload) error
	ClearActivity() error
	Close() error
}

// Synchronizer delivers actions to a Publisher. Identical payloads are
// sent once, a clear is sent once per idle period, and when the publisher
// drops the last wanted state is re-sent after reconnecting.
type Synchronizer struct {
	pub Publisher

	mu      sync.Mutex
	want    Action
	hasWant bool
	// sent is the hash of the delivered payload; "" with cleared=false
	// means nothing is known to be delivered.
	sent    string
	cleared bool
}

// NewSynchronizer returns a Synchronizer for pub.
func NewSynchronizer(pub Publisher) *Synchronizer {
	return &Synchronizer{pub: pub}
}

// Apply records a and delivers it if it differs from what was last
// delivered. A Keep action re-delivers the previous wanted state when an
// earlier delivery failed.
func (s *Synchronizer) Apply(a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Kind != Keep {
		s.want, s.hasWant = a, true
	}
	if !s.hasWant {
		return nil
	}
	return s.flushLocked()
}

// Resync forgets what was delivered and sends the wanted state again.
func (s *Synchronizer) Resync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent, s.cleared = "", false
	if !s.hasWant {
		return nil
	}
	return s.flushLocked()
}

// Current returns the last wanted action.
func (s *Synchronizer) Current() (Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.want, s.hasWant
}

// Close clears the presence and closes the publisher.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent, s.cleared = "", false
	if !s.pub.Connected() {
		return nil
	}
	return s.pub.Close()
}

func (s *Synchronizer) flushLocked() error {
	connected := s.pub.Connected()
	switch s.want.Kind {
	case Set:
		h := s.want.Payload.Hash()
		if connected && h == s.sent {
			return nil
		}
		if err := s.ensureConnected(connected); err != nil {
			return err
		}
		if err := s.pub.SetActivity(s.want.Payload); err != nil {
			s.dropLocked()
			return fmt.Errorf("set activity: %w", err)
		}
		s.sent, s.cleared = h, false
		slog.Debug("presence updated", "state", s.want.Payload.State, "details", s.want.Payload.Details)
	case Clear:
		if connected && s.cleared {
			return nil
		}
		if !connected && s.sent == "" {
			// Nothing was ever shown on this connection.
			s.cleared = true
			return nil
		}
		if err := s.ensureConnected(connected); err != nil {
			return err
		}
		if err := s.pub.ClearActivity(); err != nil {
			s.dropLocked()
			return fmt.Errorf("clear activity: %w", err)
		}
		s.sent, s.cleared = "", true
		slog.Debug("presence cleared")
	}
	return nil
}

func (s *Synchronizer) ensureConnected(connected bool) error {
	if connected {
		return nil
	}
	if err := s.pub.Connect(); err != nil {
		return fmt.Errorf("connect publisher: %w", err)
	}
	slog.Info("presence publisher connected")
	s.sent, s.cleared = "", false
	return nil
}

// dropLocked closes a publisher whose write failed so the next delivery
// reconnects.
func (s *Synchronizer) dropLocked() {
	if err := s.pub.Close(); err != nil {
		slog.Debug("closing failed publisher", "error", err)
	}
	s.sent, s.cleared = "", false
}
