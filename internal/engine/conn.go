package engine

import "fmt"

// ConnState is the console link state.
type ConnState int

const (
	// Disconnected: no session, and either no connection is wanted or none
	// has succeeded yet in this run.
	Disconnected ConnState = iota
	// Connecting: a handshake is in progress.
	Connecting
	// Verifying: the handshake succeeded and the console directory is being
	// checked.
	Verifying
	// Connected: the last probe reached the console.
	Connected
	// Unreachable: the console was up earlier in this run and is now not
	// answering. The engine keeps retrying.
	Unreachable
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Verifying:
		return "verifying"
	case Connected:
		return "connected"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Link is the console connection record owned by the engine.
type Link struct {
	State   ConnState
	Address string
	// Wanted is set by auto-connect or a manual connect and cleared by a
	// manual disconnect.
	Wanted bool
	// EverConnected is set once a connect has succeeded in this run.
	EverConnected bool
}

// Configured reports whether a console address is set.
func (l Link) Configured() bool { return l.Address != "" }

// failed returns the link after a failed connect or probe: Unreachable
// once the console has been seen, Disconnected otherwise.
func (l Link) failed() Link {
	if l.EverConnected {
		l.State = Unreachable
	} else {
		l.State = Disconnected
	}
	return l
}

// up returns the link after a successful probe.
func (l Link) up() Link {
	l.State = Connected
	l.EverConnected = true
	return l
}

// down returns the link after a manual disconnect.
func (l Link) down() Link {
	l.State = Disconnected
	l.Wanted = false
	return l
}
