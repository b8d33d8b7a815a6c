package session

import "time"

// State is the externally visible lifecycle state of the session.
type State int

const (
	// StateIdle is the initial state, and the state after a failed start.
	StateIdle State = iota
	// StateStarting means a transport connection exists and is awaiting its
	// first connection event.
	StateStarting
	// StateQRPending means a pairing code has been issued and awaits a scan.
	StateQRPending
	// StateConnected means the session is usable.
	StateConnected
	// StateClosing means the connection is being torn down.
	StateClosing
	// StateClosed is the resting state after a disconnect or a stop.
	StateClosed
	// StateLoggedOut means credentials were wiped after a remote logout.
	StateLoggedOut
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateStarting:  "starting",
	StateQRPending: "qr_pending",
	StateConnected: "connected",
	StateClosing:   "closing",
	StateClosed:    "closed",
	StateLoggedOut: "logged_out",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HasConnection reports whether a session in state s holds a transport
// connection.
func (s State) HasConnection() bool {
	switch s {
	case StateStarting, StateQRPending, StateConnected, StateClosing:
		return true
	default:
		return false
	}
}

// phase is the loop-owned session state. Each variant carries only the
// fields valid for it, so a connection cannot exist in a state that forbids
// one.
type phase interface {
	state() State
	conn() Conn
}

type idlePhase struct{}

func (idlePhase) state() State { return StateIdle }
func (idlePhase) conn() Conn   { return nil }

type startingPhase struct{ c Conn }

func (startingPhase) state() State { return StateStarting }
func (p startingPhase) conn() Conn { return p.c }

type qrPendingPhase struct{ c Conn }

func (qrPendingPhase) state() State { return StateQRPending }
func (p qrPendingPhase) conn() Conn { return p.c }

type connectedPhase struct {
	c        Conn
	since    time.Time
	deviceID string
}

func (connectedPhase) state() State { return StateConnected }
func (p connectedPhase) conn() Conn { return p.c }

type closingPhase struct{ c Conn }

func (closingPhase) state() State { return StateClosing }
func (p closingPhase) conn() Conn { return p.c }

type closedPhase struct{}

func (closedPhase) state() State { return StateClosed }
func (closedPhase) conn() Conn   { return nil }

type loggedOutPhase struct{}

func (loggedOutPhase) state() State { return StateLoggedOut }
func (loggedOutPhase) conn() Conn   { return nil }
