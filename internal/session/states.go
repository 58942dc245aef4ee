package session

import "time"

// State is the lifecycle position of one call attempt.
type State string

const (
	StateIdle         State = "idle"
	StateRinging      State = "ringing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
	StateFailed       State = "failed"
)

// Terminal reports whether the state admits no further transitions. A new
// call requires a new session with a new id.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// validNext is the full transition graph. Transitions only move forward;
// the single cycle is reconnecting ⇄ connected.
var validNext = map[State]map[State]bool{
	StateIdle: {
		StateRinging: true,
	},
	StateRinging: {
		StateConnecting: true,
		StateEnded:      true,
		StateFailed:     true,
	},
	StateConnecting: {
		StateConnected: true,
		StateEnded:     true,
		StateFailed:    true,
	},
	StateConnected: {
		StateReconnecting: true,
		StateEnded:        true,
		StateFailed:       true,
	},
	StateReconnecting: {
		StateConnected: true,
		StateEnded:     true,
		StateFailed:    true,
	},
}

// Cause explains why a session reached a terminal state. User-visible
// handling distinguishes "remote party rejected" from technical failure from
// ringing timeout.
type Cause string

const (
	CauseNone               Cause = ""
	CauseNoAnswer           Cause = "no answer"
	CauseRejected           Cause = "rejected"
	CauseHangup             Cause = "hangup"
	CauseRemoteHangup       Cause = "remote hangup"
	CauseSuperseded         Cause = "superseded"
	CauseMediaFailure       Cause = "media failure"
	CauseSignalingFailure   Cause = "signaling failure"
	CauseReconnectTimeout   Cause = "reconnect timeout"
	CauseNegotiationTimeout Cause = "negotiation timeout"
)

// Transition is one observed state change, emitted to the owning UI.
type Transition struct {
	State State
	Cause Cause
	At    time.Time
}
