package call

import "github.com/pion/webrtc/v4"

// State is the session's public connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateFailed, StateClosed},
	StateConnecting:   {StateConnected, StateDisconnected, StateFailed, StateClosed},
	StateConnected:    {StateConnecting, StateDisconnected, StateFailed, StateClosed},
	StateDisconnected: {StateConnecting, StateConnected, StateFailed, StateClosed},
	StateFailed:       {StateConnecting, StateClosed},
}

// CanTransition reports whether s may move to next. Closed is terminal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }

// stateFromPeer maps pion's peer connection state one-to-one onto the
// session state. New and closed carry no information for the caller.
func stateFromPeer(st webrtc.PeerConnectionState) (State, bool) {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	default:
		return "", false
	}
}
