package call

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by a Session.
var (
	// ErrMediaAccess means capture was denied or no device exists. Fatal to the session.
	ErrMediaAccess = errors.New("media access failed")
	// ErrNegotiation means an offer or answer could not be created or applied.
	// The session stays alive and may recover on the next attempt.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrCandidate marks a candidate that could not be applied. Only ever logged.
	ErrCandidate = errors.New("candidate rejected")
	// ErrTransportDisconnected means the signaling connection was lost.
	ErrTransportDisconnected = errors.New("signaling transport disconnected")
	// ErrNegotiationTimeout means the peer connection did not come up in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	ErrClosed             = errors.New("session closed")
	ErrSessionActive      = errors.New("another session is already active")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrNoDevice           = errors.New("no capture device available")
)

// Error wraps a failed operation with its kind and underlying cause.
// errors.Is matches both Kind and Err.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil && e.Err != e.Kind {
		out = append(out, e.Err)
	}
	return out
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
