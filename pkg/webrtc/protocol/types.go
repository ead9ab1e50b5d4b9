package protocol

import (
	"errors"
	"fmt"
)

// Type names one of the signaling message kinds carried over the relay.
type Type string

const (
	TypeJoinRoom          Type = "join-room"
	TypeParticipantJoined Type = "participant-joined"
	TypeParticipantLeft   Type = "participant-left"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
)

var (
	// ErrMalformed is returned when a frame cannot be decoded or lacks required fields.
	ErrMalformed = errors.New("malformed signaling message")
	// ErrUnknownType is returned for message kinds outside the protocol.
	ErrUnknownType = errors.New("unknown signaling message type")
)

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls" msgpack:"urls"`
	Username   string   `json:"username,omitempty" msgpack:"username,omitempty"`
	Credential string   `json:"credential,omitempty" msgpack:"credential,omitempty"`
}

// SessionDescription is the endpoint-side shape of an offer or answer payload.
type SessionDescription struct {
	Type string `json:"type" msgpack:"type"`
	SDP  string `json:"sdp" msgpack:"sdp"`
}

// Candidate is the endpoint-side shape of a candidate payload, matching the
// browser's RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate" msgpack:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" msgpack:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" msgpack:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" msgpack:"usernameFragment,omitempty"`
}

// Message is the single envelope for every signaling kind.
//
// From is the sender participant for join/offer/answer/candidate and the
// affected participant for membership notifications. To is optional and
// narrows delivery to one participant. Description and Candidate are opaque
// to the relay.
type Message struct {
	Type        Type    `json:"type" msgpack:"type"`
	RoomID      string  `json:"roomId" msgpack:"roomId"`
	From        string  `json:"from" msgpack:"from"`
	To          string  `json:"to,omitempty" msgpack:"to,omitempty"`
	Description Payload `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Candidate   Payload `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
}

// Known reports whether t is one of the protocol's message kinds.
func (t Type) Known() bool {
	switch t {
	case TypeJoinRoom, TypeParticipantJoined, TypeParticipantLeft,
		TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// ClientOriginated reports whether clients are allowed to send t to the relay.
func (t Type) ClientOriginated() bool {
	switch t {
	case TypeJoinRoom, TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Validate checks the fields each kind requires. Payloads are checked for
// presence only.
func (m Message) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.RoomID == "" {
		return fmt.Errorf("%w: %s missing roomId", ErrMalformed, m.Type)
	}
	if m.From == "" {
		return fmt.Errorf("%w: %s missing from", ErrMalformed, m.Type)
	}
	hasSDP, hasCandidate := m.Description.Present(), m.Candidate.Present()
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if !hasSDP {
			return fmt.Errorf("%w: %s missing sdp", ErrMalformed, m.Type)
		}
		if hasCandidate {
			return fmt.Errorf("%w: %s has unexpected candidate", ErrMalformed, m.Type)
		}
	case TypeICECandidate:
		if !hasCandidate {
			return fmt.Errorf("%w: ice-candidate missing candidate", ErrMalformed)
		}
		if hasSDP {
			return fmt.Errorf("%w: ice-candidate has unexpected sdp", ErrMalformed)
		}
	default:
		if hasSDP || hasCandidate {
			return fmt.Errorf("%w: %s has unexpected payload", ErrMalformed, m.Type)
		}
	}
	return nil
}

// Membership builds a participant-joined or participant-left notification.
func Membership(t Type, roomID, participantID string) Message {
	return Message{Type: t, RoomID: roomID, From: participantID}
}
