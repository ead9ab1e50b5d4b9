package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// EventType names one of the notifications a Session delivers.
type EventType string

const (
	EventLocalStreamReady       EventType = "local-stream-ready"
	EventRemoteStreamReady      EventType = "remote-stream-ready"
	EventConnectionStateChanged EventType = "connection-state-changed"
	EventParticipantJoined      EventType = "participant-joined"
	EventParticipantLeft        EventType = "participant-left"
	EventError                  EventType = "error"
)

// Event is delivered on Session.Events in the order it was produced.
// Only the fields relevant to Type are set.
type Event struct {
	Type        EventType
	State       State
	Participant string
	Local       *LocalStream
	Remote      *RemoteStream
	Err         error
}

// RemoteStream groups the tracks the remote peer sent under one stream id.
type RemoteStream struct {
	ID          string
	Participant string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

// Tracks returns the tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

func (r *RemoteStream) add(t *webrtc.TrackRemote) {
	if t == nil {
		return
	}
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}
