package call

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"p2pcall/internal/app/rooms"
	"p2pcall/pkg/webrtc/protocol"
	"p2pcall/pkg/webrtc/signaling"
)

// fakePeer is a scripted peer connection. It reports connecting when a local
// description is set, gathers one host candidate, and reports connected once
// it has both descriptions and at least one remote candidate.
type fakePeer struct {
	name string

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	tracks      []webrtc.TrackLocal
	candidates  []webrtc.ICECandidateInit
	closed      bool
	connected   bool
	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(string, *webrtc.TrackRemote)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) AddLocalTrack(t webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	p.local = &d
	onState, onCandidate := p.onState, p.onCandidate
	p.mu.Unlock()

	if onState != nil {
		onState(webrtc.PeerConnectionStateConnecting)
	}
	if onCandidate != nil {
		mid := "0"
		onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + p.name + " 1 udp 1 10.0.0.1 9 typ host", SDPMid: &mid})
	}
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("closed")
	}
	if d.Type == webrtc.SDPTypeAnswer && (p.local == nil || p.local.Type != webrtc.SDPTypeOffer) {
		p.mu.Unlock()
		return errors.New("answer without local offer")
	}
	p.remote = &d
	onTrack := p.onTrack
	p.mu.Unlock()

	if onTrack != nil {
		onTrack("stream-"+d.SDP, nil)
	}
	p.maybeConnect()
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.remote == nil {
		p.mu.Unlock()
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.local != nil && p.local.Type == webrtc.SDPTypeOffer && p.remote == nil:
		return webrtc.SignalingStateHaveLocalOffer
	case p.remote != nil && p.remote.Type == webrtc.SDPTypeOffer && (p.local == nil || p.local.Type != webrtc.SDPTypeAnswer):
		return webrtc.SignalingStateHaveRemoteOffer
	default:
		return webrtc.SignalingStateStable
	}
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(string, *webrtc.TrackRemote)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	if p.connected || p.closed || p.local == nil || p.remote == nil || len(p.candidates) == 0 {
		p.mu.Unlock()
		return
	}
	p.connected = true
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(webrtc.PeerConnectionStateConnected)
	}
}

// fire invokes the registered state callback as pion would.
func (p *fakePeer) fire(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *fakePeer) fireCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) TrackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

func (p *fakePeer) Descriptions() (local, remote *webrtc.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local, p.remote
}

// fakeNet hands out fakePeers and remembers them in creation order.
type fakeNet struct {
	name string

	mu    sync.Mutex
	peers []*fakePeer
}

func (n *fakeNet) factory(webrtc.Configuration) (PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := &fakePeer{name: fmt.Sprintf("%s-%d", n.name, len(n.peers))}
	n.peers = append(n.peers, p)
	return p, nil
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

func (n *fakeNet) peer(i int) *fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[i]
}

// fakeTransport lets a test play the relay.
type fakeTransport struct {
	in       chan protocol.Message
	sent     chan protocol.Message
	done     chan struct{}
	doneOnce sync.Once
	closed   atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan protocol.Message, 16),
		sent: make(chan protocol.Message, 64),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(msg protocol.Message) error {
	if f.closed.Load() {
		return ErrClosed
	}
	select {
	case f.sent <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (f *fakeTransport) Incoming() <-chan protocol.Message { return f.in }
func (f *fakeTransport) Done() <-chan struct{}             { return f.done }

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	f.drop()
	return nil
}

// drop simulates the relay connection going away.
func (f *fakeTransport) drop() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeTransport) nextSent(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-f.sent:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s sent", typ)
		}
	}
}

const testRoom = "room-1"

func newFakeSession(t *testing.T, id string, tr Transport, peers *fakeNet, mutate func(*Options)) *Session {
	t.Helper()
	opts := Options{
		RoomID:        testRoom,
		ParticipantID: id,
		Transport:     tr,
		NewPeer:       peers.factory,
		Logger:        zerolog.Nop(),
		Slot:          new(Slot),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Cleanup)
	return s
}

func initialize(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func newRelay(t *testing.T) (*signaling.Hub, string) {
	t.Helper()
	hub := signaling.NewHub(rooms.NewRegistry(), signaling.HubOptions{Logger: zerolog.Nop()})
	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTransport(t *testing.T, url string, codec protocol.Codec) *WSTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := Dial(ctx, url, codec, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State() == want })
}

// waitEvent reads events until one satisfies match.
func waitEvent(t *testing.T, s *Session, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event stream closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func isType(typ EventType) func(Event) bool {
	return func(ev Event) bool { return ev.Type == typ }
}

func membership(typ protocol.Type, from string) protocol.Message {
	return protocol.Membership(typ, testRoom, from)
}

func offerFrom(from, sdp string) protocol.Message {
	return protocol.Message{
		Type:        protocol.TypeOffer,
		RoomID:      testRoom,
		From:        from,
		Description: protocol.DescriptionPayload(protocol.SessionDescription{Type: "offer", SDP: sdp}),
	}
}

func answerFrom(from, to, sdp string) protocol.Message {
	return protocol.Message{
		Type:        protocol.TypeAnswer,
		RoomID:      testRoom,
		From:        from,
		To:          to,
		Description: protocol.DescriptionPayload(protocol.SessionDescription{Type: "answer", SDP: sdp}),
	}
}
