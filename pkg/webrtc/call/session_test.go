package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"p2pcall/pkg/webrtc/protocol"
)

func TestSessions_FirstJoinerOffersAndBothConnect(t *testing.T) {
	hub, url := newRelay(t)

	alicePeers := &fakeNet{name: "alice"}
	bobPeers := &fakeNet{name: "bob"}
	alice := newFakeSession(t, "alice", dialTransport(t, url, protocol.JSON), alicePeers, nil)
	bob := newFakeSession(t, "bob", dialTransport(t, url, protocol.Msgpack), bobPeers, nil)

	initialize(t, alice)
	waitFor(t, "alice registered", func() bool {
		_, ok := hub.Registry().Lookup(testRoom, "alice")
		return ok
	})
	initialize(t, bob)

	waitState(t, alice, StateConnected)
	waitState(t, bob, StateConnected)

	aliceLocal, aliceRemote := alicePeers.peer(0).Descriptions()
	if aliceLocal == nil || aliceLocal.Type != webrtc.SDPTypeOffer {
		t.Fatalf("alice local=%+v, want offer", aliceLocal)
	}
	if aliceRemote == nil || aliceRemote.SDP != "answer:bob-0" {
		t.Fatalf("alice remote=%+v, want bob's answer", aliceRemote)
	}
	bobLocal, bobRemote := bobPeers.peer(0).Descriptions()
	if bobLocal == nil || bobLocal.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("bob local=%+v, want answer", bobLocal)
	}
	if bobRemote == nil || bobRemote.SDP != "offer:alice-0" {
		t.Fatalf("bob remote=%+v, want alice's offer", bobRemote)
	}

	joined := waitEvent(t, alice, isType(EventParticipantJoined))
	if joined.Participant != "bob" {
		t.Fatalf("participant=%q, want bob", joined.Participant)
	}
	remote := waitEvent(t, bob, isType(EventRemoteStreamReady))
	if remote.Remote == nil || remote.Remote.Participant != "alice" {
		t.Fatalf("remote stream=%+v", remote.Remote)
	}

	if got := len(bobPeers.peer(0).Candidates()); got < 1 {
		t.Fatalf("bob applied %d candidates, want at least 1", got)
	}
	if alicePeers.count() != 1 || bobPeers.count() != 1 {
		t.Fatalf("peer connections: alice=%d bob=%d, want 1 each", alicePeers.count(), bobPeers.count())
	}
}

func TestSession_CandidateBeforeRemoteDescriptionIsBuffered(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "bob"}
	s := newFakeSession(t, "bob", tr, peers, nil)
	initialize(t, s)

	join := tr.nextSent(t, protocol.TypeJoinRoom)
	if join.From != "bob" || join.RoomID != testRoom {
		t.Fatalf("join=%+v", join)
	}

	mid := "0"
	line := "candidate:alice 1 udp 1 10.0.0.2 9 typ host"
	candidate := protocol.Message{
		Type:      protocol.TypeICECandidate,
		RoomID:    testRoom,
		From:      "alice",
		Candidate: protocol.CandidatePayload(protocol.Candidate{Candidate: line, SDPMid: &mid}),
	}
	tr.in <- candidate
	tr.in <- candidate
	tr.in <- offerFrom("alice", "offer:alice")

	answer := tr.nextSent(t, protocol.TypeAnswer)
	if answer.To != "alice" || answer.From != "bob" {
		t.Fatalf("answer routed from=%q to=%q, want bob -> alice", answer.From, answer.To)
	}
	var desc protocol.SessionDescription
	if err := answer.Description.Unmarshal(&desc); err != nil || desc.Type != "answer" {
		t.Fatalf("answer description=%s (%v)", answer.Description, err)
	}

	got := peers.peer(0).Candidates()
	if len(got) != 1 || got[0].Candidate != line {
		t.Fatalf("applied candidates=%+v, want the buffered one once", got)
	}
	waitState(t, s, StateConnected)

	// Repeats after the fact are still harmless.
	tr.in <- candidate
	tr.in <- membership(protocol.TypeParticipantJoined, "carol")
	waitEvent(t, s, func(ev Event) bool { return ev.Type == EventParticipantJoined && ev.Participant == "carol" })
	if n := len(peers.peer(0).Candidates()); n != 1 {
		t.Fatalf("applied %d candidates after repeat, want 1", n)
	}
}

func TestSession_CleanupIsIdempotentAndRacesCallbacks(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	slot := new(Slot)
	s := newFakeSession(t, "alice", tr, peers, func(o *Options) { o.Slot = slot })
	initialize(t, s)
	local := s.LocalStream()
	peer := peers.peer(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				peer.fire(webrtc.PeerConnectionStateConnected)
				peer.fireCandidate(webrtc.ICECandidateInit{Candidate: "candidate:x"})
			}
		}()
		go func() {
			defer wg.Done()
			s.Cleanup()
		}()
	}
	wg.Wait()
	s.Cleanup()

	// Callbacks after cleanup are ignored.
	peer.fire(webrtc.PeerConnectionStateFailed)

	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	if !peer.Closed() {
		t.Fatalf("peer connection not closed")
	}
	if !tr.closed.Load() {
		t.Fatalf("transport not closed")
	}
	for _, track := range local.Tracks() {
		if !track.Stopped() {
			t.Fatalf("%s track not stopped", track.Kind())
		}
	}
	if slot.Active() {
		t.Fatalf("slot still held")
	}

	select {
	case _, ok := <-s.Events():
		if ok {
			// Drain whatever was queued; the stream must end.
			for range s.Events() {
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("event stream not closed after Cleanup")
	}
}

func TestSession_CleanupBeforeInitialize(t *testing.T) {
	tr := newFakeTransport()
	s := newFakeSession(t, "alice", tr, &fakeNet{name: "alice"}, nil)
	s.Cleanup()
	s.Cleanup()

	if err := s.Initialize(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Initialize after Cleanup err=%v, want ErrClosed", err)
	}
	if !tr.closed.Load() {
		t.Fatalf("transport not closed")
	}
}

func TestSession_MediaAccessFailure(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, func(o *Options) {
		o.Media = SyntheticDevices{NoAudio: true, NoVideo: true}
	})

	err := s.Initialize(context.Background())
	if !errors.Is(err, ErrMediaAccess) || !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err=%v, want ErrMediaAccess wrapping ErrNoDevice", err)
	}
	var callErr *Error
	if !errors.As(err, &callErr) || callErr.Op != "initialize" {
		t.Fatalf("err=%#v, want *Error with op initialize", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state=%s, want failed", s.State())
	}

	changed := waitEvent(t, s, isType(EventConnectionStateChanged))
	if changed.State != StateFailed {
		t.Fatalf("state event=%s, want failed", changed.State)
	}
	reported := waitEvent(t, s, isType(EventError))
	if !errors.Is(reported.Err, ErrMediaAccess) {
		t.Fatalf("error event=%v", reported.Err)
	}

	if peers.count() != 0 {
		t.Fatalf("peer connection built despite media failure")
	}
	select {
	case msg := <-tr.sent:
		t.Fatalf("unexpected %s sent", msg.Type)
	default:
	}

	if err := s.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Initialize err=%v, want ErrAlreadyInitialized", err)
	}
}

func TestSession_InitializeEmitsLocalStreamThenConnecting(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, nil)
	initialize(t, s)

	first := waitEvent(t, s, func(Event) bool { return true })
	if first.Type != EventLocalStreamReady || first.Local == nil || first.Local.Audio == nil || first.Local.Video == nil {
		t.Fatalf("first event=%+v, want local-stream-ready with audio and video", first)
	}
	second := waitEvent(t, s, func(Event) bool { return true })
	if second.Type != EventConnectionStateChanged || second.State != StateConnecting {
		t.Fatalf("second event=%+v, want connecting", second)
	}
	if got := peers.peer(0).TrackCount(); got != 2 {
		t.Fatalf("tracks on peer=%d, want 2", got)
	}
}

func TestSession_TogglesDoNotRenegotiate(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, nil)
	initialize(t, s)
	local := s.LocalStream()

	s.ToggleAudio(false)
	s.ToggleVideo(false)
	if local.Audio.Enabled() || local.Video.Enabled() {
		t.Fatalf("tracks still enabled after toggle off")
	}
	if err := local.Video.WriteSample(media.Sample{Data: []byte{0x00}, Duration: time.Millisecond}); err != nil {
		t.Fatalf("write to disabled track: %v", err)
	}

	s.ToggleAudio(true)
	if !local.Audio.Enabled() || local.Video.Enabled() {
		t.Fatalf("audio=%v video=%v, want true false", local.Audio.Enabled(), local.Video.Enabled())
	}
	if peers.count() != 1 || peers.peer(0).Closed() {
		t.Fatalf("toggle touched the peer connection")
	}
}

func TestSession_NegotiationTimeout(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, func(o *Options) {
		o.NegotiationTimeout = 50 * time.Millisecond
	})
	initialize(t, s)

	tr.in <- membership(protocol.TypeParticipantJoined, "bob")
	offer := tr.nextSent(t, protocol.TypeOffer)
	if offer.To != "" {
		t.Fatalf("offer addressed to %q, want the room", offer.To)
	}

	ev := waitEvent(t, s, isType(EventError))
	if !errors.Is(ev.Err, ErrNegotiationTimeout) {
		t.Fatalf("err=%v, want ErrNegotiationTimeout", ev.Err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state=%s, want failed", s.State())
	}
	if peers.count() != 2 || !peers.peer(0).Closed() {
		t.Fatalf("stalled peer connection not replaced")
	}

	// A later newcomer starts over from failed.
	tr.in <- membership(protocol.TypeParticipantJoined, "carol")
	tr.nextSent(t, protocol.TypeOffer)
	next := waitEvent(t, s, isType(EventConnectionStateChanged))
	if next.State != StateConnecting {
		t.Fatalf("state after new offer=%s, want connecting", next.State)
	}
}

func TestSession_TimeoutDisabled(t *testing.T) {
	tr := newFakeTransport()
	s := newFakeSession(t, "alice", tr, &fakeNet{name: "alice"}, func(o *Options) {
		o.NegotiationTimeout = -1
	})
	initialize(t, s)
	tr.in <- membership(protocol.TypeParticipantJoined, "bob")
	tr.nextSent(t, protocol.TypeOffer)

	time.Sleep(100 * time.Millisecond)
	if s.State() != StateConnecting {
		t.Fatalf("state=%s, want connecting", s.State())
	}
}

func TestSession_RemoteLeaveReplacesPeer(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, nil)
	initialize(t, s)

	tr.in <- membership(protocol.TypeParticipantJoined, "bob")
	tr.nextSent(t, protocol.TypeOffer)
	tr.in <- answerFrom("bob", "alice", "answer:bob")
	tr.in <- protocol.Message{
		Type:      protocol.TypeICECandidate,
		RoomID:    testRoom,
		From:      "bob",
		Candidate: protocol.CandidatePayload(protocol.Candidate{Candidate: "candidate:bob 1 udp 1 10.0.0.3 9 typ host"}),
	}
	waitState(t, s, StateConnected)

	tr.in <- membership(protocol.TypeParticipantLeft, "bob")
	left := waitEvent(t, s, isType(EventParticipantLeft))
	if left.Participant != "bob" {
		t.Fatalf("left=%q, want bob", left.Participant)
	}
	waitState(t, s, StateConnecting)

	if peers.count() != 2 {
		t.Fatalf("peer connections=%d, want 2", peers.count())
	}
	if !peers.peer(0).Closed() {
		t.Fatalf("old peer connection left open")
	}
	if got := peers.peer(1).TrackCount(); got != 2 {
		t.Fatalf("new peer carries %d tracks, want 2", got)
	}
	if local := s.LocalStream(); local.Audio.Stopped() || local.Video.Stopped() {
		t.Fatalf("local media stopped on remote leave")
	}

	tr.in <- membership(protocol.TypeParticipantJoined, "carol")
	tr.nextSent(t, protocol.TypeOffer)
	local, _ := peers.peer(1).Descriptions()
	if local == nil || local.SDP != "offer:alice-1" {
		t.Fatalf("new offer=%+v, want one from the replacement peer", local)
	}
}

func TestSession_IgnoresSelfStrayAndForeignMessages(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, nil)
	initialize(t, s)

	tr.in <- answerFrom("bob", "alice", "answer:bob")
	tr.in <- offerFrom("alice", "offer:self")
	misrouted := offerFrom("bob", "offer:bob")
	misrouted.To = "zed"
	tr.in <- misrouted
	other := offerFrom("bob", "offer:bob")
	other.RoomID = "elsewhere"
	tr.in <- other

	tr.in <- membership(protocol.TypeParticipantJoined, "bob")
	tr.nextSent(t, protocol.TypeOffer)

	if _, remote := peers.peer(0).Descriptions(); remote != nil {
		t.Fatalf("remote description applied from a dropped message: %+v", remote)
	}
	select {
	case msg := <-tr.sent:
		if msg.Type == protocol.TypeAnswer {
			t.Fatalf("answered a message that should have been ignored")
		}
	default:
	}

	// A third participant's offer is ignored while negotiating with bob.
	tr.in <- offerFrom("carol", "offer:carol")
	tr.in <- answerFrom("bob", "alice", "answer:bob")
	waitFor(t, "answer applied", func() bool {
		_, remote := peers.peer(0).Descriptions()
		return remote != nil
	})
	if _, remote := peers.peer(0).Descriptions(); remote.SDP != "answer:bob" {
		t.Fatalf("remote=%q, want bob's answer", remote.SDP)
	}
}

func TestSession_DecodesPayloadsOnArrival(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "bob"}
	s := newFakeSession(t, "bob", tr, peers, nil)
	initialize(t, s)
	tr.nextSent(t, protocol.TypeJoinRoom)

	// An offer whose payload claims to be an answer is reported, not applied.
	wrongKind := offerFrom("alice", "offer:alice")
	wrongKind.Description = protocol.DescriptionPayload(protocol.SessionDescription{Type: "answer", SDP: "offer:alice"})
	tr.in <- wrongKind
	ev := waitEvent(t, s, isType(EventError))
	if !errors.Is(ev.Err, ErrNegotiation) {
		t.Fatalf("err=%v, want ErrNegotiation", ev.Err)
	}
	if _, remote := peers.peer(0).Descriptions(); remote != nil {
		t.Fatalf("mislabelled offer was applied: %+v", remote)
	}

	ice := func(raw string) protocol.Message {
		return protocol.Message{Type: protocol.TypeICECandidate, RoomID: testRoom, From: "alice", Candidate: protocol.Payload(raw)}
	}
	tr.in <- ice(`{"candidate":"candidate:alice 1 udp 1 10.0.0.2 9 typ host","sdpMid":null,"sdpMLineIndex":0,"x-extra":true}`)
	tr.in <- ice(`{"candidate":"candidate:alice 2 udp 1 10.0.0.2 10 typ host","sdpMLineIndex":70000}`)
	tr.in <- ice(`"not an object"`)
	tr.in <- offerFrom("alice", "offer:alice")
	tr.nextSent(t, protocol.TypeAnswer)

	got := peers.peer(0).Candidates()
	if len(got) != 1 {
		t.Fatalf("applied candidates=%+v, want only the decodable one", got)
	}
	if got[0].SDPMid != nil || got[0].SDPMLineIndex == nil || *got[0].SDPMLineIndex != 0 {
		t.Fatalf("candidate fields=%+v", got[0])
	}
}

func TestSession_OfferCollisionHigherIDYields(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "bob"}
	s := newFakeSession(t, "bob", tr, peers, nil)
	initialize(t, s)

	tr.in <- membership(protocol.TypeParticipantJoined, "alice")
	tr.nextSent(t, protocol.TypeOffer)
	tr.in <- offerFrom("alice", "offer:alice")

	answer := tr.nextSent(t, protocol.TypeAnswer)
	if answer.To != "alice" {
		t.Fatalf("answer to=%q, want alice", answer.To)
	}
	if peers.count() != 2 || !peers.peer(0).Closed() {
		t.Fatalf("colliding offer not resolved with a fresh peer connection")
	}
}

func TestSession_OfferCollisionLowerIDKeepsOffer(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, nil)
	initialize(t, s)

	tr.in <- membership(protocol.TypeParticipantJoined, "bob")
	tr.nextSent(t, protocol.TypeOffer)
	tr.in <- offerFrom("bob", "offer:bob")
	tr.in <- answerFrom("bob", "alice", "answer:bob")

	waitFor(t, "answer applied", func() bool {
		_, remote := peers.peer(0).Descriptions()
		return remote != nil && remote.SDP == "answer:bob"
	})
	if peers.count() != 1 {
		t.Fatalf("peer connections=%d, want 1", peers.count())
	}
}

func TestSession_TransportLossKeepsMedia(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, nil)
	initialize(t, s)

	tr.drop()
	ev := waitEvent(t, s, isType(EventError))
	if !errors.Is(ev.Err, ErrTransportDisconnected) {
		t.Fatalf("err=%v, want ErrTransportDisconnected", ev.Err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state=%s, want disconnected", s.State())
	}
	local := s.LocalStream()
	if local.Audio.Stopped() || local.Video.Stopped() {
		t.Fatalf("local media stopped on transport loss")
	}
	if peers.peer(0).Closed() {
		t.Fatalf("peer connection closed on transport loss")
	}
}

func TestSession_PeerStatesAreReportedOnEveryChange(t *testing.T) {
	tr := newFakeTransport()
	peers := &fakeNet{name: "alice"}
	s := newFakeSession(t, "alice", tr, peers, nil)
	initialize(t, s)
	waitEvent(t, s, func(ev Event) bool { return ev.Type == EventConnectionStateChanged && ev.State == StateConnecting })

	peer := peers.peer(0)
	sequence := []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateConnected,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateConnected,
		webrtc.PeerConnectionStateFailed,
	}
	want := []State{StateConnected, StateDisconnected, StateConnected, StateFailed}
	for _, st := range sequence {
		peer.fire(st)
	}
	for _, w := range want {
		ev := waitEvent(t, s, isType(EventConnectionStateChanged))
		if ev.State != w {
			t.Fatalf("state=%s, want %s", ev.State, w)
		}
	}
}

func TestSlot_AdmitsOneSessionAtATime(t *testing.T) {
	slot := new(Slot)
	opts := Options{RoomID: testRoom, Transport: newFakeTransport(), NewPeer: (&fakeNet{}).factory, Slot: slot}

	first, err := NewSession(opts)
	if err != nil {
		t.Fatalf("first NewSession: %v", err)
	}
	if _, err := NewSession(opts); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second NewSession err=%v, want ErrSessionActive", err)
	}
	first.Cleanup()

	opts.Transport = newFakeTransport()
	second, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession after Cleanup: %v", err)
	}
	second.Cleanup()
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateConnecting, true},
		{StateIdle, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateDisconnected, true},
		{StateDisconnected, StateConnected, true},
		{StateFailed, StateConnected, false},
		{StateFailed, StateConnecting, true},
		{StateClosed, StateConnecting, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestError_MatchesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := error(newError("apply offer", ErrNegotiation, cause))
	if !errors.Is(err, ErrNegotiation) || !errors.Is(err, cause) {
		t.Fatalf("errors.Is failed for %v", err)
	}
	if errors.Is(err, ErrMediaAccess) {
		t.Fatalf("matched unrelated kind")
	}
	if got := err.Error(); got != "apply offer: negotiation failed: boom" {
		t.Fatalf("Error()=%q", got)
	}
	if got := newError("signaling", ErrTransportDisconnected, nil).Error(); got != "signaling: signaling transport disconnected" {
		t.Fatalf("Error()=%q", got)
	}
}
