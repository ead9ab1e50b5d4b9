package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"p2pcall/pkg/webrtc/ice"
	"p2pcall/pkg/webrtc/protocol"
)

// DefaultNegotiationTimeout bounds how long a session may stay unconnected
// after an offer is sent or received.
const DefaultNegotiationTimeout = 30 * time.Second

const candidatePoolSize = 10

// Options configures a Session.
type Options struct {
	RoomID string
	// ParticipantID defaults to a random UUID.
	ParticipantID string
	Transport     Transport
	// NewPeer defaults to a pion-backed factory.
	NewPeer PeerFactory
	// Media defaults to SyntheticDevices.
	Media       MediaDevices
	Constraints Constraints
	ICEServers  []protocol.ICEServer
	// NegotiationTimeout of zero means DefaultNegotiationTimeout; negative
	// disables the timeout.
	NegotiationTimeout time.Duration
	Logger             zerolog.Logger
	// Slot defaults to the process-wide slot.
	Slot *Slot
}

// Session negotiates one call with a single remote participant.
//
// All negotiation work runs serially on an internal queue, so relay messages
// and pion callbacks may arrive in any order and from any goroutine. Events
// are delivered in order on Events; the channel is closed when Cleanup
// returns and nothing is delivered after that.
type Session struct {
	id          string
	roomID      string
	transport   Transport
	newPeer     PeerFactory
	media       MediaDevices
	constraints Constraints
	iceServers  []protocol.ICEServer
	timeout     time.Duration
	slot        *Slot
	logger      zerolog.Logger

	work        *taskQueue
	events      *eventQueue
	closed      chan struct{}
	cleanupOnce sync.Once
	initialized atomic.Bool
	local       atomic.Pointer[LocalStream]

	mu    sync.Mutex
	state State

	// Owned by the task queue.
	pc       PeerConnection
	peerGen  uint64
	remoteID string
	pending  []webrtc.ICECandidateInit
	seen     map[string]struct{}
	remote   map[string]*RemoteStream
	timer    *time.Timer
	timerGen uint64
}

// NewSession claims the slot and prepares a session in the idle state.
func NewSession(opts Options) (*Session, error) {
	if opts.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}

	id := opts.ParticipantID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger.With().Str("participant_id", id).Str("room_id", opts.RoomID).Logger()

	newPeer := opts.NewPeer
	if newPeer == nil {
		newPeer = NewPionFactory(logger, nil)
	}
	var devices MediaDevices = SyntheticDevices{}
	if opts.Media != nil {
		devices = opts.Media
	}
	constraints := opts.Constraints
	if constraints == (Constraints{}) {
		constraints = DefaultConstraints()
	}
	timeout := opts.NegotiationTimeout
	if timeout == 0 {
		timeout = DefaultNegotiationTimeout
	}
	slot := opts.Slot
	if slot == nil {
		slot = &defaultSlot
	}

	s := &Session{
		id:          id,
		roomID:      opts.RoomID,
		transport:   opts.Transport,
		newPeer:     newPeer,
		media:       devices,
		constraints: constraints,
		iceServers:  opts.ICEServers,
		timeout:     timeout,
		slot:        slot,
		logger:      logger,
		closed:      make(chan struct{}),
		state:       StateIdle,
		seen:        make(map[string]struct{}),
		remote:      make(map[string]*RemoteStream),
	}
	if err := slot.acquire(s); err != nil {
		return nil, err
	}
	s.work = newTaskQueue()
	s.events = newEventQueue()
	return s, nil
}

func (s *Session) ParticipantID() string { return s.id }
func (s *Session) RoomID() string        { return s.roomID }

// Events returns the ordered event stream.
func (s *Session) Events() <-chan Event { return s.events.out }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalStream returns the captured stream once Initialize has succeeded.
func (s *Session) LocalStream() *LocalStream { return s.local.Load() }

// Initialize acquires local media, prepares the peer connection and joins
// the room. A media failure moves the session to failed and is not retried.
func (s *Session) Initialize(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if !s.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	stream, err := s.media.GetUserMedia(ctx, s.constraints)
	if err != nil {
		e := newError("initialize", ErrMediaAccess, err)
		_ = s.call(func() error {
			s.fail(e)
			return nil
		})
		return e
	}

	err = s.call(func() error { return s.start(stream) })
	if errors.Is(err, ErrClosed) {
		stream.Stop()
	}
	return err
}

// ToggleAudio enables or disables the local audio track in place.
func (s *Session) ToggleAudio(enabled bool) {
	if local := s.local.Load(); local != nil && local.Audio != nil {
		local.Audio.SetEnabled(enabled)
		s.logger.Debug().Bool("enabled", enabled).Msg("audio toggled")
	}
}

// ToggleVideo enables or disables the local video track in place.
func (s *Session) ToggleVideo(enabled bool) {
	if local := s.local.Load(); local != nil && local.Video != nil {
		local.Video.SetEnabled(enabled)
		s.logger.Debug().Bool("enabled", enabled).Msg("video toggled")
	}
}

// Cleanup releases everything the session owns: local tracks, the peer
// connection, the transport and the event stream. It is safe to call more
// than once and from any goroutine.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		close(s.closed)
		// Waits for a running task; pending tasks and later callbacks are dropped.
		s.work.close()

		s.stopTimeout()
		if local := s.local.Load(); local != nil {
			local.Stop()
		}
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				s.logger.Debug().Err(err).Msg("peer close")
			}
			s.pc = nil
		}
		if err := s.transport.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("transport close")
		}

		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		s.mu.Unlock()

		s.events.close()
		s.slot.release(s)
		s.logger.Info().Str("from", prev.String()).Msg("session closed")
	})
}

// call runs fn on the task queue and waits for its result.
func (s *Session) call(fn func() error) error {
	errc := make(chan error, 1)
	if !s.work.push(func() { errc <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Session) start(stream *LocalStream) error {
	s.local.Store(stream)
	s.emit(Event{Type: EventLocalStreamReady, Local: stream})

	if err := s.openPeer(); err != nil {
		e := newError("initialize", ErrNegotiation, err)
		s.fail(e)
		return e
	}

	join := protocol.Message{Type: protocol.TypeJoinRoom, RoomID: s.roomID, From: s.id}
	if err := s.transport.Send(join); err != nil {
		e := newError("join", ErrTransportDisconnected, err)
		s.fail(e)
		return e
	}
	go s.pump()

	s.setState(StateConnecting)
	s.logger.Info().Msg("joined room")
	return nil
}

// pump feeds relay traffic into the task queue.
func (s *Session) pump() {
	in := s.transport.Incoming()
	for {
		select {
		case <-s.closed:
			return
		case msg := <-in:
			s.work.push(func() { s.handleMessage(msg) })
		case <-s.transport.Done():
			for {
				select {
				case msg := <-in:
					s.work.push(func() { s.handleMessage(msg) })
					continue
				default:
				}
				break
			}
			s.work.push(s.onTransportLost)
			return
		}
	}
}

func (s *Session) handleMessage(msg protocol.Message) {
	if msg.RoomID != s.roomID || msg.From == s.id {
		return
	}
	if msg.To != "" && msg.To != s.id {
		return
	}
	l := s.logger.With().Str("type", string(msg.Type)).Str("from", msg.From).Logger()
	l.Debug().Msg("signal received")

	switch msg.Type {
	case protocol.TypeParticipantJoined:
		s.onParticipantJoined(msg.From, l)
	case protocol.TypeParticipantLeft:
		s.onParticipantLeft(msg.From, l)
	case protocol.TypeOffer:
		s.onOffer(msg, l)
	case protocol.TypeAnswer:
		s.onAnswer(msg, l)
	case protocol.TypeICECandidate:
		s.onRemoteCandidate(msg, l)
	default:
		l.Warn().Msg("unexpected signal kind")
	}
}

// onParticipantJoined makes this side the offerer: whoever was already in
// the room offers to the newcomer.
func (s *Session) onParticipantJoined(from string, l zerolog.Logger) {
	s.emit(Event{Type: EventParticipantJoined, Participant: from})

	if s.remoteID != "" && s.remoteID != from {
		l.Info().Str("remote_id", s.remoteID).Msg("already negotiating with another participant; ignoring newcomer")
		return
	}
	if s.remoteID == from {
		// The remote came back on a new connection; its old peer connection is gone.
		s.resetRemote()
		if !s.replacePeer("remote rejoined") {
			return
		}
	}
	s.remoteID = from
	s.offer()
}

func (s *Session) onParticipantLeft(from string, l zerolog.Logger) {
	s.emit(Event{Type: EventParticipantLeft, Participant: from})
	if from != s.remoteID {
		return
	}
	l.Info().Msg("remote participant left")
	s.resetRemote()
	if !s.replacePeer("remote left") {
		return
	}
	s.setState(StateConnecting)
}

func (s *Session) offer() {
	offer, err := s.pc.CreateOffer()
	if err != nil {
		s.reportError(newError("create offer", ErrNegotiation, err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.reportError(newError("set local offer", ErrNegotiation, err))
		return
	}
	s.send(protocol.Message{
		Type:        protocol.TypeOffer,
		RoomID:      s.roomID,
		From:        s.id,
		Description: protocol.DescriptionPayload(protocol.SessionDescription{Type: string(protocol.TypeOffer), SDP: offer.SDP}),
	})
	s.setState(StateConnecting)
	s.armTimeout()
}

func (s *Session) onOffer(msg protocol.Message, l zerolog.Logger) {
	if s.remoteID != "" && s.remoteID != msg.From {
		l.Info().Str("remote_id", s.remoteID).Msg("ignoring offer from a third participant")
		return
	}
	remote, err := remoteDescription(msg, webrtc.SDPTypeOffer)
	if err != nil {
		s.reportError(newError("decode offer", ErrNegotiation, err))
		return
	}
	if s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Both sides offered. The lower id keeps its offer, the other answers.
		if s.id < msg.From {
			l.Info().Msg("ignoring colliding offer")
			return
		}
		if !s.replacePeer("offer collision") {
			return
		}
	}
	s.remoteID = msg.From

	if err := s.pc.SetRemoteDescription(remote); err != nil {
		s.reportError(newError("apply offer", ErrNegotiation, err))
		return
	}
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		s.reportError(newError("create answer", ErrNegotiation, err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.reportError(newError("set local answer", ErrNegotiation, err))
		return
	}
	s.send(protocol.Message{
		Type:        protocol.TypeAnswer,
		RoomID:      s.roomID,
		From:        s.id,
		To:          msg.From,
		Description: protocol.DescriptionPayload(protocol.SessionDescription{Type: string(protocol.TypeAnswer), SDP: answer.SDP}),
	})
	s.setState(StateConnecting)
	s.armTimeout()
}

func (s *Session) onAnswer(msg protocol.Message, l zerolog.Logger) {
	if s.remoteID != "" && s.remoteID != msg.From {
		l.Info().Str("remote_id", s.remoteID).Msg("ignoring answer from a third participant")
		return
	}
	if st := s.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		l.Debug().Str("signaling_state", st.String()).Msg("dropping answer without a pending offer")
		return
	}
	remote, err := remoteDescription(msg, webrtc.SDPTypeAnswer)
	if err != nil {
		s.reportError(newError("decode answer", ErrNegotiation, err))
		return
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		s.reportError(newError("apply answer", ErrNegotiation, err))
		return
	}
	s.remoteID = msg.From
	s.flushCandidates()
}

// onRemoteCandidate applies a candidate, or buffers it until the remote
// description is set. Repeats are ignored.
func (s *Session) onRemoteCandidate(msg protocol.Message, l zerolog.Logger) {
	if s.remoteID != "" && s.remoteID != msg.From {
		l.Debug().Msg("ignoring candidate from a third participant")
		return
	}
	var pc protocol.Candidate
	if err := msg.Candidate.Unmarshal(&pc); err != nil {
		l.Debug().Err(newError("decode candidate", ErrCandidate, err)).Msg("candidate dropped")
		return
	}
	c := candidateInit(pc)
	if c.Candidate == "" {
		return
	}
	key := candidateKey(c)
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}

	if !s.pc.HasRemoteDescription() {
		s.pending = append(s.pending, c)
		l.Debug().Int("buffered", len(s.pending)).Msg("candidate buffered until remote description")
		return
	}
	s.applyCandidate(c)
}

func (s *Session) flushCandidates() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.applyCandidate(c)
	}
}

func (s *Session) applyCandidate(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.logger.Debug().Err(newError("add candidate", ErrCandidate, err)).Msg("candidate dropped")
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	s.send(protocol.Message{
		Type:      protocol.TypeICECandidate,
		RoomID:    s.roomID,
		From:      s.id,
		Candidate: protocol.CandidatePayload(protocolCandidate(c)),
	})
}

func (s *Session) onRemoteTrack(streamID string, track *webrtc.TrackRemote) {
	rs := s.remote[streamID]
	if rs != nil {
		rs.add(track)
		return
	}
	rs = &RemoteStream{ID: streamID, Participant: s.remoteID}
	rs.add(track)
	s.remote[streamID] = rs
	s.emit(Event{Type: EventRemoteStreamReady, Remote: rs, Participant: s.remoteID})
}

func (s *Session) onPeerState(st webrtc.PeerConnectionState) {
	next, ok := stateFromPeer(st)
	if !ok {
		return
	}
	if next == StateConnected || next == StateFailed {
		s.stopTimeout()
	}
	s.setState(next)
}

func (s *Session) onTransportLost() {
	s.logger.Warn().Msg("signaling connection lost")
	s.setState(StateDisconnected)
	s.reportError(newError("signaling", ErrTransportDisconnected, nil))
}

func (s *Session) onNegotiationTimeout() {
	if s.State() == StateConnected {
		return
	}
	s.logger.Warn().Dur("timeout", s.timeout).Str("remote_id", s.remoteID).Msg("negotiation timed out")
	s.resetRemote()
	if !s.replacePeer("negotiation timeout") {
		return
	}
	s.fail(newError("negotiate", ErrNegotiationTimeout, nil))
}

// openPeer builds a peer connection carrying the local tracks. Callbacks
// from earlier peer connections are ignored once a new one is open.
func (s *Session) openPeer() error {
	pc, err := s.newPeer(webrtc.Configuration{
		ICEServers:           ice.ToPion(s.iceServers),
		ICECandidatePoolSize: candidatePoolSize,
	})
	if err != nil {
		return err
	}
	if local := s.local.Load(); local != nil {
		for _, t := range local.Tracks() {
			if err := pc.AddLocalTrack(t.Track()); err != nil {
				_ = pc.Close()
				return err
			}
		}
	}

	s.peerGen++
	gen := s.peerGen
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.onPeer(gen, func() { s.onLocalCandidate(c) })
	})
	pc.OnTrack(func(streamID string, track *webrtc.TrackRemote) {
		s.onPeer(gen, func() { s.onRemoteTrack(streamID, track) })
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.onPeer(gen, func() { s.onPeerState(st) })
	})
	s.pc = pc
	return nil
}

func (s *Session) onPeer(gen uint64, fn func()) {
	s.work.push(func() {
		if gen != s.peerGen {
			return
		}
		fn()
	})
}

// replacePeer swaps in a fresh peer connection with the same local tracks.
func (s *Session) replacePeer(reason string) bool {
	if old := s.pc; old != nil {
		s.pc = nil
		if err := old.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("peer close")
		}
	}
	s.remote = make(map[string]*RemoteStream)
	if err := s.openPeer(); err != nil {
		s.fail(newError("replace peer", ErrNegotiation, err))
		return false
	}
	s.logger.Info().Str("reason", reason).Msg("peer connection replaced")
	return true
}

func (s *Session) resetRemote() {
	s.remoteID = ""
	s.pending = nil
	s.seen = make(map[string]struct{})
	s.stopTimeout()
}

func (s *Session) armTimeout() {
	if s.timeout <= 0 {
		return
	}
	s.stopTimeout()
	gen := s.timerGen
	s.timer = time.AfterFunc(s.timeout, func() {
		s.work.push(func() {
			if gen != s.timerGen {
				return
			}
			s.onNegotiationTimeout()
		})
	})
}

func (s *Session) stopTimeout() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	if !prev.CanTransition(next) {
		s.mu.Unlock()
		s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("ignoring state change")
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("connection state")
	s.emit(Event{Type: EventConnectionStateChanged, State: next})
}

func (s *Session) fail(err error) {
	s.setState(StateFailed)
	s.reportError(err)
}

func (s *Session) reportError(err error) {
	s.logger.Error().Err(err).Msg("session error")
	s.emit(Event{Type: EventError, Err: err})
}

func (s *Session) send(msg protocol.Message) {
	if err := s.transport.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("signal not sent")
	}
}

func (s *Session) emit(ev Event) {
	s.events.push(ev)
}

// remoteDescription decodes an offer or answer payload and checks its type
// against the message kind carrying it.
func remoteDescription(msg protocol.Message, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var d protocol.SessionDescription
	if err := msg.Description.Unmarshal(&d); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if d.Type != want.String() {
		return webrtc.SessionDescription{}, fmt.Errorf("%s message carries a %q description", msg.Type, d.Type)
	}
	return webrtc.SessionDescription{Type: want, SDP: d.SDP}, nil
}

func candidateInit(c protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func protocolCandidate(c webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateKey(c webrtc.ICECandidateInit) string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	return mid + "|" + c.Candidate
}
