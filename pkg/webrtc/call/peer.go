package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PeerConnection is the slice of a WebRTC peer connection the session drives.
type PeerConnection interface {
	AddLocalTrack(track webrtc.TrackLocal) error
	// CreateOffer asks to receive audio and video even when nothing local
	// of that kind is being sent.
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(streamID string, track *webrtc.TrackRemote))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory builds a peer connection for one negotiation.
type PeerFactory func(cfg webrtc.Configuration) (PeerConnection, error)

// NewPionFactory returns a PeerFactory backed by pion with the default
// codecs and interceptors. pion's own logging goes to logger. configure,
// when set, can adjust the SettingEngine (ports, networks, NAT mapping).
func NewPionFactory(logger zerolog.Logger, configure func(*webrtc.SettingEngine)) PeerFactory {
	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		m := &webrtc.MediaEngine{}
		if err := m.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		registry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
			return nil, err
		}

		se := webrtc.SettingEngine{LoggerFactory: NewPionLoggerFactory(logger)}
		if configure != nil {
			configure(&se)
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		)
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Incoming RTCP has to be read for interceptors like NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) ensureReceivers() error {
	have := make(map[webrtc.RTPCodecType]bool, 2)
	for _, tr := range p.pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	if err := p.ensureReceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(fn func(streamID string, track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.StreamID(), track)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
