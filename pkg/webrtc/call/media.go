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
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrTrackStopped is returned when writing to a stopped track.
var ErrTrackStopped = errors.New("track stopped")

// Constraints are capture preferences handed to MediaDevices.
type Constraints struct {
	Video VideoConstraints
	Audio AudioConstraints
}

type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints asks for 1280x720 at 30fps with echo cancellation,
// noise suppression and automatic gain.
func DefaultConstraints() Constraints {
	return Constraints{
		Video: VideoConstraints{Width: 1280, Height: 720, FrameRate: 30},
		Audio: AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true},
	}
}

// MediaDevices acquires local capture.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalTrack is one captured track. Disabling it drops samples without
// touching the peer connection.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewLocalTrack builds an Opus audio or VP8 video track.
func NewLocalTrack(kind webrtc.RTPCodecType, streamID string) (*LocalTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{track: track, kind: kind, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *LocalTrack) ID() string                { return t.track.ID() }
func (t *LocalTrack) Track() webrtc.TrackLocal  { return t.track }
func (t *LocalTrack) Enabled() bool             { return t.enabled.Load() }
func (t *LocalTrack) Stopped() bool             { return t.stopped.Load() }

// Done is closed once the track is stopped.
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// WriteSample forwards s to every bound peer connection. Samples written
// while the track is disabled are discarded.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *LocalTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.done)
	})
}

// LocalStream is the captured audio and video, either of which may be nil.
type LocalStream struct {
	ID    string
	Audio *LocalTrack
	Video *LocalTrack
}

func (s *LocalStream) Tracks() []*LocalTrack {
	var out []*LocalTrack
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// Stop stops every track.
func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDevices stands in for real capture hardware: it produces an
// audio track fed with Opus silence and a video track that carries no frames.
type SyntheticDevices struct {
	NoAudio bool
	NoVideo bool
}

func (d SyntheticDevices) GetUserMedia(ctx context.Context, _ Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.NoAudio && d.NoVideo {
		return nil, ErrNoDevice
	}

	stream := &LocalStream{ID: uuid.NewString()}
	if !d.NoAudio {
		t, err := NewLocalTrack(webrtc.RTPCodecTypeAudio, stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Audio = t
		go feedSilence(t)
	}
	if !d.NoVideo {
		t, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, stream.ID)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Video = t
	}
	return stream, nil
}

func feedSilence(t *LocalTrack) {
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: frame}); errors.Is(err, ErrTrackStopped) {
				return
			}
		}
	}
}
