package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"p2pcall/internal/config"
	"p2pcall/internal/ui"
	"p2pcall/pkg/webrtc/call"
)

const dialTimeout = 10 * time.Second

var (
	callOpts       config.Options
	flagID         string
	flagNoAudio    bool
	flagNoVideo    bool
	flagExitOnFail bool
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Join a room and negotiate a call with synthetic media",
	Long: `Join a room through the relay and negotiate a peer-to-peer call.
The client sends silent audio and an empty video track and prints
session events until interrupted.

Examples:
  p2pcall call --room abc123
  p2pcall call --room abc123 --signal-url wss://call.example.org/ws --codec msgpack`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd.Context())
	},
}

func runCall(ctx context.Context) error {
	cfg, logger, err := loadConfig(callOpts)
	if err != nil {
		return err
	}
	if cfg.Room == "" {
		return errors.New("room is required (--room or ROOM)")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	tr, err := call.Dial(dialCtx, cfg.SignalURL, cfg.Codec, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.SignalURL, err)
	}

	timeout := cfg.NegotiationTimeout
	if timeout == 0 {
		timeout = -1
	}
	sess, err := call.NewSession(call.Options{
		RoomID:             cfg.Room,
		ParticipantID:      flagID,
		Transport:          tr,
		NewPeer:            call.NewPionFactory(logger, nil),
		Media:              call.SyntheticDevices{NoAudio: flagNoAudio, NoVideo: flagNoVideo},
		ICEServers:         cfg.ICEServers,
		NegotiationTimeout: timeout,
		Logger:             logger,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer sess.Cleanup()

	ui.PrintInfof("%s joining %s as %s via %s (%s)", ui.IconRoom,
		ui.BoldStyle.Render(cfg.Room), ui.BoldStyle.Render(sess.ParticipantID()), cfg.SignalURL, tr.Codec().Name())

	if err := sess.Initialize(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			ui.PrintInfo("leaving")
			return nil
		case ev, ok := <-sess.Events():
			if !ok {
				return nil
			}
			ui.PrintEvent(ev)
			if ev.Type == call.EventRemoteStreamReady && ev.Remote != nil {
				for _, t := range ev.Remote.Tracks() {
					go drainTrack(t, logger)
				}
			}
			if flagExitOnFail && ev.Type == call.EventConnectionStateChanged && ev.State == call.StateFailed {
				return errors.New("call failed")
			}
		}
	}
}

// drainTrack reads RTP until the track ends so receive buffers never back up.
func drainTrack(t *webrtc.TrackRemote, logger zerolog.Logger) {
	var packets int
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			logger.Debug().Err(err).Str("track", t.ID()).Int("packets", packets).Msg("remote track ended")
			return
		}
		packets++
	}
}

func init() {
	rootCmd.AddCommand(callCmd)

	f := callCmd.Flags()
	f.StringVar(&callOpts.SignalURL, "signal-url", "", "Relay websocket URL (env SIGNAL_URL)")
	f.StringVarP(&callOpts.Room, "room", "r", "", "Room to join (env ROOM)")
	f.StringVar(&callOpts.Codec, "codec", "", "Signaling codec: json or msgpack (env CODEC)")
	f.StringVar(&callOpts.NegotiationTimeout, "negotiation-timeout", "", "Fail negotiation after this long, 0 disables (env NEGOTIATION_TIMEOUT)")
	f.StringVar(&flagID, "id", "", "Participant id (default random)")
	f.BoolVar(&flagNoAudio, "no-audio", false, "Do not send audio")
	f.BoolVar(&flagNoVideo, "no-video", false, "Do not send video")
	f.BoolVar(&flagExitOnFail, "exit-on-fail", false, "Exit with an error when the call fails")
	addICEFlags(callCmd, &callOpts)
}
