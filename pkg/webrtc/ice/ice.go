package ice

import (
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"p2pcall/pkg/webrtc/protocol"
)

// Modes accepted for ICE_MODE.
const (
	ModeSTUNTURN = "stun-turn"
	ModeSTUNOnly = "stun-only"
	ModeTURNOnly = "turn-only"
)

// DefaultSTUN is used whenever no STUN URLs are configured.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Settings is the raw traversal configuration, usually read from
// STUN_URLS, TURN_URLS, TURN_USERNAME, TURN_PASSWORD and ICE_MODE.
type Settings struct {
	Mode         string
	STUNURLs     string
	TURNURLs     string
	TURNUsername string
	TURNPassword string
}

// Servers assembles the ICE server list. STUN defaults are always present
// unless the mode is turn-only; TURN is added only when URLs are given.
// Values are treated as opaque: only empty checks are performed.
func Servers(s Settings, logger zerolog.Logger) (mode string, servers []protocol.ICEServer) {
	mode = strings.TrimSpace(s.Mode)
	if mode == "" {
		mode = ModeSTUNTURN
	}

	turnOnly := strings.EqualFold(mode, ModeTURNOnly)
	stunOnly := strings.EqualFold(mode, ModeSTUNOnly)

	if !turnOnly {
		stunURLs := SplitAndClean(s.STUNURLs)
		if len(stunURLs) == 0 {
			stunURLs = append([]string(nil), DefaultSTUN...)
		}
		servers = append(servers, protocol.ICEServer{URLs: stunURLs})
	}

	if !stunOnly {
		turnURLs := SplitAndClean(s.TURNURLs)
		if len(turnURLs) > 0 {
			servers = append(servers, protocol.ICEServer{
				URLs:       turnURLs,
				Username:   strings.TrimSpace(s.TURNUsername),
				Credential: strings.TrimSpace(s.TURNPassword),
			})
		} else if !turnOnly {
			logger.Debug().Msg("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		logger.Warn().Msg("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, protocol.ICEServer{URLs: append([]string(nil), DefaultSTUN...)})
	}

	logger.Debug().Str("mode", mode).Int("servers", len(servers)).Msg("ICE servers loaded")
	return mode, servers
}

// TURNConfigured reports whether any server carries credentials.
func TURNConfigured(servers []protocol.ICEServer) bool {
	for _, s := range servers {
		if s.Username != "" || s.Credential != "" {
			return true
		}
	}
	return false
}

// ToPion converts the wire representation into pion's configuration type.
func ToPion(servers []protocol.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
		}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// SplitAndClean splits a comma-separated list and drops empty entries.
func SplitAndClean(csv string) []string {
	parts := strings.Split(csv, ",")
	var out []string
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
