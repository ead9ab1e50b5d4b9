package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"p2pcall/pkg/webrtc/ice"
	"p2pcall/pkg/webrtc/protocol"
)

// Default configuration values.
const (
	DefaultAddr               = ":8080"
	DefaultRedisPrefix        = "p2pcall"
	DefaultSignalURL          = "ws://localhost:8080/ws"
	DefaultCodec              = "json"
	DefaultSendQueue          = 64
	DefaultReadLimit          = 64 * 1024
	DefaultNegotiationTimeout = 30 * time.Second
)

// DefaultEnvFiles are read, in order, when Options.EnvFiles is empty.
var DefaultEnvFiles = []string{".env", "../.env"}

// Config holds everything the relay and the headless client need.
type Config struct {
	// Relay
	Addr        string
	StaticDir   string
	RedisAddr   string
	RedisPrefix string
	PublicWSURL string
	SendQueue   int
	ReadLimit   int64

	// Client
	SignalURL string
	Room      string
	Codec     protocol.Codec
	// NegotiationTimeout of zero disables the timeout.
	NegotiationTimeout time.Duration

	ICEMode    string
	ICEServers []protocol.ICEServer

	LogLevel  string
	LogFormat string
}

// Options carries CLI flag values. Empty fields fall through to the
// environment, then to .env files, then to defaults.
type Options struct {
	Addr               string
	StaticDir          string
	RedisAddr          string
	RedisPrefix        string
	PublicWSURL        string
	SendQueue          string
	ReadLimit          string
	SignalURL          string
	Room               string
	Codec              string
	NegotiationTimeout string
	ICEMode            string
	STUNURLs           string
	TURNURLs           string
	TURNUsername       string
	TURNPassword       string
	LogLevel           string
	LogFormat          string

	EnvFiles []string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options)
// 2. Environment variables
// 3. .env files (never override variables that are already set)
// 4. Defaults
func Load(opts Options, logger zerolog.Logger) (*Config, error) {
	files := opts.EnvFiles
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	for _, p := range files {
		if err := LoadEnvFile(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", p).Msg("env load warning")
		}
	}

	cfg := &Config{
		Addr:        pick(opts.Addr, "ADDR", DefaultAddr),
		StaticDir:   pick(opts.StaticDir, "STATIC_DIR", ""),
		RedisAddr:   pick(opts.RedisAddr, "REDIS_ADDR", ""),
		RedisPrefix: pick(opts.RedisPrefix, "REDIS_PREFIX", DefaultRedisPrefix),
		PublicWSURL: pick(opts.PublicWSURL, "PUBLIC_WS_URL", ""),
		SignalURL:   pick(opts.SignalURL, "SIGNAL_URL", DefaultSignalURL),
		Room:        pick(opts.Room, "ROOM", ""),
		LogLevel:    pick(opts.LogLevel, "LOG_LEVEL", "info"),
		LogFormat:   pick(opts.LogFormat, "LOG_FORMAT", "console"),
	}

	var err error
	if cfg.SendQueue, err = positiveInt("SEND_QUEUE", pick(opts.SendQueue, "SEND_QUEUE", ""), DefaultSendQueue); err != nil {
		return nil, err
	}
	readLimit, err := positiveInt("READ_LIMIT", pick(opts.ReadLimit, "READ_LIMIT", ""), DefaultReadLimit)
	if err != nil {
		return nil, err
	}
	cfg.ReadLimit = int64(readLimit)

	if cfg.Codec, err = protocol.CodecByName(pick(opts.Codec, "CODEC", DefaultCodec)); err != nil {
		return nil, fmt.Errorf("CODEC: %w", err)
	}

	cfg.NegotiationTimeout = DefaultNegotiationTimeout
	if raw := pick(opts.NegotiationTimeout, "NEGOTIATION_TIMEOUT", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("NEGOTIATION_TIMEOUT: invalid duration %q", raw)
		}
		cfg.NegotiationTimeout = d
	}

	cfg.ICEMode, cfg.ICEServers = ice.Servers(ice.Settings{
		Mode:         pick(opts.ICEMode, "ICE_MODE", ""),
		STUNURLs:     pick(opts.STUNURLs, "STUN_URLS", ""),
		TURNURLs:     pick(opts.TURNURLs, "TURN_URLS", ""),
		TURNUsername: pick(opts.TURNUsername, "TURN_USERNAME", ""),
		TURNPassword: pick(opts.TURNPassword, "TURN_PASSWORD", ""),
	}, logger)

	return cfg, nil
}

// Log writes a one-line summary. Credentials are never logged.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("static_dir", c.StaticDir).
		Str("redis_addr", c.RedisAddr).
		Str("ice_mode", c.ICEMode).
		Int("ice_servers", len(c.ICEServers)).
		Bool("turn_configured", ice.TURNConfigured(c.ICEServers)).
		Msg("config")
}

func pick(flag, key, fallback string) string {
	if v := strings.TrimSpace(flag); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func positiveInt(key, raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid positive integer %q", key, raw)
	}
	return n, nil
}

// LoadEnvFile sets KEY=VALUE pairs from path for keys not already in the
// environment. Blank lines and # comments are skipped.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, val)
		}
	}
	return scanner.Err()
}
