package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"p2pcall/internal/app/httpapi"
	"p2pcall/internal/app/rooms"
	"p2pcall/internal/config"
	"p2pcall/internal/metrics"
	"p2pcall/pkg/presence"
	"p2pcall/pkg/webrtc/signaling"
)

const shutdownTimeout = 5 * time.Second

var serveOpts config.Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay and its HTTP API.

Examples:
  p2pcall serve
  p2pcall serve --addr :9000 --static ./web/dist
  p2pcall serve --redis localhost:6379`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig(serveOpts)
	if err != nil {
		return err
	}
	cfg.Log(logger)

	var store presence.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}

		rs := presence.NewRedisStore(rdb, cfg.RedisPrefix)
		if err := rs.Reset(pingCtx); err != nil {
			logger.Warn().Err(err).Msg("redis reset presence")
		}
		store = rs
	}

	m := metrics.New()
	hub := signaling.NewHub(rooms.NewRegistry(), signaling.HubOptions{
		Logger:    logger,
		Presence:  store,
		Metrics:   m,
		SendQueue: cfg.SendQueue,
		ReadLimit: cfg.ReadLimit,
	})
	defer hub.Close()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Relay: hub,
			Settings: httpapi.Settings{
				ICEMode:     cfg.ICEMode,
				ICEServers:  cfg.ICEServers,
				PublicWSURL: cfg.PublicWSURL,
			},
			Metrics:   m,
			Presence:  store,
			StaticDir: cfg.StaticDir,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("static_dir", cfg.StaticDir).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&serveOpts.Addr, "addr", "", "Listen address (env ADDR, default :8080)")
	f.StringVar(&serveOpts.StaticDir, "static", "", "Directory of a single-page app to serve (env STATIC_DIR)")
	f.StringVar(&serveOpts.RedisAddr, "redis", "", "Redis address for the presence mirror (env REDIS_ADDR)")
	f.StringVar(&serveOpts.RedisPrefix, "redis-prefix", "", "Redis key prefix (env REDIS_PREFIX)")
	f.StringVar(&serveOpts.PublicWSURL, "public-ws-url", "", "Websocket URL advertised to browsers (env PUBLIC_WS_URL)")
	f.StringVar(&serveOpts.SendQueue, "send-queue", "", "Per-connection send queue length (env SEND_QUEUE)")
	f.StringVar(&serveOpts.ReadLimit, "read-limit", "", "Maximum inbound frame size in bytes (env READ_LIMIT)")
	addICEFlags(serveCmd, &serveOpts)
}

func addICEFlags(c *cobra.Command, opts *config.Options) {
	f := c.Flags()
	f.StringVar(&opts.ICEMode, "ice-mode", "", "stun-turn, stun-only or turn-only (env ICE_MODE)")
	f.StringVar(&opts.STUNURLs, "stun", "", "Comma separated STUN URLs (env STUN_URLS)")
	f.StringVar(&opts.TURNURLs, "turn", "", "Comma separated TURN URLs (env TURN_URLS)")
	f.StringVar(&opts.TURNUsername, "turn-user", "", "TURN username (env TURN_USERNAME)")
	f.StringVar(&opts.TURNPassword, "turn-pass", "", "TURN password (env TURN_PASSWORD)")
}
