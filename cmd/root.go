package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"p2pcall/internal/config"
	"p2pcall/internal/logging"
	"p2pcall/internal/ui"
)

var (
	flagLogLevel  string
	flagLogFormat string
	flagEnvFiles  []string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "p2pcall",
	Short: "Peer-to-peer audio/video calls with a minimal signaling relay",
	Long: `p2pcall runs the signaling relay that lets two participants in a room
exchange offers, answers and ICE candidates, and a headless client that
negotiates a call against it. Media flows directly between peers.`,
}

// Execute runs the root command. Interrupts cancel the command context so
// servers and sessions can shut down cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: console or json (env LOG_FORMAT)")
	rootCmd.PersistentFlags().StringSliceVar(&flagEnvFiles, "env-file", nil, "Env files to read before the environment defaults")
}

// loadConfig resolves configuration for a subcommand and installs the
// resulting logger globally.
func loadConfig(opts config.Options) (*config.Config, zerolog.Logger, error) {
	opts.LogLevel = flagLogLevel
	opts.LogFormat = flagLogFormat
	opts.EnvFiles = flagEnvFiles

	boot := logging.New(os.Stderr, firstNonEmpty(flagLogLevel, os.Getenv("LOG_LEVEL")), firstNonEmpty(flagLogFormat, os.Getenv("LOG_FORMAT")))
	cfg, err := config.Load(opts, boot)
	if err != nil {
		return nil, boot, err
	}
	return cfg, logging.Init(cfg.LogLevel, cfg.LogFormat), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
