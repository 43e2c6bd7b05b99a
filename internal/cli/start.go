package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgdoorman/pgdoorman/internal/config"
	"github.com/pgdoorman/pgdoorman/internal/logging"
	"github.com/pgdoorman/pgdoorman/internal/supervisor"
)

const defaultConfigPath = "pg_doorman.toml"

var (
	logLevel string
	logFormat string
	noColor   bool
	daemon    bool
)

func init() {
	startCommand.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error)")
	startCommand.Flags().StringVarP(&logFormat, "log-format", "F", "text", "log format (text, json)")
	startCommand.Flags().BoolVarP(&noColor, "no-color", "n", false, "disable ANSI color in text logs")
	startCommand.Flags().BoolVarP(&daemon, "daemon", "d", false, "accepted for compatibility; the process always stays in the foreground")
	rootCommand.AddCommand(startCommand)
}

var startCommand = &cobra.Command{
	Use:   "start [CONFIG_FILE]",
	Short: "start the pooler",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStart,
}

func runStart(cmd *cobra.Command, args []string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" && !cmd.Flags().Changed("log-level") {
		logLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" && !cmd.Flags().Changed("log-format") {
		logFormat = v
	}
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	logging.Configure(logLevel, logging.Format(logFormat), noColor)
	log := logging.For("cli")

	if daemon {
		log.Warn().Msg("-d/--daemon is not supported by this build, running in the foreground")
	}

	configPath := defaultConfigPath
	if len(args) == 1 {
		configPath = args[0]
	}

	watcher, err := config.NewWatcher(configPath, nil)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		if err := watcher.WatchFile(stopWatch); err != nil {
			log.Warn().Err(err).Msg("config file watcher stopped")
		}
	}()

	// The supervisor owns SIGHUP/SIGTERM/SIGINT handling directly
	// (spec.md §4.I); this context only bounds the process lifetime.
	sup := supervisor.New(watcher, nil)
	if err := sup.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("pooler exited with error")
	}
	log.Info().Msg("pooler exited cleanly")
}
