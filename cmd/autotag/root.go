package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/autotag/internal/config"
)

var (
	version = "0.1.0"

	configPath string
	debug      bool
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "autotag",
		Short: "Tag cloud resources with the identity that created them",
		Long: `autotag - provenance-based resource auto-tagging

autotag finds resources that do not yet carry the marker tag, looks up the
CloudTrail event that created each one, and writes tags describing the
creator: the IAM user or role, the creation date, the creator's own tags and
any per-principal tags stored in SSM Parameter Store. The marker tag is
written last so the next run skips the resource.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(os.Stderr, logFormat, debug)
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`autotag {{.Version}} - provenance-based resource auto-tagging
`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "autotag.toml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console, json")
}

func setupLogging(out io.Writer, format string, debug bool) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	switch format {
	case "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	case "json":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format: %s (must be one of: console, json)", format)
	}
	return nil
}

// loadConfig reads the config file when present, overlays the environment and
// validates the result. A missing file is only an error when --config was
// given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return readConfig(configPath, cmd.Flags().Changed("config"), os.Getenv)
}

func readConfig(path string, explicit bool, getenv func(string) string) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	} else {
		cfg = config.Default()
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if !debug {
		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
		}
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}
