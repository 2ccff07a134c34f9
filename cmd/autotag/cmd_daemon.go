package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/autotag/internal/app"
	"github.com/yairfalse/autotag/internal/daemon"
)

var (
	daemonInterval    time.Duration
	daemonCron        string
	daemonMetricsAddr string
	daemonRunOnStart  bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run tagging passes on a schedule",
	Long: `Run autotag in daemon mode: a tagging pass every schedule.interval
(30 minutes by default) or on a cron expression.

Features:
- Overlapping runs are skipped, never queued
- Prometheus metrics on /metrics
- Health checks on /health, /-/healthy, /-/ready
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  autotag daemon                              # Run with config defaults
  autotag daemon --interval 15m               # Tag every 15 minutes
  autotag daemon --cron "0 * * * *"           # Tag at the top of every hour
  autotag daemon --metrics-addr :9090         # Serve metrics and health`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Run interval (default schedule.interval)")
	daemonCmd.Flags().StringVar(&daemonCron, "cron", "", "Cron expression, overrides the interval")
	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "Metrics and health listen address (default metrics.addr)")
	daemonCmd.Flags().BoolVar(&daemonRunOnStart, "run-on-start", true, "Run once immediately at startup")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if daemonInterval > 0 {
		cfg.Schedule.Interval = daemonInterval
	}
	if daemonCron != "" {
		cfg.Schedule.Cron = daemonCron
	}
	if daemonMetricsAddr != "" {
		cfg.Metrics.Addr = daemonMetricsAddr
	}
	if cfg.Metrics.Addr != "" {
		cfg.OTEL.Metrics.Prometheus = true
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	d, err := daemon.NewDaemon(daemon.Config{
		Interval:    cfg.Schedule.Interval,
		Cron:        cfg.Schedule.Cron,
		RunTimeout:  cfg.Engine.Timeout,
		MetricsAddr: cfg.Metrics.Addr,
		Metrics:     a.Telemetry.Handler(),
		RunOnStart:  daemonRunOnStart,
	}, a)
	if err != nil {
		return err
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}
