// Package daemon runs tagging runs on a schedule and serves health and
// metrics endpoints while it does.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	robcron "github.com/robfig/cron/v3"

	"github.com/yairfalse/autotag/internal/telemetry"
	"github.com/yairfalse/autotag/orchestrator"
)

// Runner performs one tagging run.
type Runner interface {
	Run(ctx context.Context) (*orchestrator.RunResult, error)
}

// Config holds daemon configuration
type Config struct {
	Interval    time.Duration // used when Cron is empty
	Cron        string        // standard cron expression or descriptor
	RunTimeout  time.Duration // per-run deadline, 0 for none
	MetricsAddr string        // empty disables the HTTP listener
	Metrics     http.Handler  // served on /metrics when set
	RunOnStart  bool
}

// Daemon manages scheduled tagging runs
type Daemon struct {
	cfg      Config
	schedule string
	runner   Runner
	metrics  *DaemonMetrics
	cron     *robcron.Cron
	entry    robcron.EntryID
	logger   *telemetry.Logger
	now      func() time.Time
	signals  []os.Signal
	listener net.Listener

	startTime time.Time
	running   atomic.Bool
	runCount  atomic.Int64
	skipCount atomic.Int64

	mu   sync.RWMutex
	last *LastRun
}

// LastRun summarizes the most recent finished run.
type LastRun struct {
	RunID    string         `json:"run_id,omitempty"`
	Finished time.Time      `json:"finished"`
	Duration string         `json:"duration"`
	Counts   map[string]int `json:"counts,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status  string    `json:"status"`
	Uptime  int64     `json:"uptime_seconds"`
	Runs    int64     `json:"runs"`
	Skipped int64     `json:"skipped"`
	Running bool      `json:"running"`
	NextRun time.Time `json:"next_run,omitempty"`
	LastRun *LastRun  `json:"last_run,omitempty"`
}

// NewDaemon creates a new daemon instance
func NewDaemon(cfg Config, runner Runner) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("create daemon: runner is required")
	}

	schedule := cfg.Cron
	if schedule == "" {
		if cfg.Interval <= 0 {
			return nil, fmt.Errorf("create daemon: interval must be positive (got %s)", cfg.Interval)
		}
		schedule = "@every " + cfg.Interval.String()
	}
	if _, err := robcron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("create daemon metrics: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		schedule:  schedule,
		runner:    runner,
		metrics:   metrics,
		logger:    telemetry.NewLogger("daemon"),
		now:       time.Now,
		signals:   []os.Signal{os.Interrupt, syscall.SIGTERM},
		startTime: time.Now(),
	}
	d.cron = robcron.New(robcron.WithLogger(cronLogger{d.logger}))

	return d, nil
}

// Start schedules runs and blocks until ctx ends or a termination signal
// arrives. A clean shutdown returns nil.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry, err := d.cron.AddFunc(d.schedule, func() { d.execute(ctx, "schedule") })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", d.schedule, err)
	}
	d.entry = entry

	var g run.Group

	// Scheduler
	g.Add(func() error {
		d.cron.Start()
		d.logger.Info().
			Str("schedule", d.schedule).
			Time("next_run", d.cron.Entry(d.entry).Next).
			Msg("daemon started")
		if d.cfg.RunOnStart {
			d.execute(ctx, "start")
		}
		<-ctx.Done()
		// wait for an in-flight run to observe the cancellation
		<-d.cron.Stop().Done()
		return nil
	}, func(error) {
		cancel()
	})

	// Health and metrics
	if d.cfg.MetricsAddr != "" || d.listener != nil {
		ln := d.listener
		if ln == nil {
			ln, err = net.Listen("tcp", d.cfg.MetricsAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", d.cfg.MetricsAddr, err)
			}
		}
		srv := &http.Server{
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("serving health and metrics")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	// Signals
	g.Add(run.SignalHandler(ctx, d.signals...))

	err = g.Run()

	var sigErr run.SignalError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		err = nil
	case errors.As(err, &sigErr):
		d.logger.Info().Str("signal", sigErr.Signal.String()).Msg("received signal, shutting down")
		err = nil
	}

	d.logger.Info().
		Int64("runs", d.runCount.Load()).
		Int64("skipped", d.skipCount.Load()).
		Msg("daemon stopped")
	return err
}

// Trigger performs a run immediately unless one is already in progress. It
// reports whether a run was started.
func (d *Daemon) Trigger(ctx context.Context) bool {
	return d.execute(ctx, "manual")
}

func (d *Daemon) execute(ctx context.Context, trigger string) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.skipCount.Add(1)
		d.metrics.RecordSkipped(ctx, trigger)
		d.logger.Warn().Str("trigger", trigger).Msg("previous run still in progress, skipping")
		return false
	}
	defer d.running.Store(false)

	runCtx := ctx
	if d.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.RunTimeout)
		defer cancel()
	}

	start := d.now()
	result, err := d.runner.Run(runCtx)
	finished := d.now()

	d.runCount.Add(1)

	last := &LastRun{
		Finished: finished,
		Duration: finished.Sub(start).String(),
	}
	status := "success"
	if result != nil {
		last.RunID = result.RunID
		last.Counts = make(map[string]int, len(result.Counts))
		for outcome, n := range result.Counts {
			last.Counts[string(outcome)] = n
		}
	}
	if err != nil {
		status = "failed"
		last.Error = err.Error()
		d.logger.Error().Err(err).Str("trigger", trigger).Msg("scheduled run failed")
	}
	d.metrics.RecordScheduledRun(context.WithoutCancel(ctx), trigger, status, finished.Sub(start))

	d.mu.Lock()
	d.last = last
	d.mu.Unlock()
	return true
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	last := d.last
	d.mu.RUnlock()

	status := "healthy"
	if last != nil && last.Error != "" {
		status = "degraded"
	}

	h := HealthStatus{
		Status:  status,
		Uptime:  int64(d.now().Sub(d.startTime).Seconds()),
		Runs:    d.runCount.Load(),
		Skipped: d.skipCount.Load(),
		Running: d.running.Load(),
		LastRun: last,
	}
	if d.entry != 0 {
		h.NextRun = d.cron.Entry(d.entry).Next
	}
	return h
}

// RunCount returns total runs performed
func (d *Daemon) RunCount() int64 {
	return d.runCount.Load()
}

// SkippedCount returns runs skipped because another was in progress
func (d *Daemon) SkippedCount() int64 {
	return d.skipCount.Load()
}

// Handler serves /health, /-/healthy, /-/ready and, when configured, /metrics.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})
	if d.cfg.Metrics != nil {
		mux.Handle("/metrics", d.cfg.Metrics)
	}
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Health()); err != nil {
		d.logger.Error().Err(err).Msg("encode health")
	}
}

// cronLogger routes scheduler logs through zerolog.
type cronLogger struct {
	logger *telemetry.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
