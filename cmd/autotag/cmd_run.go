package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/autotag/internal/app"
)

var (
	runDryRun  bool
	runTimeout time.Duration
	runOutput  string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one tagging pass and exit",
	Long: `Run one tagging pass over every mapping entry:

1. Load the event-to-resource-type mapping
2. Discover resources of each type that lack the marker tag
3. Look up the creation events and attribute each resource to one
4. Derive tags from the creating identity and write them, marker last

The command exits non-zero when the mapping cannot be loaded or the run is
interrupted. Per-resource failures are reported and retried next run.`,
	Example: `  autotag run                       # Tag using autotag.toml
  autotag run --dry-run             # Derive tags without writing them
  autotag run --timeout 10m         # Bound the whole run
  autotag run --output json         # Print the run result as JSON`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Derive tags without writing them")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Run deadline (default engine.timeout)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "table", "Output format: table, json")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := validateOutput(runOutput); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runDryRun {
		cfg.Engine.DryRun = true
	}
	if runTimeout > 0 {
		cfg.Engine.Timeout = runTimeout
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	runCtx, cancel := context.WithTimeout(ctx, cfg.Engine.Timeout)
	defer cancel()

	result, runErr := a.Run(runCtx)
	if result != nil {
		if err := printRun(os.Stdout, runOutput, result); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}
