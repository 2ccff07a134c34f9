package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/autotag/storage"
)

var (
	reportRuns     int
	reportRevision int64
	reportOutcome  string
	reportOutput   string
)

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show run history from the ledger",
	Long: `Show what previous runs did, read from the run ledger (ledger.path).

Without flags the most recent runs are listed. --revision prints every
resource outcome recorded by one run; --outcome lists resources whose latest
outcome matches, such as resources that keep failing or stay unmatched.`,
	Example: `  autotag report                     # Last 10 runs
  autotag report --runs 50           # Last 50 runs
  autotag report --revision 42       # Resource outcomes of run revision 42
  autotag report --outcome failed    # Resources whose last attempt failed
  autotag report -o json             # JSON output`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().IntVarP(&reportRuns, "runs", "n", 10, "Number of recent runs to show, 0 for all")
	reportCmd.Flags().Int64VarP(&reportRevision, "revision", "r", 0, "Show resource outcomes of one run revision")
	reportCmd.Flags().StringVar(&reportOutcome, "outcome", "", "List resources by latest outcome: tagged, unmatched, skipped, failed, dry_run")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "table", "Output format: table, json")
}

func runReport(cmd *cobra.Command, args []string) error {
	if err := validateOutput(reportOutput); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Ledger.Path == "" {
		return fmt.Errorf("no ledger configured (set ledger.path)")
	}

	ledger, err := storage.NewMVCCStorage(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	return report(os.Stdout, ledger, reportOptions{
		runs:     reportRuns,
		revision: reportRevision,
		outcome:  reportOutcome,
		output:   reportOutput,
	})
}

type reportOptions struct {
	runs     int
	revision int64
	outcome  string
	output   string
}
