package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yairfalse/autotag/orchestrator"
	"github.com/yairfalse/autotag/pkg/resource"
	"github.com/yairfalse/autotag/storage"
)

var validOutputs = []string{"table", "json"}

func validateOutput(output string) error {
	for _, o := range validOutputs {
		if o == output {
			return nil
		}
	}
	return fmt.Errorf("invalid output format: %s (must be one of: %s)", output, strings.Join(validOutputs, ", "))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRun prints a run result: one line per mapping entry, then the
// resources that were not tagged, then the totals.
func printRun(w io.Writer, output string, result *orchestrator.RunResult) error {
	if output == "json" {
		return writeJSON(w, result)
	}

	mode := ""
	if result.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Run %s%s\n\n", result.RunID, mode)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tRESOURCE TYPE\tSCOPE\tDISCOVERED\tEVENTS\tSTATUS")
	for _, e := range result.Entries {
		status := "ok"
		switch {
		case e.Error != "":
			status = "error: " + e.Error
		case e.Skipped:
			status = "excluded"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			e.EventName, e.ResourceType, e.Scope, e.Discovered, e.Events, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var notTagged []orchestrator.ResourceOutcome
	for _, e := range result.Entries {
		for _, r := range e.Resources {
			if r.Outcome != orchestrator.OutcomeTagged {
				notTagged = append(notTagged, r)
			}
		}
	}
	if len(notTagged) > 0 {
		fmt.Fprintf(w, "\nNot tagged:\n")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ARN\tOUTCOME\tDETAIL")
		for _, r := range notTagged {
			detail := r.Error
			if detail == "" {
				detail = r.Reason
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ARN, r.Outcome, detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\nSummary:\n")
	fmt.Fprintf(w, "   Discovered: %d\n", result.Discovered())
	fmt.Fprintf(w, "   Outcomes: %s\n", formatCounts(outcomeCounts(result.Counts)))
	fmt.Fprintf(w, "   Duration: %s\n", result.Duration.Round(time.Millisecond))
	for _, e := range result.Errors {
		fmt.Fprintf(w, "   Error: %s\n", e)
	}
	return nil
}

func outcomeCounts(in map[orchestrator.Outcome]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

// formatCounts renders counts as "k=v" pairs sorted by key.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func printMappings(w io.Writer, output string, entries []resource.Mapping) error {
	if output == "json" {
		return writeJSON(w, struct {
			Mapping []resource.Mapping `json:"Mapping"`
		}{entries})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT NAME\tEVENT SOURCE\tRESOURCE TYPE\tGLOBAL")
	for _, m := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", m.ID, m.EventName, m.EventSource, m.ResourceType, m.Global)
	}
	return tw.Flush()
}

func report(w io.Writer, ledger storage.RunReader, opts reportOptions) error {
	switch {
	case opts.revision > 0:
		outcomes, err := ledger.OutcomesAt(opts.revision)
		if err != nil {
			return fmt.Errorf("read revision %d: %w", opts.revision, err)
		}
		return printOutcomes(w, opts.output, outcomes)
	case opts.outcome != "":
		states, err := ledger.GetResourcesByOutcome(opts.outcome)
		if err != nil {
			return fmt.Errorf("read %s resources: %w", opts.outcome, err)
		}
		return printStates(w, opts.output, states)
	default:
		runs, err := ledger.RecentRuns(opts.runs)
		if err != nil {
			return fmt.Errorf("read recent runs: %w", err)
		}
		return printRuns(w, opts.output, runs)
	}
}

func printRuns(w io.Writer, output string, runs []storage.RunRecord) error {
	if output == "json" {
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REV\tRUN ID\tSTARTED\tDURATION\tSTATUS\tOUTCOMES")
	for _, r := range runs {
		status := r.Status
		if r.DryRun {
			status += " (dry run)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Revision, r.RunID, r.StartedAt.UTC().Format(time.RFC3339),
			r.Duration().Round(time.Millisecond), status, formatCounts(r.Counts))
	}
	return tw.Flush()
}

func printOutcomes(w io.Writer, output string, outcomes []storage.OutcomeRecord) error {
	if output == "json" {
		return writeJSON(w, outcomes)
	}
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "No outcomes recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARN\tTYPE\tEVENT\tOUTCOME\tDETAIL")
	for _, o := range outcomes {
		detail := o.Error
		if detail == "" {
			detail = fmt.Sprintf("%d tags", len(o.Tags))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.ARN, o.ResourceType, o.EventName, o.Outcome, detail)
	}
	return tw.Flush()
}

func printStates(w io.Writer, output string, states []*storage.ResourceState) error {
	if output == "json" {
		return writeJSON(w, states)
	}
	if len(states) == 0 {
		fmt.Fprintln(w, "No matching resources")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARN\tTYPE\tLAST OUTCOME\tATTEMPTS\tLAST RUN")
	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ARN, s.Type, s.LastOutcome, s.Attempts, s.LastRunID)
	}
	return tw.Flush()
}
