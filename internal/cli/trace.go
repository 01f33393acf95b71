package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/demandflow/internal/canonical"
	"github.com/roach88/demandflow/internal/store"
	"github.com/roach88/demandflow/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - defaults to the latest run
	Kind     string // optional - filter to one record kind
	Stage    string // optional - filter to one stage
	List     bool   // list runs instead of showing records
}

// RunInfo describes a recorded run.
type RunInfo struct {
	ID           string `json:"id"`
	Topology     string `json:"topology"`
	TopologyHash string `json:"topology_hash"`
	Stages       int    `json:"stages"`
	StartedAt    string `json:"started_at"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run     RunInfo        `json:"run"`
	Records []trace.Record `json:"records"`
	Stats   TraceStats     `json:"stats"`
}

// TraceStats holds summary statistics for the run.
type TraceStats struct {
	TotalRecords int            `json:"total_records"`
	ByKind       map[string]int `json:"by_kind"`
	Dropped      int            `json:"dropped"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a recorded run",
		Long: `Show the trace log of a run recorded with 'demandflow run --db'.

The output includes:
- Timeline: every protocol transition in seq order (subscribe, ask,
  events, cancel, terminate, drop, tick, exhausted)
- Stats: record counts per kind, and how many events were dropped

Without --run, the most recent run is shown.

Examples:
  demandflow trace --db ./runs.db --list
  demandflow trace --db ./runs.db
  demandflow trace --db ./runs.db --run 0190... --kind drop
  demandflow trace --db ./runs.db --stage limiter --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID to show (default: latest)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to one record kind")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "filter to records written by one stage")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list recorded runs")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	if opts.Kind != "" && !trace.Kind(opts.Kind).Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown record kind %q", opts.Kind))
	}

	// Open database
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.List {
		return listRuns(ctx, st, opts, cmd)
	}

	var run store.Run
	if opts.RunID != "" {
		run, err = st.ReadRun(ctx, opts.RunID)
	} else {
		run, err = st.LatestRun(ctx)
	}
	if errors.Is(err, store.ErrNotFound) {
		if opts.RunID == "" {
			return NewExitError(ExitCommandError, "no runs recorded")
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", opts.RunID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	records, err := st.ReadRecords(ctx, run.ID, store.RecordFilter{
		Kind:  trace.Kind(opts.Kind),
		Stage: opts.Stage,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read records", err)
	}

	counts, err := st.CountRecords(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count records", err)
	}

	result := TraceResult{
		Run:     runInfo(run),
		Records: records,
		Stats:   buildStats(counts, records),
	}

	// Output results
	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}

	return outputTraceText(cmd, result, opts.Verbose)
}

func listRuns(ctx context.Context, st *store.Store, opts *TraceOptions, cmd *cobra.Command) error {
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	infos := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		infos = append(infos, runInfo(r))
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd, infos)
	}

	w := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}
	for _, r := range infos {
		fmt.Fprintf(w, "%s  %-8s %s  %s\n", r.ID, r.Status, r.StartedAt, r.Topology)
	}
	return nil
}

func runInfo(r store.Run) RunInfo {
	return RunInfo{
		ID:           r.ID,
		Topology:     r.Topology,
		TopologyHash: r.TopologyHash,
		Stages:       r.Stages,
		StartedAt:    r.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Status:       string(r.Status),
		Error:        r.Error,
	}
}

// buildStats counts every record of the run by kind. Dropped sums the
// event counts of the drop records in view.
func buildStats(counts map[trace.Kind]int, records []trace.Record) TraceStats {
	stats := TraceStats{ByKind: make(map[string]int, len(counts))}
	for k, n := range counts {
		stats.ByKind[string(k)] = n
		stats.TotalRecords += n
	}
	for _, r := range records {
		if r.Kind == trace.KindDrop {
			stats.Dropped += r.Count
		}
	}
	return stats
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, data any) error {
	response := CLIResponse{
		Status: "ok",
		Data:   data,
	}
	if result, ok := data.(TraceResult); ok {
		response.RunID = result.Run.ID
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Trace for Run: %s\n", result.Run.ID)
	fmt.Fprintf(w, "Topology: %s (%s)\n", result.Run.Topology, truncateID(result.Run.TopologyHash))
	fmt.Fprintf(w, "Status: %s\n", result.Run.Status)
	if result.Run.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", result.Run.Error)
	}
	fmt.Fprintln(w)

	// Timeline section
	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Records) == 0 {
		fmt.Fprintln(w, "  (no records)")
	} else {
		for _, r := range result.Records {
			formatRecord(w, r, verbose)
		}
	}
	fmt.Fprintln(w)

	// Stats section
	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Records: %d\n", result.Stats.TotalRecords)
	kinds := make([]string, 0, len(result.Stats.ByKind))
	for k := range result.Stats.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-13s %d\n", k+":", result.Stats.ByKind[k])
	}
	fmt.Fprintf(w, "  Dropped:      %d\n", result.Stats.Dropped)

	return nil
}

// formatRecord formats a single record for text output.
func formatRecord(w io.Writer, r trace.Record, verbose bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "  [%d] %-9s %s", r.Seq, strings.ToUpper(string(r.Kind)), r.Stage)
	if r.Peer != "" {
		fmt.Fprintf(&b, " -> %s", r.Peer)
	}
	if r.Count != 0 {
		fmt.Fprintf(&b, " n=%d", r.Count)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, " (%s)", r.Reason)
	}
	fmt.Fprintln(w, b.String())

	if verbose && len(r.Events) > 0 {
		fmt.Fprintf(w, "       Events: %s\n", canonical.MarshalLenient(r.Events))
	}
	if verbose && r.SubscriptionID != 0 {
		fmt.Fprintf(w, "       Subscription: %d\n", r.SubscriptionID)
	}
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
