package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/eventlog"
	"github.com/roach88/ndrt/internal/ir"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string
	Nodes    []string
	Kinds    []string
	Tags     []string
	Rule     string
	Reason   string
	FromSeq  uint64
	Limit    int
	Count    bool
}

// TraceEntry is one record in JSON output.
type TraceEntry struct {
	ID      int64     `json:"id"`
	Node    string    `json:"node"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Event   string    `json:"event,omitempty"`
	Tuple   string    `json:"tuple"`
	Rule    string    `json:"rule,omitempty"`
	Peer    string    `json:"peer,omitempty"`
	Outputs int       `json:"outputs,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// TraceResult is the JSON payload of trace.
type TraceResult struct {
	RunID    string       `json:"run_id"`
	Scenario string       `json:"scenario"`
	Protocol string       `json:"protocol"`
	Count    int          `json:"count"`
	Entries  []TraceEntry `json:"entries,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query a recorded run",
		Long: `Query the execution records of a run stored by simulate --db.

Records are dispatched events, rule firings, sends and drops, in the
order they were observed. Filters combine with AND; repeated flags
combine with OR. Without --run the latest run is shown.

Examples:
  ndrt trace --db ./ndrt.db
  ndrt trace --db ./ndrt.db --node 10.0.0.3 --kind dispatch
  ndrt trace --db ./ndrt.db --kind drop --reason VERIFY_FAILED --format json
  ndrt trace --db ./ndrt.db --tag advertise --count`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite event log (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id (default: latest run)")
	cmd.Flags().StringSliceVar(&opts.Nodes, "node", nil, "only records of these nodes")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "only these record kinds (dispatch|rule|send|drop)")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "only records whose tuple has one of these tags")
	cmd.Flags().StringVar(&opts.Rule, "rule", "", "only records of this rule")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "only drops with this reason")
	cmd.Flags().Uint64Var(&opts.FromSeq, "from-seq", 0, "only records with at least this sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")
	cmd.Flags().BoolVar(&opts.Count, "count", false, "print only the number of matching records")

	return cmd
}

// filter converts flags into an event log filter.
func (o *TraceOptions) filter(runID string) (eventlog.Filter, error) {
	f := eventlog.Filter{
		RunID:   runID,
		Tags:    o.Tags,
		Rule:    o.Rule,
		Reason:  engine.RuntimeErrorCode(o.Reason),
		FromSeq: o.FromSeq,
		Limit:   o.Limit,
	}
	for _, raw := range o.Nodes {
		a, err := ir.ParseAddress(raw)
		if err != nil {
			return eventlog.Filter{}, WrapExitError(ExitCommandError, "invalid --node", err)
		}
		f.Nodes = append(f.Nodes, a)
	}
	for _, raw := range o.Kinds {
		k, ok := engine.ParseRecordKind(raw)
		if !ok {
			return eventlog.Filter{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid --kind %q: want dispatch, rule, send or drop", raw))
		}
		f.Kinds = append(f.Kinds, k)
	}
	if o.Limit < 0 {
		return eventlog.Filter{}, NewExitError(ExitCommandError, "--limit must not be negative")
	}
	return f, nil
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := newFormatter(opts.RootOptions, cmd)

	log, err := eventlog.Open(opts.Database)
	if err != nil {
		_ = f.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open event log", err)
	}
	defer log.Close()

	run, err := findRun(cmd, log, opts.RunID)
	if err != nil {
		_ = f.Error(ErrCodeDatabase, err.Error(), nil)
		return err
	}
	filter, err := opts.filter(run.ID)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return err
	}

	result := TraceResult{RunID: run.ID, Scenario: run.Scenario, Protocol: run.Protocol}
	if opts.Count {
		if result.Count, err = log.Count(ctx, filter); err != nil {
			return WrapExitError(ExitCommandError, "count records", err)
		}
		return f.Success(result, func(w io.Writer) {
			fmt.Fprintln(w, result.Count)
		})
	}

	entries, err := log.Query(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "query records", err)
	}
	result.Count = len(entries)
	result.Entries = make([]TraceEntry, len(entries))
	for i, e := range entries {
		result.Entries[i] = toTraceEntry(e)
	}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "run %s: %s (%s), %d records\n", result.RunID, result.Scenario, result.Protocol, result.Count)
		for _, e := range entries {
			fmt.Fprintln(w, e.String())
		}
	})
}

func findRun(cmd *cobra.Command, log *eventlog.Log, id string) (eventlog.Run, error) {
	ctx := cmd.Context()
	if id == "" {
		run, ok, err := log.LatestRun(ctx)
		if err != nil {
			return eventlog.Run{}, WrapExitError(ExitCommandError, "find latest run", err)
		}
		if !ok {
			return eventlog.Run{}, NewExitError(ExitCommandError, "event log has no runs")
		}
		return run, nil
	}
	runs, err := log.Runs(ctx)
	if err != nil {
		return eventlog.Run{}, WrapExitError(ExitCommandError, "list runs", err)
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	return eventlog.Run{}, NewExitError(ExitCommandError, fmt.Sprintf("no run %s", id))
}

func toTraceEntry(e eventlog.Entry) TraceEntry {
	out := TraceEntry{
		ID:      e.ID,
		Node:    e.Node.String(),
		Seq:     e.Seq,
		At:      e.At,
		Kind:    e.Kind.String(),
		Tuple:   e.Event.Tuple.String(),
		Rule:    e.Rule,
		Outputs: e.Outputs,
		Reason:  string(e.Reason),
	}
	if e.Kind == engine.RecordSend {
		out.Peer = e.Peer.String()
	} else {
		out.Event = e.Event.Kind.String()
	}
	return out
}
