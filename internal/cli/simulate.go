package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/eventlog"
	"github.com/roach88/ndrt/internal/harness"
	"github.com/roach88/ndrt/internal/metrics"
	"github.com/roach88/ndrt/internal/sim"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Database string
	Metrics  bool
	Realtime bool
	Trace    bool
	Seed     int64
}

// SimulateResult is the JSON payload of simulate.
type SimulateResult struct {
	Scenario string             `json:"scenario"`
	Protocol string             `json:"protocol"`
	Realtime bool               `json:"realtime,omitempty"`
	Pass     bool               `json:"pass"`
	Errors   []string           `json:"errors,omitempty"`
	Events   int                `json:"events"`
	Drops    int                `json:"drops"`
	Network  sim.Stats          `json:"network"`
	RunID    string             `json:"run_id,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`

	Trace []harness.TraceEvent           `json:"trace,omitempty"`
	State map[string]map[string][]string `json:"state,omitempty"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario>",
		Short: "Run a scenario and check its expectations",
		Long: `Run a YAML or CUE scenario on the discrete-event simulator and check
its expectations.

With --realtime the scenario runs on a live cluster instead, one goroutine
per node against the wall clock. With --db every execution record is
stored in a SQLite event log for the trace command. With --metrics the
Prometheus counters are printed after the run.

Exit code is 1 when an expectation fails.

Examples:
  ndrt simulate scenarios/epidemic_line.yaml
  ndrt simulate --db ./ndrt.db --metrics scenarios/ring.cue
  ndrt simulate --realtime --format json scenarios/discovery.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record execution to this SQLite event log")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print Prometheus metrics after the run")
	cmd.Flags().BoolVar(&opts.Realtime, "realtime", false, "run on a live cluster against the wall clock")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print every dispatched event")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "override the scenario seed")

	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	s, err := harness.LoadScenario(path)
	if err != nil {
		_ = f.Error(ErrCodeInvalidScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load scenario", err)
	}
	if cmd.Flags().Changed("seed") {
		s.Seed = opts.Seed
	}
	plan, err := harness.Compile(s)
	if err != nil {
		_ = f.Error(ErrCodeInvalidScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "compile scenario", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var observers engine.Observers
	var collector *metrics.Collector
	if opts.Metrics {
		collector = metrics.New(nil)
		observers = append(observers, collector)
	}

	var writer *eventlog.Writer
	var runID string
	if opts.Database != "" {
		log, err := eventlog.Open(opts.Database)
		if err != nil {
			_ = f.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "open event log", err)
		}
		defer func() {
			if err := log.Close(); err != nil {
				slog.Error("error closing event log", "error", err)
			}
		}()
		runID, err = log.StartRun(ctx, eventlog.Run{Scenario: s.Name, Protocol: s.Protocol, Seed: s.Seed})
		if err != nil {
			_ = f.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "start run", err)
		}
		writer = log.NewWriter(runID)
		observers = append(observers, writer)
		f.VerboseLog("recording run %s to %s", runID, opts.Database)
	}

	runOpts := []harness.Option{harness.WithLogger(slog.Default())}
	if len(observers) > 0 {
		runOpts = append(runOpts, harness.WithObserver(observers))
	}

	var result *harness.Result
	if opts.Realtime {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		result, err = plan.RunRealtime(ctx, runOpts...)
	} else {
		result, err = plan.Run(runOpts...)
	}
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "run scenario", err)
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			_ = f.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "flush event log", err)
		}
		if written, failed := writer.Stats(); failed > 0 {
			slog.Warn("event log incomplete", "written", written, "failed", failed)
		}
	}

	out := SimulateResult{
		Scenario: s.Name,
		Protocol: s.Protocol,
		Realtime: opts.Realtime,
		Pass:     result.Pass,
		Errors:   result.Errors,
		Events:   len(result.Trace),
		Drops:    result.Drops,
		Network:  result.Network,
		RunID:    runID,
	}
	if opts.Trace {
		out.Trace = result.Trace
		out.State = result.State
	}
	if collector != nil {
		n := result.Network
		collector.SetNetwork(n.Sent, n.Delivered, n.Lost, n.Unroutable)
		if out.Metrics, err = collector.Totals(); err != nil {
			return WrapExitError(ExitCommandError, "gather metrics", err)
		}
	}

	if err := f.Success(out, func(w io.Writer) {
		writeSimulateText(w, out, collector)
	}); err != nil {
		return err
	}
	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", s.Name))
	}
	return nil
}

func writeSimulateText(w io.Writer, r SimulateResult, collector *metrics.Collector) {
	for _, ev := range r.Trace {
		fmt.Fprintln(w, ev.String())
	}
	status := "PASS"
	if !r.Pass {
		status = "FAIL"
	}
	mode := "simulated"
	if r.Realtime {
		mode = "realtime"
	}
	fmt.Fprintf(w, "%s %s (%s, %s): %d events, %d drops\n", status, r.Scenario, r.Protocol, mode, r.Events, r.Drops)
	fmt.Fprintf(w, "  network: sent=%d delivered=%d lost=%d unroutable=%d\n",
		r.Network.Sent, r.Network.Delivered, r.Network.Lost, r.Network.Unroutable)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
	if r.RunID != "" {
		fmt.Fprintf(w, "  run: %s\n", r.RunID)
	}
	if collector != nil {
		if err := collector.WriteText(w); err != nil {
			slog.Warn("write metrics", "error", err)
		}
	}
}
