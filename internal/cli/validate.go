package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ndrt/internal/harness"
)

// ValidationResult is the outcome for one scenario file.
type ValidationResult struct {
	Path     string `json:"path"`
	Valid    bool   `json:"valid"`
	Scenario string `json:"scenario,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Nodes    int    `json:"nodes,omitempty"`
	Steps    int    `json:"steps,omitempty"`
	Expect   int    `json:"expect,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario>...",
		Short: "Check scenarios without running them",
		Long: `Load and compile scenario files without running them.

Checks the file against the scenario schema, that every address names a
declared node, that every tuple fits its relation or event schema in the
chosen protocol, and that every expectation names a known relation or
event. Exit code is 1 when any file is invalid.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	results := make([]ValidationResult, 0, len(paths))
	invalid := 0
	for _, path := range paths {
		f.VerboseLog("validating %s", path)
		r := validateFile(path)
		if !r.Valid {
			invalid++
		}
		results = append(results, r)
	}

	if err := f.Success(results, func(w io.Writer) {
		for _, r := range results {
			if r.Valid {
				fmt.Fprintf(w, "ok   %s: %s (%s, %d nodes, %d steps, %d expectations)\n",
					r.Path, r.Scenario, r.Protocol, r.Nodes, r.Steps, r.Expect)
				continue
			}
			fmt.Fprintf(w, "FAIL %s: %s\n", r.Path, r.Error)
		}
	}); err != nil {
		return err
	}
	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios invalid", invalid, len(paths)))
	}
	return nil
}

func validateFile(path string) ValidationResult {
	r := ValidationResult{Path: path}
	s, err := harness.LoadScenario(path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	plan, err := harness.Compile(s)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Valid = true
	r.Scenario = s.Name
	r.Protocol = s.Protocol
	r.Nodes = len(plan.Nodes)
	r.Steps = len(plan.Steps)
	r.Expect = len(s.Expect)
	return r
}
