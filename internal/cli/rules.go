package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ndrt/internal/harness"
)

// RulesResult is the JSON payload of rules.
type RulesResult struct {
	Protocol  string   `json:"protocol"`
	Relations []string `json:"relations"`
	Events    []string `json:"events"`
	Rules     []string `json:"rules"`
	Listing   string   `json:"listing"`
}

// NewRulesCommand creates the rules command.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules [protocol]",
		Short: "Print a protocol's rule table",
		Long: `Build a protocol's rule table, run its static checks, and print its
relations, events, periodic triggers and rules.

Without an argument, lists the known protocols.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return listProtocols(rootOpts, cmd)
			}
			return runRules(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func listProtocols(opts *RootOptions, cmd *cobra.Command) error {
	names := harness.ProtocolNames()
	return newFormatter(opts, cmd).Success(names, func(w io.Writer) {
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
	})
}

func runRules(opts *RootOptions, protocol string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	if _, ok := harness.Protocols[protocol]; !ok {
		msg := fmt.Sprintf("unknown protocol %q (known: %s)", protocol, strings.Join(harness.ProtocolNames(), ", "))
		_ = f.Error(ErrCodeUnknownProtocol, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	table, err := harness.BuildTable(protocol)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "build rule table", err)
	}

	var listing strings.Builder
	if err := table.Render(&listing); err != nil {
		return WrapExitError(ExitCommandError, "render rule table", err)
	}
	out := RulesResult{
		Protocol: table.Name(),
		Rules:    table.RuleNames(),
		Listing:  listing.String(),
	}
	for _, s := range table.Relations() {
		out.Relations = append(out.Relations, s.Name)
	}
	for _, s := range table.Events() {
		out.Events = append(out.Events, s.Name)
	}
	return f.Success(out, func(w io.Writer) {
		io.WriteString(w, out.Listing)
	})
}
