package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/gm-eval/internal/evaluation"
)

func newRelinkCmd(st *cliState) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "relink",
		Short: "Reattach orphaned metrics to their evaluators by declared metric name",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadCLIConfig(st)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelink(cmd, st, output)
		},
	}

	cmd.Flags().StringVar(&output, "output", "table", "output format: table|json")

	return cmd
}

func runRelink(cmd *cobra.Command, st *cliState, output string) error {
	if st == nil || st.cfg == nil {
		return fmt.Errorf("relink: missing config (internal error)")
	}

	s, provider, err := openCore(st)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	agg := evaluation.New(s, defaultEvaluators(provider), st.cfg.Replay.ContextWindow, provider)
	if _, err := agg.RegisterEvaluators(cmd.Context()); err != nil {
		return err
	}
	report, err := agg.RelinkOrphanedMetrics(cmd.Context())
	if err != nil {
		return err
	}

	format, err := resolveOutputFormat(output)
	if err != nil {
		return fmt.Errorf("relink: %w", err)
	}
	if format == outputJSON {
		return printJSON(cmd, report)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scanned %d orphaned metric(s), linked %d\n", report.Scanned, report.Linked)
	for _, name := range report.Unmatched {
		fmt.Fprintf(out, "  unmatched: %s\n", name)
	}
	return nil
}
