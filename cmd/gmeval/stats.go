package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/gm-eval/internal/evaluation"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

type statsOptions struct {
	scope      string
	gameID     string
	name       string
	agentID    string
	versionID  string
	passedOnly bool
	failedOnly bool
	output     string
}

func newStatsCmd(st *cliState) *cobra.Command {
	var opts statsOptions

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize scores for a filtered metric population",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadCLIConfig(st)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, st, &opts)
		},
	}

	cmd.Flags().StringVar(&opts.scope, "scope", "", "metric scope: message|run (default: both)")
	cmd.Flags().StringVar(&opts.gameID, "game", "", "filter by game id")
	cmd.Flags().StringVar(&opts.name, "name", "", "filter by metric name")
	cmd.Flags().StringVar(&opts.agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&opts.versionID, "version", "", "filter by instruction version id")
	cmd.Flags().BoolVar(&opts.passedOnly, "passed", false, "only passing scores")
	cmd.Flags().BoolVar(&opts.failedOnly, "failed", false, "only failing scores")
	cmd.Flags().StringVar(&opts.output, "output", "table", "output format: table|json")

	return cmd
}

func runStats(cmd *cobra.Command, st *cliState, opts *statsOptions) error {
	if st == nil || st.cfg == nil {
		return fmt.Errorf("stats: missing config (internal error)")
	}
	if opts.passedOnly && opts.failedOnly {
		return fmt.Errorf("stats: --passed and --failed are mutually exclusive")
	}

	filter := store.MetricFilter{
		Scope:     store.MetricScope(strings.TrimSpace(opts.scope)),
		GameID:    opts.gameID,
		Name:      opts.name,
		AgentID:   opts.agentID,
		VersionID: opts.versionID,
	}
	if opts.passedOnly {
		v := true
		filter.Passed = &v
	}
	if opts.failedOnly {
		v := false
		filter.Passed = &v
	}

	s, provider, err := openCore(st)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	agg := evaluation.New(s, defaultEvaluators(provider), st.cfg.Replay.ContextWindow, provider)
	stats, err := agg.ComputeStats(cmd.Context(), filter)
	if err != nil {
		return err
	}

	format, err := resolveOutputFormat(opts.output)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if format == outputJSON {
		return printJSON(cmd, stats)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "count: %d\n", stats.Count)
	if stats.Mean == nil {
		fmt.Fprintln(out, "mean: n/a (no metrics)")
		return nil
	}
	fmt.Fprintf(out, "mean: %.2f\n", *stats.Mean)
	fmt.Fprintf(out, "pass: %d, fail: %d (rate %.0f%%)\n", stats.PassCount, stats.FailCount, *stats.PassRate*100)
	fmt.Fprint(out, "histogram:")
	for _, n := range stats.Histogram {
		fmt.Fprintf(out, " %d", n)
	}
	fmt.Fprintln(out)
	return nil
}
