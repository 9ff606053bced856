package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/gm-eval/internal/replay"
)

type compareOptions struct {
	executions []string
	output     string
}

func newCompareCmd(st *cliState) *cobra.Command {
	var opts compareOptions

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Lay runs from several executions side by side, one row per fixture",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadCLIConfig(st)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(cmd, st, &opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.executions, "execution", nil, "execution names to compare (repeat or comma separate)")
	cmd.Flags().StringVar(&opts.output, "output", "table", "output format: table|json")

	_ = cmd.MarkFlagRequired("execution")

	return cmd
}

func runCompare(cmd *cobra.Command, st *cliState, opts *compareOptions) error {
	if st == nil || st.cfg == nil {
		return fmt.Errorf("compare: missing config (internal error)")
	}
	if len(opts.executions) < 2 {
		return errors.New("compare: need at least two --execution names")
	}

	s, provider, err := openCore(st)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	engine := replay.NewEngine(s, replay.NewLLMExecutor(provider), st.cfg.Replay)
	cmp, err := engine.CompareExecutions(cmd.Context(), opts.executions)
	if err != nil {
		return err
	}

	format, err := resolveOutputFormat(opts.output)
	if err != nil {
		return fmt.Errorf("compare: %w", err)
	}
	if format == outputJSON {
		return printJSON(cmd, cmp)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "fixture\t%s\n", strings.Join(cmp.Executions, "\t"))
	for _, row := range cmp.Rows {
		cells := make([]string, 0, len(cmp.Executions))
		for _, name := range cmp.Executions {
			run, ok := row.Cells[name]
			switch {
			case !ok:
				cells = append(cells, "-")
			case run.Error != "":
				cells = append(cells, "FAILED")
			default:
				cells = append(cells, fmt.Sprintf("%dms", run.DurationMs))
			}
		}
		fmt.Fprintf(out, "%s\t%s\n", row.TestCaseName, strings.Join(cells, "\t"))
	}
	return nil
}
