package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/gm-eval/internal/evaluation"
	"github.com/stellarlinkco/gm-eval/internal/replay"
)

type runOptions struct {
	executionName string
	agentID       string
	versionID     string
	testCaseIDs   []string
	score         bool
	output        string
}

func newRunCmd(st *cliState) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay fixtures against an agent instruction version",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadCLIConfig(st)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, st, &opts)
		},
	}

	cmd.Flags().StringVar(&opts.executionName, "execution", "", "execution name recorded on every run")
	cmd.Flags().StringVar(&opts.agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&opts.versionID, "version", "", "instruction version id (default: latest active)")
	cmd.Flags().StringSliceVar(&opts.testCaseIDs, "testcase", nil, "fixture ids to replay (default: all active)")
	cmd.Flags().BoolVar(&opts.score, "score", false, "score each finished run with the registered evaluators")
	cmd.Flags().StringVar(&opts.output, "output", "table", "output format: table|json")

	_ = cmd.MarkFlagRequired("execution")
	_ = cmd.MarkFlagRequired("agent")

	return cmd
}

func runRun(cmd *cobra.Command, st *cliState, opts *runOptions) error {
	if st == nil || st.cfg == nil {
		return fmt.Errorf("run: missing config (internal error)")
	}
	executionName := strings.TrimSpace(opts.executionName)
	agentID := strings.TrimSpace(opts.agentID)
	if executionName == "" || agentID == "" {
		return errors.New("run: missing --execution/--agent")
	}

	s, provider, err := openCore(st)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	ids := opts.testCaseIDs
	if len(ids) == 0 {
		cases, err := s.ListTestCases(ctx, true)
		if err != nil {
			return err
		}
		for _, tc := range cases {
			ids = append(ids, tc.ID)
		}
	}
	if len(ids) == 0 {
		return errors.New("run: no active fixtures to replay")
	}

	items := make([]replay.BatchItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, replay.BatchItem{
			TestCaseID: strings.TrimSpace(id),
			AgentID:    agentID,
			VersionID:  strings.TrimSpace(opts.versionID),
		})
	}

	engine := replay.NewEngine(s, replay.NewLLMExecutor(provider), st.cfg.Replay)
	results, err := engine.ExecuteBatch(ctx, executionName, items)
	if err != nil {
		return err
	}

	if opts.score {
		evals := defaultEvaluators(provider)
		agg := evaluation.New(s, evals, st.cfg.Replay.ContextWindow, provider)
		if _, err := agg.RegisterEvaluators(ctx); err != nil {
			return err
		}
		for _, r := range results {
			if r.Err != nil || r.Run == nil {
				continue
			}
			if _, err := agg.ScoreRun(ctx, r.Run.ID); err != nil {
				fmt.Fprintf(stderrWriter, "score run %s: %v\n", r.Run.ID, err)
			}
		}
	}

	return printRunResults(cmd, opts.output, executionName, results)
}

func printRunResults(cmd *cobra.Command, output, executionName string, results []replay.BatchResult) error {
	format, err := resolveOutputFormat(output)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if format == outputJSON {
		return printJSON(cmd, map[string]any{
			"execution_name": executionName,
			"results":        results,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "execution %s: %d item(s)\n", executionName, len(results))
	for _, r := range results {
		switch {
		case r.Err != nil && errors.Is(r.Err, replay.ErrReplay):
			fmt.Fprintf(out, "  %s  FAILED  %s\n", r.Item.TestCaseID, r.Run.Error)
		case r.Err != nil:
			fmt.Fprintf(out, "  %s  ERROR   %v\n", r.Item.TestCaseID, r.Err)
		default:
			fmt.Fprintf(out, "  %s  ok      %dms\n", r.Item.TestCaseID, r.Run.DurationMs)
		}
	}
	return nil
}
