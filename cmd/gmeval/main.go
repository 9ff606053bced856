package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/gm-eval/internal/config"
	"github.com/stellarlinkco/gm-eval/internal/evaluator"
	"github.com/stellarlinkco/gm-eval/internal/llm"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

type cliState struct {
	configPath string
	cfg        *config.Config
}

var (
	osExit                 = os.Exit
	stderrWriter io.Writer = os.Stderr
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderrWriter, err)
		osExit(1)
	}
}

func newRootCmd() *cobra.Command {
	st := &cliState{configPath: config.DefaultPath}

	root := &cobra.Command{
		Use:           "gmeval",
		Short:         "Replay and score game master instruction versions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&st.configPath, "config", st.configPath, "path to config file")

	root.AddCommand(newRunCmd(st))
	root.AddCommand(newCompareCmd(st))
	root.AddCommand(newRelinkCmd(st))
	root.AddCommand(newStatsCmd(st))
	return root
}

func loadCLIConfig(st *cliState) error {
	cfg, err := loadConfig(st.configPath)
	if err != nil {
		return err
	}
	st.cfg = cfg
	return nil
}

func openCore(st *cliState) (store.Store, llm.Provider, error) {
	if st == nil || st.cfg == nil {
		return nil, nil, fmt.Errorf("gmeval: missing config (internal error)")
	}
	s, err := openStore(st.cfg)
	if err != nil {
		return nil, nil, err
	}
	provider, err := defaultProviderFromConfig(st.cfg)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, provider, nil
}

func defaultEvaluators(provider llm.Provider) *evaluator.Registry {
	reg := evaluator.NewRegistry()
	reg.Register(&evaluator.RelevanceTruthAndCompletenessEvaluator{Provider: provider})
	reg.Register(&evaluator.ToneEvaluator{Provider: provider})
	reg.Register(&evaluator.BrevityEvaluator{})
	return reg
}
