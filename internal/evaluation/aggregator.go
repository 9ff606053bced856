// Package evaluation records and aggregates metric scores: it runs the
// registered evaluators over messages and replay runs, keeps metrics tied to
// the evaluator that produced them, and answers stats and listing queries.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/gm-eval/internal/evaluator"
	"github.com/stellarlinkco/gm-eval/internal/llm"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

// Store is the persistence surface the aggregator needs. Scoring walks the
// conversation and replay tables; recording only touches the metric tables.
type Store interface {
	store.ConversationStore
	store.RegistryStore
	store.ReplayStore
	store.MetricStore
}

// Aggregator scores responses and aggregates the resulting metrics.
type Aggregator struct {
	st            Store
	evaluators    *evaluator.Registry
	contextWindow int
	judge         llm.ModelDescriptor
}

// New creates an Aggregator. judge identifies the model behind the LLM-backed
// evaluators and is recorded with every metric for audit.
func New(st Store, evaluators *evaluator.Registry, contextWindow int, judge llm.Provider) *Aggregator {
	a := &Aggregator{st: st, evaluators: evaluators, contextWindow: contextWindow}
	if a.contextWindow <= 0 {
		a.contextWindow = 20
	}
	if judge != nil {
		if d, ok := judge.(llm.Describable); ok {
			a.judge = d.Describe()
		} else {
			a.judge = llm.ModelDescriptor{Provider: judge.Name()}
		}
	}
	return a
}

// RegistrationOutcome reports the result of registering one evaluator.
type RegistrationOutcome struct {
	Name    string
	ID      string
	Created bool // false = already registered, description refreshed
}

// RegisterEvaluators upserts every evaluator from the registry into the
// store. Re-running is idempotent: existing rows keep their id and only the
// description is refreshed.
func (a *Aggregator) RegisterEvaluators(ctx context.Context) ([]RegistrationOutcome, error) {
	if a == nil || a.st == nil {
		return nil, errors.New("evaluation: nil aggregator")
	}
	if a.evaluators == nil {
		return nil, errors.New("evaluation: nil evaluator registry")
	}

	all := a.evaluators.All()
	outcomes := make([]RegistrationOutcome, 0, len(all))
	for _, e := range all {
		desc := "emits metrics: " + strings.Join(e.MetricNames(), ", ")
		rec, created, err := a.st.UpsertEvaluator(ctx, e.Name(), desc)
		if err != nil {
			return outcomes, fmt.Errorf("evaluation: register %s: %w", e.Name(), err)
		}
		outcomes = append(outcomes, RegistrationOutcome{Name: rec.Name, ID: rec.ID, Created: created})
	}
	return outcomes, nil
}

// ScoreRun evaluates a replay run's response with every registered evaluator
// and records one run-scoped metric per score. Failed runs carry no response
// and are not scorable.
func (a *Aggregator) ScoreRun(ctx context.Context, runID string) ([]*store.MetricRecord, error) {
	if a == nil || a.st == nil {
		return nil, errors.New("evaluation: nil aggregator")
	}

	run, err := a.st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Error != "" || strings.TrimSpace(run.Response) == "" {
		return nil, fmt.Errorf("evaluation: run %q has no response to score", runID)
	}

	tc, err := a.st.GetTestCase(ctx, run.TestCaseID)
	if err != nil {
		return nil, err
	}
	msg, err := a.st.GetMessage(ctx, tc.MessageID)
	if err != nil {
		return nil, err
	}
	version, err := a.st.GetVersion(ctx, run.InstructionVersionID)
	if err != nil {
		return nil, err
	}
	contextTurns, err := a.contextBefore(ctx, msg)
	if err != nil {
		return nil, err
	}

	in := evaluator.Input{
		Instructions: version.Instructions,
		Context:      contextTurns,
		PlayerInput:  msg.Text,
		Output:       run.Response,
	}
	return a.score(ctx, in, store.ScopeRun, 0, run.ID)
}

// ScoreMessage evaluates an agent-authored live message in place. The turn
// being answered is the nearest preceding player message.
func (a *Aggregator) ScoreMessage(ctx context.Context, messageID int64) ([]*store.MetricRecord, error) {
	if a == nil || a.st == nil {
		return nil, errors.New("evaluation: nil aggregator")
	}

	msg, err := a.st.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsPlayer {
		return nil, fmt.Errorf("evaluation: message %d is player-authored", messageID)
	}
	if msg.IsScripted {
		return nil, fmt.Errorf("evaluation: message %d is scripted", messageID)
	}

	var instructions string
	if msg.InstructionVersionID != "" {
		version, err := a.st.GetVersion(ctx, msg.InstructionVersionID)
		if err != nil {
			return nil, err
		}
		instructions = version.Instructions
	}

	window, err := a.windowBefore(ctx, msg)
	if err != nil {
		return nil, err
	}
	var playerInput string
	contextTurns := make([]string, 0, len(window))
	for _, m := range window {
		contextTurns = append(contextTurns, formatTurn(m))
	}
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].IsPlayer {
			playerInput = window[i].Text
			break
		}
	}

	in := evaluator.Input{
		Instructions: instructions,
		Context:      contextTurns,
		PlayerInput:  playerInput,
		Output:       msg.Text,
	}
	return a.score(ctx, in, store.ScopeMessage, msg.ID, "")
}

func (a *Aggregator) score(ctx context.Context, in evaluator.Input, scope store.MetricScope, messageID int64, runID string) ([]*store.MetricRecord, error) {
	if a.evaluators == nil {
		return nil, errors.New("evaluation: nil evaluator registry")
	}

	byName := make(map[string]string) // evaluator name -> store id
	records, err := a.st.ListEvaluators(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		byName[rec.Name] = rec.ID
	}

	var out []*store.MetricRecord
	for _, e := range a.evaluators.All() {
		metrics, err := e.Evaluate(ctx, in)
		if err != nil {
			return out, fmt.Errorf("evaluation: %s: %w", e.Name(), err)
		}
		for _, m := range metrics {
			rec := &store.MetricRecord{
				Scope:         scope,
				MessageID:     messageID,
				RunID:         runID,
				Name:          m.Name,
				Score:         m.Score,
				Remarks:       m.Remarks,
				EvaluatorID:   byName[e.Name()],
				ModelName:     a.judge.Name,
				ModelProvider: a.judge.Provider,
				ModelEndpoint: a.judge.Endpoint,
			}
			if len(m.Diagnostics) > 0 {
				b, err := json.Marshal(m.Diagnostics)
				if err != nil {
					return out, fmt.Errorf("evaluation: encode diagnostics for %s: %w", m.Name, err)
				}
				rec.Diagnostics = string(b)
			}
			stored, err := a.st.InsertMetric(ctx, rec)
			if err != nil {
				return out, err
			}
			out = append(out, stored)
		}
	}
	return out, nil
}

// ListMetrics returns one deterministic page of metrics plus the filtered
// total.
func (a *Aggregator) ListMetrics(ctx context.Context, filter store.MetricFilter, page, pageSize int) ([]*store.MetricRecord, int, error) {
	if a == nil || a.st == nil {
		return nil, 0, errors.New("evaluation: nil aggregator")
	}
	return a.st.ListMetrics(ctx, filter, page, pageSize)
}

// contextBefore formats the turns preceding msg, oldest first, excluding msg
// itself.
func (a *Aggregator) contextBefore(ctx context.Context, msg *store.MessageRecord) ([]string, error) {
	if msg.PrevMessageID == 0 {
		return nil, nil
	}
	rows, err := a.st.ListContext(ctx, msg.PrevMessageID, a.contextWindow)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, formatTurn(r))
	}
	return out, nil
}

func (a *Aggregator) windowBefore(ctx context.Context, msg *store.MessageRecord) ([]*store.MessageRecord, error) {
	if msg.PrevMessageID == 0 {
		return nil, nil
	}
	return a.st.ListContext(ctx, msg.PrevMessageID, a.contextWindow)
}

func formatTurn(m *store.MessageRecord) string {
	who := "gm"
	if m.IsPlayer {
		who = m.Player
		if who == "" {
			who = "player"
		}
	}
	return who + ": " + m.Text
}
