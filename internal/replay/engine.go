// Package replay captures player turns as fixtures and replays them against
// agent instruction versions so competing revisions can be compared on the
// same input.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/gm-eval/internal/config"
	"github.com/stellarlinkco/gm-eval/internal/llm"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

// ErrReplay marks a run whose agent execution failed. The run is still
// persisted with its error text so the failure shows up in comparisons.
var ErrReplay = errors.New("replay: execution failed")

// ErrVersionMismatch marks a run request pinning a version that belongs to a
// different agent.
var ErrVersionMismatch = errors.New("replay: version belongs to another agent")

// Executor produces one agent response for a replayed turn.
type Executor interface {
	Run(ctx context.Context, instructions string, contextMessages []llm.Message, playerInput string) (string, error)
}

// Store is the persistence surface the engine needs.
type Store interface {
	store.ConversationStore
	store.RegistryStore
	store.ReplayStore
}

// Engine runs fixtures against agent versions.
type Engine struct {
	st   Store
	exec Executor
	cfg  config.ReplayConfig
}

// NewEngine creates an Engine.
func NewEngine(st Store, exec Executor, cfg config.ReplayConfig) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 20
	}
	return &Engine{st: st, exec: exec, cfg: cfg}
}

// CaptureTestCase turns a player message into a replayable fixture. The
// message must be player-authored and not already captured.
func (e *Engine) CaptureTestCase(ctx context.Context, messageID int64, name, description string) (*store.TestCaseRecord, error) {
	if e == nil || e.st == nil {
		return nil, errors.New("replay: nil engine")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("replay: empty fixture name")
	}

	tc := &store.TestCaseRecord{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		Name:        name,
		Description: strings.TrimSpace(description),
		IsActive:    true,
	}
	if err := e.st.CreateTestCase(ctx, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// DeactivateTestCase retires a fixture without touching its recorded runs.
func (e *Engine) DeactivateTestCase(ctx context.Context, id string) error {
	if e == nil || e.st == nil {
		return errors.New("replay: nil engine")
	}
	return e.st.DeactivateTestCase(ctx, id)
}

// ExecuteRun replays one fixture against an agent version and persists the
// outcome. An empty versionID resolves to the agent's latest active version.
// When the executor fails, the run is still recorded with its error text and
// ExecuteRun returns the record together with ErrReplay.
func (e *Engine) ExecuteRun(ctx context.Context, testCaseID, agentID, versionID, executionName string) (*store.RunRecord, error) {
	if e == nil || e.st == nil {
		return nil, errors.New("replay: nil engine")
	}
	if e.exec == nil {
		return nil, errors.New("replay: nil executor")
	}
	executionName = strings.TrimSpace(executionName)
	if executionName == "" {
		return nil, errors.New("replay: empty execution name")
	}

	tc, err := e.st.GetTestCase(ctx, testCaseID)
	if err != nil {
		return nil, err
	}
	msg, err := e.st.GetMessage(ctx, tc.MessageID)
	if err != nil {
		return nil, err
	}

	version, err := e.resolveVersion(ctx, agentID, versionID)
	if err != nil {
		return nil, err
	}

	contextMsgs, err := e.contextBefore(ctx, msg)
	if err != nil {
		return nil, err
	}

	run := &store.RunRecord{
		ID:                   uuid.NewString(),
		TestCaseID:           tc.ID,
		AgentID:              agentID,
		InstructionVersionID: version.ID,
		ExecutionName:        executionName,
	}

	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	response, execErr := e.exec.Run(runCtx, version.Instructions, contextMsgs, msg.Text)
	run.DurationMs = time.Since(started).Milliseconds()
	if execErr != nil {
		run.Error = execErr.Error()
	} else {
		run.Response = response
	}

	if err := e.st.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	if execErr != nil {
		return run, fmt.Errorf("%w: %v", ErrReplay, execErr)
	}
	return run, nil
}

// resolveVersion validates the version belongs to the agent, falling back to
// the agent's latest active version when none is named.
func (e *Engine) resolveVersion(ctx context.Context, agentID, versionID string) (*store.VersionRecord, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("replay: empty agent id")
	}
	if strings.TrimSpace(versionID) == "" {
		return e.st.LatestActiveVersion(ctx, agentID)
	}
	v, err := e.st.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.AgentID != agentID {
		return nil, fmt.Errorf("%w: version %q is owned by agent %q, not %q", ErrVersionMismatch, v.ID, v.AgentID, agentID)
	}
	return v, nil
}

// contextBefore returns the turns preceding the fixture message, oldest
// first. The fixture message itself is replayed as fresh input, so it is
// excluded from the window.
func (e *Engine) contextBefore(ctx context.Context, msg *store.MessageRecord) ([]llm.Message, error) {
	if msg.PrevMessageID == 0 {
		return nil, nil
	}
	rows, err := e.st.ListContext(ctx, msg.PrevMessageID, e.cfg.ContextWindow)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(rows))
	for _, r := range rows {
		role := "assistant"
		if r.IsPlayer {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: r.Text})
	}
	return out, nil
}

// BatchItem names one fixture/version pairing in a batch execution.
type BatchItem struct {
	TestCaseID string `json:"test_case_id"`
	AgentID    string `json:"agent_id"`
	VersionID  string `json:"version_id,omitempty"` // empty = latest active
}

// BatchResult is the outcome of one batch item. Run is nil only when the
// item never produced a persisted run.
type BatchResult struct {
	Item BatchItem
	Run  *store.RunRecord
	Err  error
}

// ExecuteBatch replays every item under one execution name with bounded
// concurrency. Executor failures are per-item outcomes and never cancel
// siblings; items cancelled by the surrounding context are recorded as
// aborted runs so a partial batch remains visible.
func (e *Engine) ExecuteBatch(ctx context.Context, executionName string, items []BatchItem) ([]BatchResult, error) {
	if e == nil || e.st == nil {
		return nil, errors.New("replay: nil engine")
	}
	if len(items) == 0 {
		return nil, errors.New("replay: empty batch")
	}

	results := make([]BatchResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			results[i].Item = item
			if err := gctx.Err(); err != nil {
				run, recErr := e.recordAborted(ctx, item, executionName, err)
				results[i].Run = run
				results[i].Err = err
				if recErr != nil {
					results[i].Err = fmt.Errorf("%w (abort record failed: %v)", err, recErr)
				}
				return nil
			}
			run, err := e.ExecuteRun(gctx, item.TestCaseID, item.AgentID, item.VersionID, executionName)
			results[i].Run = run
			results[i].Err = err
			if err != nil && !errors.Is(err, ErrReplay) && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, ErrVersionMismatch) {
				// Infrastructure failure: stop the batch. Executor failures,
				// missing fixtures and bad pairings are per-item outcomes.
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("replay: batch %q: %w", executionName, err)
	}
	return results, nil
}

// recordAborted persists a marker run for an item the batch never executed.
// Uses the parent context so the write survives group cancellation. An empty
// version id is resolved the same way ExecuteRun would have resolved it, so
// the marker row satisfies the store's run invariants.
func (e *Engine) recordAborted(ctx context.Context, item BatchItem, executionName string, cause error) (*store.RunRecord, error) {
	wctx := context.WithoutCancel(ctx)

	version, err := e.resolveVersion(wctx, item.AgentID, item.VersionID)
	if err != nil {
		return nil, err
	}

	run := &store.RunRecord{
		ID:                   uuid.NewString(),
		TestCaseID:           item.TestCaseID,
		AgentID:              item.AgentID,
		InstructionVersionID: version.ID,
		ExecutionName:        executionName,
		Error:                fmt.Sprintf("aborted: %v", cause),
	}
	if err := e.st.InsertRun(wctx, run); err != nil {
		return nil, err
	}
	return run, nil
}
