package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/stellarlinkco/gm-eval/internal/config"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateGame(t *testing.T, s *SQLiteStore) *GameRecord {
	t.Helper()
	g := &GameRecord{ID: uuid.NewString(), Ruleset: "dungeon", Player: "ash"}
	if err := s.CreateGame(context.Background(), g); err != nil {
		t.Fatalf("create game: %v", err)
	}
	return g
}

func mustAppend(t *testing.T, s *SQLiteStore, gameID, text string, isPlayer bool) *MessageRecord {
	t.Helper()
	m := &MessageRecord{GameID: gameID, Text: text, IsPlayer: isPlayer}
	if isPlayer {
		m.Player = "ash"
	}
	out, err := s.AppendMessage(context.Background(), m)
	if err != nil {
		t.Fatalf("append %q: %v", text, err)
	}
	return out
}

func TestNewSQLiteStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := NewSQLiteStore("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAppendMessageMaintainsChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)

	m1 := mustAppend(t, s, g.ID, "first", false)
	m2 := mustAppend(t, s, g.ID, "second", true)
	m3 := mustAppend(t, s, g.ID, "third", false)

	if m1.PrevMessageID != 0 {
		t.Errorf("head prev = %d", m1.PrevMessageID)
	}
	if m2.PrevMessageID != m1.ID || m3.PrevMessageID != m2.ID {
		t.Errorf("backward pointers: %d->%d, %d->%d", m2.ID, m2.PrevMessageID, m3.ID, m3.PrevMessageID)
	}

	// The prior tail's forward pointer moved in the same transaction.
	got1, err := s.GetMessage(ctx, m1.ID)
	if err != nil {
		t.Fatalf("get m1: %v", err)
	}
	if got1.NextMessageID != m2.ID {
		t.Errorf("m1 next = %d, want %d", got1.NextMessageID, m2.ID)
	}
	got3, err := s.GetMessage(ctx, m3.ID)
	if err != nil {
		t.Fatalf("get m3: %v", err)
	}
	if got3.NextMessageID != 0 {
		t.Errorf("tail next = %d", got3.NextMessageID)
	}

	msgs, err := s.ListGameMessages(ctx, g.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 || msgs[0].ID != m1.ID || msgs[2].ID != m3.ID {
		t.Errorf("list order: %+v", msgs)
	}

	// Player authorship round-trips as a nullable column.
	got2, err := s.GetMessage(ctx, m2.ID)
	if err != nil {
		t.Fatalf("get m2: %v", err)
	}
	if !got2.IsPlayer || got2.Player != "ash" {
		t.Errorf("m2 authorship: %+v", got2)
	}
	if got1.IsPlayer {
		t.Error("m1 should be agent-authored")
	}
}

func TestAppendMessageUnknownGame(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	_, err := s.AppendMessage(context.Background(), &MessageRecord{GameID: "nope", Text: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessageDetectsCorruptTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)
	m1 := mustAppend(t, s, g.ID, "first", false)

	// Corrupt the tail's forward pointer behind the store's back.
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET next_message_id = 999 WHERE id = ?`, m1.ID); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	_, err := s.AppendMessage(ctx, &MessageRecord{GameID: g.ID, Text: "second"})
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("err = %v, want ErrConsistency", err)
	}
}

func TestUpdateMessageMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)
	m := mustAppend(t, s, g.ID, "hello", false)

	sentiment := "warm"
	agentID := uuid.NewString()
	if err := s.UpdateMessageMetadata(ctx, m.ID, MessageMetadata{Sentiment: &sentiment, AgentID: &agentID}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Sentiment != "warm" || got.AgentID != agentID {
		t.Errorf("metadata: %+v", got)
	}
	// Untouched fields survive.
	if got.Text != "hello" || got.PrevMessageID != m.PrevMessageID {
		t.Errorf("unexpected field change: %+v", got)
	}

	if err := s.UpdateMessageMetadata(ctx, 999, MessageMetadata{Sentiment: &sentiment}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing message err = %v", err)
	}
}

func TestListContextWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)

	var ids []int64
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, mustAppend(t, s, g.ID, text, false).ID)
	}

	got, err := s.ListContext(ctx, ids[4], 3)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("window = %d", len(got))
	}
	// Chronological order, ending at the anchor.
	if got[0].ID != ids[2] || got[2].ID != ids[4] {
		t.Errorf("window ids: %d..%d", got[0].ID, got[2].ID)
	}

	// A window larger than the history returns everything.
	got, err = s.ListContext(ctx, ids[1], 10)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[0] {
		t.Errorf("short window: %+v", got)
	}
}

func TestSnapshotChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)
	m1 := mustAppend(t, s, g.ID, "first", false)
	m2 := mustAppend(t, s, g.ID, "second", true)

	s1, err := s.InsertSnapshot(ctx, &SnapshotRecord{GameID: g.ID, ThreadState: []byte(`{"a":1}`), MessageID: m1.ID})
	if err != nil {
		t.Fatalf("snapshot 1: %v", err)
	}
	if s1.PreviousHistoryID != 0 {
		t.Errorf("first snapshot prev = %d", s1.PreviousHistoryID)
	}

	s2, err := s.InsertSnapshot(ctx, &SnapshotRecord{GameID: g.ID, ThreadState: []byte(`{"a":2}`), MessageID: m2.ID})
	if err != nil {
		t.Fatalf("snapshot 2: %v", err)
	}
	if s2.PreviousHistoryID != s1.ID {
		t.Errorf("snapshot chain: %d -> %d", s2.ID, s2.PreviousHistoryID)
	}

	// The game's pointer moved with the insert.
	game, err := s.GetGame(ctx, g.ID)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if game.MostRecentHistoryID != s2.ID {
		t.Errorf("most recent = %d, want %d", game.MostRecentHistoryID, s2.ID)
	}

	// A snapshot for a message of another game is refused.
	other := mustCreateGame(t, s)
	if _, err := s.InsertSnapshot(ctx, &SnapshotRecord{GameID: other.ID, ThreadState: []byte(`{}`), MessageID: m1.ID}); !errors.Is(err, ErrConsistency) {
		t.Errorf("cross-game snapshot err = %v", err)
	}

	snaps, err := s.ListGameSnapshots(ctx, g.ID)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 || string(snaps[1].ThreadState) != `{"a":2}` {
		t.Errorf("snapshots: %+v", snaps)
	}
}

func TestVersionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	agent := &AgentRecord{ID: uuid.NewString(), Name: "gm"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	v1 := &VersionRecord{ID: uuid.NewString(), AgentID: agent.ID, Label: "v1", Instructions: "one", IsActive: true}
	if err := s.CreateVersion(ctx, v1); err != nil {
		t.Fatalf("create v1: %v", err)
	}

	// Duplicate label for the same agent.
	dup := &VersionRecord{ID: uuid.NewString(), AgentID: agent.ID, Label: "v1", Instructions: "other"}
	if err := s.CreateVersion(ctx, dup); !errors.Is(err, ErrDuplicateVersion) {
		t.Fatalf("duplicate label err = %v", err)
	}

	// The same label under another agent is fine.
	other := &AgentRecord{ID: uuid.NewString(), Name: "gm2"}
	if err := s.CreateAgent(ctx, other); err != nil {
		t.Fatalf("create agent 2: %v", err)
	}
	v1b := &VersionRecord{ID: uuid.NewString(), AgentID: other.ID, Label: "v1", Instructions: "one"}
	if err := s.CreateVersion(ctx, v1b); err != nil {
		t.Fatalf("same label, other agent: %v", err)
	}

	// Unreferenced versions are editable.
	if err := s.UpdateVersion(ctx, v1.ID, "", "one, revised", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetVersion(ctx, v1.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Instructions != "one, revised" {
		t.Errorf("instructions = %q", got.Instructions)
	}
}

func TestVersionImmutableOnceReferenced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	agent := &AgentRecord{ID: uuid.NewString(), Name: "gm"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	v := &VersionRecord{ID: uuid.NewString(), AgentID: agent.ID, Label: "v1", Instructions: "one", IsActive: true}
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("create version: %v", err)
	}

	g := mustCreateGame(t, s)
	if _, err := s.AppendMessage(ctx, &MessageRecord{
		GameID: g.ID, Text: "scene", AgentID: agent.ID, InstructionVersionID: v.ID,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	referenced, err := s.VersionReferenced(ctx, v.ID)
	if err != nil {
		t.Fatalf("referenced: %v", err)
	}
	if !referenced {
		t.Fatal("version should be referenced")
	}

	if err := s.UpdateVersion(ctx, v.ID, "", "changed", nil); !errors.Is(err, ErrImmutableVersion) {
		t.Errorf("update err = %v, want ErrImmutableVersion", err)
	}

	// The label and active flag stay editable.
	inactive := false
	if err := s.UpdateVersion(ctx, v.ID, "v1-final", "", &inactive); err != nil {
		t.Errorf("label/flag update: %v", err)
	}

	// And the owning agent cannot be deleted.
	if err := s.DeleteAgent(ctx, agent.ID); !errors.Is(err, ErrReferencedEntity) {
		t.Errorf("delete err = %v, want ErrReferencedEntity", err)
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	agent := &AgentRecord{ID: uuid.NewString(), Name: "gm"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	v := &VersionRecord{ID: uuid.NewString(), AgentID: agent.ID, Label: "v1", Instructions: "one"}
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("create version: %v", err)
	}

	if err := s.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetVersion(ctx, v.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("version survived delete: %v", err)
	}
	if err := s.DeleteAgent(ctx, agent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestLatestActiveVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	agent := &AgentRecord{ID: uuid.NewString(), Name: "gm"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	v1 := &VersionRecord{ID: uuid.NewString(), AgentID: agent.ID, Label: "v1", Instructions: "one", IsActive: true}
	if err := s.CreateVersion(ctx, v1); err != nil {
		t.Fatalf("create v1: %v", err)
	}
	v2 := &VersionRecord{ID: uuid.NewString(), AgentID: agent.ID, Label: "v2", Instructions: "two", IsActive: true}
	if err := s.CreateVersion(ctx, v2); err != nil {
		t.Fatalf("create v2: %v", err)
	}

	got, err := s.LatestActiveVersion(ctx, agent.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != v2.ID {
		t.Errorf("latest = %q, want v2", got.Label)
	}

	// Deactivating v2 falls back to v1.
	inactive := false
	if err := s.UpdateVersion(ctx, v2.ID, "", "", &inactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err = s.LatestActiveVersion(ctx, agent.ID)
	if err != nil {
		t.Fatalf("latest after deactivate: %v", err)
	}
	if got.ID != v1.ID {
		t.Errorf("latest = %q, want v1", got.Label)
	}

	// No active versions at all.
	if err := s.UpdateVersion(ctx, v1.ID, "", "", &inactive); err != nil {
		t.Fatalf("deactivate v1: %v", err)
	}
	if _, err := s.LatestActiveVersion(ctx, agent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("no active err = %v", err)
	}
}

func TestScenarioBindings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	sc := &ScenarioRecord{ID: uuid.NewString(), Name: "haunted-keep", Instructions: "Fog everywhere."}
	if err := s.CreateScenario(ctx, sc); err != nil {
		t.Fatalf("create scenario: %v", err)
	}
	agent := &AgentRecord{ID: uuid.NewString(), Name: "gm"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	if err := s.UpsertBinding(ctx, &BindingRecord{ScenarioID: sc.ID, AgentID: agent.ID}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	got, err := s.GetScenarioBinding(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if got.AgentID != agent.ID || got.InstructionVersionID != "" {
		t.Errorf("binding: %+v", got)
	}

	// Re-binding the same pair updates in place.
	v := &VersionRecord{ID: uuid.NewString(), AgentID: agent.ID, Label: "v1", Instructions: "one"}
	if err := s.CreateVersion(ctx, v); err != nil {
		t.Fatalf("create version: %v", err)
	}
	if err := s.UpsertBinding(ctx, &BindingRecord{ScenarioID: sc.ID, AgentID: agent.ID, InstructionVersionID: v.ID}); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	got, err = s.GetScenarioBinding(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if got.InstructionVersionID != v.ID {
		t.Errorf("binding version = %q", got.InstructionVersionID)
	}

	if _, err := s.GetScenarioBinding(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing binding err = %v", err)
	}
}

func TestTestCaseFixtures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)
	agentMsg := mustAppend(t, s, g.ID, "scene", false)
	playerMsg := mustAppend(t, s, g.ID, "action", true)

	// Only player messages are capturable.
	tc := &TestCaseRecord{ID: uuid.NewString(), MessageID: agentMsg.ID, Name: "bad", IsActive: true}
	if err := s.CreateTestCase(ctx, tc); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("agent capture err = %v", err)
	}

	tc = &TestCaseRecord{ID: uuid.NewString(), MessageID: playerMsg.ID, Name: "good", IsActive: true}
	if err := s.CreateTestCase(ctx, tc); err != nil {
		t.Fatalf("capture: %v", err)
	}

	dup := &TestCaseRecord{ID: uuid.NewString(), MessageID: playerMsg.ID, Name: "again", IsActive: true}
	if err := s.CreateTestCase(ctx, dup); !errors.Is(err, ErrDuplicateFixture) {
		t.Fatalf("duplicate err = %v", err)
	}

	// Deactivation is a soft delete.
	if err := s.DeactivateTestCase(ctx, tc.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err := s.ListTestCases(ctx, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active fixtures = %d", len(active))
	}
	all, err := s.ListTestCases(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("all fixtures = %d", len(all))
	}
}

func TestListMetricsPaginationIsDeterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)
	msg := mustAppend(t, s, g.ID, "scene", false)

	for _, name := range []string{"Tone", "Brevity", "Relevance", "Truthfulness", "Completeness"} {
		if _, err := s.InsertMetric(ctx, &MetricRecord{Scope: ScopeMessage, MessageID: msg.ID, Name: name, Score: 3}); err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
	}

	page1, total, err := s.ListMetrics(ctx, MetricFilter{}, 1, 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if total != 5 || len(page1) != 2 {
		t.Fatalf("page 1: total=%d len=%d", total, len(page1))
	}
	page1Again, _, err := s.ListMetrics(ctx, MetricFilter{}, 1, 2)
	if err != nil {
		t.Fatalf("page 1 again: %v", err)
	}
	for i := range page1 {
		if page1[i].ID != page1Again[i].ID {
			t.Fatalf("page 1 not stable: %d vs %d", page1[i].ID, page1Again[i].ID)
		}
	}

	// Pages partition the set without overlap. Name order within one
	// message: Brevity, Completeness, Relevance, Tone, Truthfulness.
	page2, _, err := s.ListMetrics(ctx, MetricFilter{}, 2, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	page3, _, err := s.ListMetrics(ctx, MetricFilter{}, 3, 2)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	var names []string
	for _, m := range append(append(page1, page2...), page3...) {
		names = append(names, m.Name)
	}
	want := []string{"Brevity", "Completeness", "Relevance", "Tone", "Truthfulness"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order: %v, want %v", names, want)
		}
	}
}

func TestListMetricsExcludesScriptedMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)

	scripted, err := s.AppendMessage(ctx, &MessageRecord{GameID: g.ID, Text: "welcome", IsScripted: true})
	if err != nil {
		t.Fatalf("append scripted: %v", err)
	}
	live := mustAppend(t, s, g.ID, "scene", false)

	for _, id := range []int64{scripted.ID, live.ID} {
		if _, err := s.InsertMetric(ctx, &MetricRecord{Scope: ScopeMessage, MessageID: id, Name: "Tone", Score: 4}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	metrics, total, err := s.ListMetrics(ctx, MetricFilter{}, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(metrics) != 1 || metrics[0].MessageID != live.ID {
		t.Errorf("scripted metric leaked: total=%d %+v", total, metrics)
	}
}

func TestMetricFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	g := mustCreateGame(t, s)
	msg := mustAppend(t, s, g.ID, "scene", false)

	for _, score := range []float64{2.0, 3.0, 4.5} {
		if _, err := s.InsertMetric(ctx, &MetricRecord{Scope: ScopeMessage, MessageID: msg.ID, Name: "Tone", Score: score}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	passed := true
	metrics, total, err := s.ListMetrics(ctx, MetricFilter{Passed: &passed}, 1, 10)
	if err != nil {
		t.Fatalf("passed filter: %v", err)
	}
	if total != 2 {
		t.Errorf("passed total = %d", total)
	}
	for _, m := range metrics {
		if m.Score < 3.0 {
			t.Errorf("failing score in passed filter: %f", m.Score)
		}
	}

	_, total, err = s.ListMetrics(ctx, MetricFilter{MinScore: 2.5, MaxScore: 4.0}, 1, 10)
	if err != nil {
		t.Fatalf("range filter: %v", err)
	}
	if total != 1 {
		t.Errorf("range total = %d", total)
	}

	_, total, err = s.ListMetrics(ctx, MetricFilter{GameID: uuid.NewString()}, 1, 10)
	if err != nil {
		t.Fatalf("game filter: %v", err)
	}
	if total != 0 {
		t.Errorf("unknown game total = %d", total)
	}
}

func TestOpenByConfigType(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Storage.Type = "memory"
	st, err := Open(cfg)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	defer func() { _ = st.Close() }()

	g := &GameRecord{ID: uuid.NewString()}
	if err := st.CreateGame(context.Background(), g); err != nil {
		t.Fatalf("memory create: %v", err)
	}

	cfg.Storage.Type = "sqlite"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "open.db")
	st2, err := Open(cfg)
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	_ = st2.Close()

	cfg.Storage.Type = "cassandra"
	if _, err := Open(cfg); err == nil {
		t.Error("unsupported type accepted")
	}
}
