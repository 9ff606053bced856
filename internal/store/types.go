package store

import (
	"context"
	"time"
)

// GameRecord is one conversation between a player and the game master.
type GameRecord struct {
	ID                   string
	Ruleset              string
	ScenarioID           string
	Player               string
	AgentID              string
	InstructionVersionID string
	MostRecentHistoryID  int64 // 0 = no snapshot yet
	CreatedAt            time.Time
}

// MessageRecord is one turn in a game's message chain. PrevMessageID and
// NextMessageID are a cached copy of the id order, not the source of truth.
type MessageRecord struct {
	ID                   int64
	GameID               string
	Text                 string
	Player               string // empty = system/agent authored
	IsPlayer             bool
	AgentID              string
	InstructionVersionID string
	HistoryID            int64
	PrevMessageID        int64
	NextMessageID        int64
	Sentiment            string
	IsScripted           bool
	CreatedAt            time.Time
}

// MessageMetadata carries the post-hoc fields AttachMetadata may set. Nil
// pointers leave the stored value untouched.
type MessageMetadata struct {
	AgentID              *string
	InstructionVersionID *string
	HistoryID            *int64
	Sentiment            *string
}

// SnapshotRecord is one serialized thread state in a game's snapshot chain.
type SnapshotRecord struct {
	ID                int64
	GameID            string
	ThreadState       []byte
	PreviousHistoryID int64
	MessageID         int64 // last message folded into this snapshot
	CreatedAt         time.Time
}

// AgentRecord is a registered game-master agent.
type AgentRecord struct {
	ID        string
	Name      string
	Role      string
	CreatedAt time.Time
}

// VersionRecord is an immutable instruction revision for one agent.
type VersionRecord struct {
	ID           string
	AgentID      string
	Label        string
	Instructions string
	IsActive     bool
	CreatedAt    time.Time
}

// ScenarioRecord holds a scenario and its free-text instructions.
type ScenarioRecord struct {
	ID           string
	Name         string
	Instructions string
	CreatedAt    time.Time
}

// BindingRecord maps a scenario to its agent and, optionally, a pinned
// instruction version. An empty version id means "use the agent's default".
type BindingRecord struct {
	ScenarioID           string
	AgentID              string
	InstructionVersionID string
	CreatedAt            time.Time
}

// TestCaseRecord is a replayable fixture captured from a player message.
type TestCaseRecord struct {
	ID          string
	MessageID   int64
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// RunRecord is one replay of a fixture against an agent/version pair. A
// non-empty Error marks a failed or aborted replay kept for analysis.
type RunRecord struct {
	ID                   string
	TestCaseID           string
	AgentID              string
	InstructionVersionID string
	ExecutionName        string
	Response             string
	Error                string
	DurationMs           int64
	ReportPath           string
	ExecutedAt           time.Time
}

// EvaluatorRecord names a registered scoring strategy.
type EvaluatorRecord struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// MetricScope distinguishes message-scoped from run-scoped metrics.
type MetricScope string

const (
	ScopeMessage MetricScope = "message"
	ScopeRun     MetricScope = "run"
)

// MetricRecord is one evaluation score. Exactly one of MessageID/RunID is set
// depending on Scope.
type MetricRecord struct {
	ID            int64
	Scope         MetricScope
	MessageID     int64
	RunID         string
	Name          string
	Score         float64
	Remarks       string
	Diagnostics   string // structured JSON, opaque to the store
	EvaluatorID   string
	ModelName     string
	ModelProvider string
	ModelEndpoint string
	EvaluatedAt   time.Time
}

// MetricFilter narrows metric listings and stats populations.
type MetricFilter struct {
	Scope       MetricScope // empty = both
	GameID      string
	Name        string
	AgentID     string
	VersionID   string
	EvaluatorID string
	MinScore    float64
	MaxScore    float64 // 0 = unbounded
	Passed      *bool   // pass threshold 3.0
}

// ConversationStore persists the message and snapshot chains.
type ConversationStore interface {
	CreateGame(ctx context.Context, g *GameRecord) error
	GetGame(ctx context.Context, id string) (*GameRecord, error)
	AppendMessage(ctx context.Context, m *MessageRecord) (*MessageRecord, error)
	GetMessage(ctx context.Context, id int64) (*MessageRecord, error)
	UpdateMessageMetadata(ctx context.Context, id int64, meta MessageMetadata) error
	ListGameMessages(ctx context.Context, gameID string) ([]*MessageRecord, error)
	ListContext(ctx context.Context, messageID int64, window int) ([]*MessageRecord, error)
	InsertSnapshot(ctx context.Context, s *SnapshotRecord) (*SnapshotRecord, error)
	GetSnapshot(ctx context.Context, id int64) (*SnapshotRecord, error)
	ListGameSnapshots(ctx context.Context, gameID string) ([]*SnapshotRecord, error)
}

// RegistryStore persists agents, instruction versions and scenario bindings.
type RegistryStore interface {
	CreateAgent(ctx context.Context, a *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	RenameAgent(ctx context.Context, id, name string) error
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	DeleteAgent(ctx context.Context, id string) error

	CreateVersion(ctx context.Context, v *VersionRecord) error
	GetVersion(ctx context.Context, id string) (*VersionRecord, error)
	UpdateVersion(ctx context.Context, id, label, instructions string, isActive *bool) error
	ListAgentVersions(ctx context.Context, agentID string) ([]*VersionRecord, error)
	LatestActiveVersion(ctx context.Context, agentID string) (*VersionRecord, error)
	VersionReferenced(ctx context.Context, versionID string) (bool, error)

	CreateScenario(ctx context.Context, sc *ScenarioRecord) error
	GetScenario(ctx context.Context, id string) (*ScenarioRecord, error)
	UpsertBinding(ctx context.Context, b *BindingRecord) error
	GetScenarioBinding(ctx context.Context, scenarioID string) (*BindingRecord, error)
}

// ReplayStore persists fixtures and their runs.
type ReplayStore interface {
	CreateTestCase(ctx context.Context, tc *TestCaseRecord) error
	GetTestCase(ctx context.Context, id string) (*TestCaseRecord, error)
	ListTestCases(ctx context.Context, activeOnly bool) ([]*TestCaseRecord, error)
	DeactivateTestCase(ctx context.Context, id string) error
	InsertRun(ctx context.Context, r *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRunsByExecutions(ctx context.Context, executionNames []string) ([]*RunRecord, error)
}

// MetricStore persists evaluators and evaluation metrics.
type MetricStore interface {
	UpsertEvaluator(ctx context.Context, name, description string) (*EvaluatorRecord, bool, error)
	ListEvaluators(ctx context.Context) ([]*EvaluatorRecord, error)
	InsertMetric(ctx context.Context, m *MetricRecord) (*MetricRecord, error)
	ListOrphanMetrics(ctx context.Context) ([]*MetricRecord, error)
	LinkMetricEvaluator(ctx context.Context, scope MetricScope, metricID int64, evaluatorID string) error
	ListMetrics(ctx context.Context, filter MetricFilter, page, pageSize int) ([]*MetricRecord, int, error)
}

// Store is the full persistence surface of the evaluation core.
type Store interface {
	ConversationStore
	RegistryStore
	ReplayStore
	MetricStore
	Close() error
}
