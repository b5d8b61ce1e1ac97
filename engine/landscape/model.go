// Package landscape is the relational audit store: the authoritative
// record of every run, row, token, node state, routing decision, and
// terminal outcome. Readers consult token_outcomes first; derivation
// at query time is reserved for legacy rows only.
package landscape

import "time"

// RunStatus values.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunAborted  = "aborted"
)

// Outcome is a token's disposition. BUFFERED is the only non-terminal
// outcome; everything else is terminal and unique per token.
type Outcome string

const (
	OutcomeBuffered        Outcome = "buffered"
	OutcomeCompleted       Outcome = "completed"
	OutcomeRouted          Outcome = "routed"
	OutcomeForked          Outcome = "forked"
	OutcomeExpanded        Outcome = "expanded"
	OutcomeCoalesced       Outcome = "coalesced"
	OutcomeConsumedInBatch Outcome = "consumed_in_batch"
	OutcomeFailed          Outcome = "failed"
	OutcomeQuarantined     Outcome = "quarantined"
)

// Terminal reports whether the outcome finalises the token
func (o Outcome) Terminal() bool {
	return o != OutcomeBuffered
}

// NodeState statuses.
const (
	StatePending   = "pending"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Run is a single pipeline invocation.
type Run struct {
	RunID             string
	StartedAt         time.Time
	FinishedAt        *time.Time
	Status            string
	ConfigFingerprint string
	SettingsJSON      string
	ResumedFrom       string
}

// NodeRecord registers one graph node for lineage queries.
type NodeRecord struct {
	NodeID       string
	RunID        string
	PluginName   string
	NodeType     string
	Determinism  string
	ConfigHash   string
	ConfigJSON   string
	Step         int
	RegisteredAt time.Time
}

// EdgeRecord registers one graph edge.
type EdgeRecord struct {
	EdgeID     string
	RunID      string
	FromNodeID string
	ToNodeID   string
	Label      string
	Mode       string
	CreatedAt  time.Time
}

// RowRecord is one logical input record. Only hashes and payload refs
// are persisted, never the row data itself.
type RowRecord struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	SourcePosition int
	ContentHash    string
	DataRef        string
	CreatedAt      time.Time
}

// Token is a unit of flow: one row, at one position, on one branch.
type Token struct {
	TokenID        string
	RowID          string
	ForkGroupID    string
	JoinGroupID    string
	ExpandGroupID  string
	BranchName     string
	StepInPipeline int
	CreatedAt      time.Time
}

// TokenParent links a token to one ordered parent.
type TokenParent struct {
	TokenID       string
	ParentTokenID string
	Ordinal       int
}

// NodeState is one attempt of one node on one token. Attempts are
// append-only; retries open new attempts and never overwrite.
type NodeState struct {
	StateID           string
	TokenID           string
	RunID             string
	NodeID            string
	Attempt           int
	Status            string
	InputHash         string
	OutputHash        string
	ErrorJSON         string
	SuccessReasonJSON string
	ContextBeforeJSON string
	ContextAfterJSON  string
	StartedAt         time.Time
	CompletedAt       *time.Time
	DurationMS        float64
}

// RoutingEvent records one destination chosen at a gate. Events from
// the same decision share a routing_group_id.
type RoutingEvent struct {
	EventID        string
	StateID        string
	EdgeID         string
	RoutingGroupID string
	Ordinal        int
	Mode           string
	ReasonJSON     string
	CreatedAt      time.Time
}

// TokenOutcome is a disposition record. The store enforces at most one
// terminal outcome per token with a partial unique index.
type TokenOutcome struct {
	OutcomeID            string
	RunID                string
	TokenID              string
	Outcome              Outcome
	IsTerminal           bool
	SinkName             string
	BatchID              string
	ForkGroupID          string
	JoinGroupID          string
	ExpandGroupID        string
	ErrorHash            string
	ExpectedBranchesJSON string
	ContextJSON          string
	RecordedAt           time.Time
}

// Batch statuses.
const (
	BatchDraft     = "draft"
	BatchExecuting = "executing"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// Batch is an aggregation grouping.
type Batch struct {
	BatchID           string
	RunID             string
	AggregationNodeID string
	TriggerType       string
	TriggerReason     string
	Status            string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// BatchMember links an input token to a batch.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// Call is one external call made during plugin execution, parented by
// a node_state.
type Call struct {
	CallID       string
	StateID      string
	CallIndex    int
	CallType     string
	Status       string
	RequestHash  string
	RequestRef   string
	ResponseHash string
	ResponseRef  string
	ErrorJSON    string
	LatencyMS    float64
	CreatedAt    time.Time
}

// ValidationError records a row that failed source-side validation.
type ValidationError struct {
	ErrorID     string
	RunID       string
	NodeID      string
	RowHash     string
	RowJSON     string
	Error       string
	Destination string
	CreatedAt   time.Time
}

// TransformError records a row routed away by a transform error.
type TransformError struct {
	ErrorID     string
	RunID       string
	TokenID     string
	TransformID string
	RowHash     string
	RowJSON     string
	DetailsJSON string
	Destination string
	CreatedAt   time.Time
}

// Assignment pins a row to an experiment variant for the run.
type Assignment struct {
	RunID        string
	RowID        string
	ExperimentID string
	VariantID    string
	OverrideJSON string
	AssignedAt   time.Time
}
