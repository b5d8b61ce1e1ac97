package landscape

import (
	"context"
	"errors"
)

// ErrDuplicateTerminalOutcome is returned when a second terminal
// outcome is recorded for a token. Backed by the partial unique index
// in Postgres and by an explicit check in the memory store.
var ErrDuplicateTerminalOutcome = errors.New("token already has a terminal outcome")

// ErrNotFound is returned for missing records.
var ErrNotFound = errors.New("landscape record not found")

// ForkResult is the atomic product of a fork or expand.
type ForkResult struct {
	Children []*Token
	GroupID  string
}

// Store is the persistence contract for the audit trail. Two
// implementations exist: Postgres (production) and memory (tests,
// dry runs). Fork, expand, and coalesce are single atomic operations:
// children, parent links, and the parent's terminal outcome commit
// together or not at all.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	FinishRun(ctx context.Context, runID, status string) error

	// Topology registration
	RegisterNode(ctx context.Context, node *NodeRecord) error
	RegisterEdge(ctx context.Context, edge *EdgeRecord) error
	ListNodes(ctx context.Context, runID string) ([]*NodeRecord, error)
	ListEdges(ctx context.Context, runID string) ([]*EdgeRecord, error)

	// Rows and tokens
	CreateRow(ctx context.Context, row *RowRecord) error
	ListRows(ctx context.Context, runID string) ([]*RowRecord, error)
	CreateToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, tokenID string) (*Token, error)
	ListRowTokens(ctx context.Context, rowID string) ([]*Token, error)
	ListRunTokens(ctx context.Context, runID string) ([]*Token, error)
	ListParents(ctx context.Context, tokenID string) ([]*TokenParent, error)
	ListChildren(ctx context.Context, parentTokenID string) ([]*Token, error)

	// Atomic lifecycle operations
	ForkToken(ctx context.Context, parentTokenID, rowID, runID string, branches []string, step int) (*ForkResult, error)
	ExpandToken(ctx context.Context, parentTokenID, rowID, runID string, count, step int, recordParentOutcome bool) (*ForkResult, error)
	CoalesceTokens(ctx context.Context, parentTokenIDs []string, rowID, runID string, step int) (*Token, error)

	// Node states
	InsertNodeState(ctx context.Context, state *NodeState) error
	CompleteNodeState(ctx context.Context, stateID, outputHash, successReasonJSON string, durationMS float64) error
	FailNodeState(ctx context.Context, stateID, errorJSON string, durationMS float64) error
	MaxAttempt(ctx context.Context, tokenID, nodeID string) (int, bool, error)
	ListNodeStates(ctx context.Context, tokenID string) ([]*NodeState, error)

	// Routing
	InsertRoutingEvents(ctx context.Context, events []*RoutingEvent) error
	ListRoutingEvents(ctx context.Context, stateID string) ([]*RoutingEvent, error)

	// Outcomes
	RecordOutcome(ctx context.Context, outcome *TokenOutcome) error
	TerminalOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error)
	ListOutcomes(ctx context.Context, runID string) ([]*TokenOutcome, error)

	// Batches
	CreateBatch(ctx context.Context, batch *Batch) error
	AddBatchMember(ctx context.Context, member *BatchMember) error
	ListBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error)
	FinishBatch(ctx context.Context, batchID, status string) error

	// External calls
	InsertCall(ctx context.Context, call *Call) error
	ListCalls(ctx context.Context, stateID string) ([]*Call, error)

	// Error routing records
	InsertValidationError(ctx context.Context, ve *ValidationError) error
	InsertTransformError(ctx context.Context, te *TransformError) error

	// Experiment assignments
	InsertAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, runID, rowID, experimentID string) (*Assignment, error)
}
