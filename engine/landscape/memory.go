package landscape

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and dry runs. It
// enforces the same invariants the Postgres schema does: one terminal
// outcome per token, append-only attempts, immutable parent links, and
// atomic fork/expand/coalesce.
type MemoryStore struct {
	mu sync.Mutex

	runs        map[string]*Run
	nodes       map[string][]*NodeRecord // run_id -> nodes
	edges       map[string][]*EdgeRecord
	rows        map[string]*RowRecord
	rowOrder    []string
	tokens      map[string]*Token
	tokenOrder  []string
	parents     map[string][]*TokenParent // token_id -> parents
	children    map[string][]string       // parent_token_id -> child token ids
	states      map[string]*NodeState
	stateOrder  []string
	routing     map[string][]*RoutingEvent // state_id -> events
	outcomes    []*TokenOutcome
	terminals   map[string]*TokenOutcome // token_id -> terminal outcome
	batches     map[string]*Batch
	members     map[string][]*BatchMember
	calls       map[string][]*Call
	vErrors     []*ValidationError
	tErrors     []*TransformError
	assignments map[string]*Assignment // run_id/row_id/experiment_id -> assignment
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		nodes:       make(map[string][]*NodeRecord),
		edges:       make(map[string][]*EdgeRecord),
		rows:        make(map[string]*RowRecord),
		tokens:      make(map[string]*Token),
		parents:     make(map[string][]*TokenParent),
		children:    make(map[string][]string),
		states:      make(map[string]*NodeState),
		routing:     make(map[string][]*RoutingEvent),
		terminals:   make(map[string]*TokenOutcome),
		batches:     make(map[string]*Batch),
		members:     make(map[string][]*BatchMember),
		calls:       make(map[string][]*Call),
		assignments: make(map[string]*Assignment),
	}
}

var _ Store = (*MemoryStore)(nil)

// === Runs ===

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	cp := *run
	s.runs[run.RunID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	return nil
}

// === Topology ===

func (s *MemoryStore) RegisterNode(_ context.Context, node *NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	s.nodes[node.RunID] = append(s.nodes[node.RunID], &cp)
	return nil
}

func (s *MemoryStore) RegisterEdge(_ context.Context, edge *EdgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *edge
	s.edges[edge.RunID] = append(s.edges[edge.RunID], &cp)
	return nil
}

func (s *MemoryStore) ListNodes(_ context.Context, runID string) ([]*NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySlice(s.nodes[runID]), nil
}

func (s *MemoryStore) ListEdges(_ context.Context, runID string) ([]*EdgeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySlice(s.edges[runID]), nil
}

// === Rows and tokens ===

func (s *MemoryStore) CreateRow(_ context.Context, row *RowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Row ids are content-derived; resume runs re-insert the same id
	if _, exists := s.rows[row.RowID]; exists {
		return nil
	}
	cp := *row
	s.rows[row.RowID] = &cp
	s.rowOrder = append(s.rowOrder, row.RowID)
	return nil
}

func (s *MemoryStore) ListRows(_ context.Context, runID string) ([]*RowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RowRecord
	for _, id := range s.rowOrder {
		if r := s.rows[id]; r.RunID == runID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateToken(_ context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTokenLocked(token, nil)
}

// insertTokenLocked inserts a token and its parent links, enforcing
// that parents exist and predate the child (no back-edges).
func (s *MemoryStore) insertTokenLocked(token *Token, parentIDs []string) error {
	if _, exists := s.tokens[token.TokenID]; exists {
		return fmt.Errorf("token %s already exists", token.TokenID)
	}
	if _, ok := s.rows[token.RowID]; !ok {
		return fmt.Errorf("token %s references unknown row %s", token.TokenID, token.RowID)
	}
	for _, pid := range parentIDs {
		parent, ok := s.tokens[pid]
		if !ok {
			return fmt.Errorf("parent token %s: %w", pid, ErrNotFound)
		}
		if parent.TokenID > token.TokenID {
			return fmt.Errorf("parent token %s is younger than child %s", pid, token.TokenID)
		}
	}

	cp := *token
	s.tokens[token.TokenID] = &cp
	s.tokenOrder = append(s.tokenOrder, token.TokenID)
	for i, pid := range parentIDs {
		s.parents[token.TokenID] = append(s.parents[token.TokenID], &TokenParent{
			TokenID:       token.TokenID,
			ParentTokenID: pid,
			Ordinal:       i,
		})
		s.children[pid] = append(s.children[pid], token.TokenID)
	}
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, tokenID string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", tokenID, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListRowTokens(_ context.Context, rowID string) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Token
	for _, id := range s.tokenOrder {
		if t := s.tokens[id]; t.RowID == rowID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRunTokens(_ context.Context, runID string) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Token
	for _, id := range s.tokenOrder {
		t := s.tokens[id]
		if row, ok := s.rows[t.RowID]; ok && row.RunID == runID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListParents(_ context.Context, tokenID string) ([]*TokenParent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := copySlice(s.parents[tokenID])
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *MemoryStore) ListChildren(_ context.Context, parentTokenID string) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Token
	for _, id := range s.children[parentTokenID] {
		cp := *s.tokens[id]
		out = append(out, &cp)
	}
	return out, nil
}

// === Atomic lifecycle operations ===

func (s *MemoryStore) ForkToken(_ context.Context, parentTokenID, rowID, runID string, branches []string, step int) (*ForkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[parentTokenID]; !ok {
		return nil, fmt.Errorf("fork parent %s: %w", parentTokenID, ErrNotFound)
	}
	if _, exists := s.terminals[parentTokenID]; exists {
		return nil, fmt.Errorf("fork parent %s: %w", parentTokenID, ErrDuplicateTerminalOutcome)
	}

	groupID := NewID()
	expected, err := json.Marshal(branches)
	if err != nil {
		return nil, fmt.Errorf("marshal branch contract: %w", err)
	}

	children := make([]*Token, 0, len(branches))
	for _, branch := range branches {
		child := &Token{
			TokenID:        NewTokenID(),
			RowID:          rowID,
			ForkGroupID:    groupID,
			BranchName:     branch,
			StepInPipeline: step,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.insertTokenLocked(child, []string{parentTokenID}); err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	outcome := &TokenOutcome{
		OutcomeID:            NewID(),
		RunID:                runID,
		TokenID:              parentTokenID,
		Outcome:              OutcomeForked,
		IsTerminal:           true,
		ForkGroupID:          groupID,
		ExpectedBranchesJSON: string(expected),
		RecordedAt:           time.Now().UTC(),
	}
	if err := s.recordOutcomeLocked(outcome); err != nil {
		return nil, err
	}

	return &ForkResult{Children: copySlice(children), GroupID: groupID}, nil
}

func (s *MemoryStore) ExpandToken(_ context.Context, parentTokenID, rowID, runID string, count, step int, recordParentOutcome bool) (*ForkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[parentTokenID]; !ok {
		return nil, fmt.Errorf("expand parent %s: %w", parentTokenID, ErrNotFound)
	}
	if recordParentOutcome {
		if _, exists := s.terminals[parentTokenID]; exists {
			return nil, fmt.Errorf("expand parent %s: %w", parentTokenID, ErrDuplicateTerminalOutcome)
		}
	}

	groupID := NewID()
	parent := s.tokens[parentTokenID]

	children := make([]*Token, 0, count)
	for i := 0; i < count; i++ {
		child := &Token{
			TokenID:        NewTokenID(),
			RowID:          rowID,
			ExpandGroupID:  groupID,
			BranchName:     parent.BranchName, // children inherit the branch
			StepInPipeline: step,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.insertTokenLocked(child, []string{parentTokenID}); err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	if recordParentOutcome {
		expected, err := json.Marshal(count)
		if err != nil {
			return nil, fmt.Errorf("marshal expand contract: %w", err)
		}
		outcome := &TokenOutcome{
			OutcomeID:            NewID(),
			RunID:                runID,
			TokenID:              parentTokenID,
			Outcome:              OutcomeExpanded,
			IsTerminal:           true,
			ExpandGroupID:        groupID,
			ExpectedBranchesJSON: string(expected),
			RecordedAt:           time.Now().UTC(),
		}
		if err := s.recordOutcomeLocked(outcome); err != nil {
			return nil, err
		}
	}

	return &ForkResult{Children: copySlice(children), GroupID: groupID}, nil
}

func (s *MemoryStore) CoalesceTokens(_ context.Context, parentTokenIDs []string, rowID, runID string, step int) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(parentTokenIDs) == 0 {
		return nil, fmt.Errorf("coalesce requires at least one parent")
	}
	for _, pid := range parentTokenIDs {
		if _, ok := s.tokens[pid]; !ok {
			return nil, fmt.Errorf("coalesce parent %s: %w", pid, ErrNotFound)
		}
		if _, exists := s.terminals[pid]; exists {
			return nil, fmt.Errorf("coalesce parent %s: %w", pid, ErrDuplicateTerminalOutcome)
		}
	}

	joinGroupID := NewID()
	merged := &Token{
		TokenID:        NewTokenID(),
		RowID:          rowID,
		JoinGroupID:    joinGroupID,
		StepInPipeline: step,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.insertTokenLocked(merged, parentTokenIDs); err != nil {
		return nil, err
	}

	for _, pid := range parentTokenIDs {
		outcome := &TokenOutcome{
			OutcomeID:   NewID(),
			RunID:       runID,
			TokenID:     pid,
			Outcome:     OutcomeCoalesced,
			IsTerminal:  true,
			JoinGroupID: joinGroupID,
			RecordedAt:  time.Now().UTC(),
		}
		if err := s.recordOutcomeLocked(outcome); err != nil {
			return nil, err
		}
	}

	cp := *merged
	return &cp, nil
}

// === Node states ===

func (s *MemoryStore) InsertNodeState(_ context.Context, state *NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[state.StateID]; exists {
		return fmt.Errorf("node state %s already exists", state.StateID)
	}
	for _, id := range s.stateOrder {
		existing := s.states[id]
		if existing.TokenID == state.TokenID && existing.NodeID == state.NodeID && existing.Attempt == state.Attempt {
			return fmt.Errorf("node state for token %s node %s attempt %d already exists",
				state.TokenID, state.NodeID, state.Attempt)
		}
	}
	cp := *state
	s.states[state.StateID] = &cp
	s.stateOrder = append(s.stateOrder, state.StateID)
	return nil
}

func (s *MemoryStore) CompleteNodeState(_ context.Context, stateID, outputHash, successReasonJSON string, durationMS float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[stateID]
	if !ok {
		return fmt.Errorf("node state %s: %w", stateID, ErrNotFound)
	}
	if state.Status != StatePending {
		return fmt.Errorf("node state %s is %s, not pending", stateID, state.Status)
	}
	now := time.Now().UTC()
	state.Status = StateCompleted
	state.OutputHash = outputHash
	state.SuccessReasonJSON = successReasonJSON
	state.DurationMS = durationMS
	state.CompletedAt = &now
	return nil
}

func (s *MemoryStore) FailNodeState(_ context.Context, stateID, errorJSON string, durationMS float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[stateID]
	if !ok {
		return fmt.Errorf("node state %s: %w", stateID, ErrNotFound)
	}
	if state.Status != StatePending {
		return fmt.Errorf("node state %s is %s, not pending", stateID, state.Status)
	}
	now := time.Now().UTC()
	state.Status = StateFailed
	state.ErrorJSON = errorJSON
	state.DurationMS = durationMS
	state.CompletedAt = &now
	return nil
}

func (s *MemoryStore) MaxAttempt(_ context.Context, tokenID, nodeID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxAttempt, found := 0, false
	for _, id := range s.stateOrder {
		state := s.states[id]
		if state.TokenID == tokenID && state.NodeID == nodeID {
			found = true
			if state.Attempt > maxAttempt {
				maxAttempt = state.Attempt
			}
		}
	}
	return maxAttempt, found, nil
}

func (s *MemoryStore) ListNodeStates(_ context.Context, tokenID string) ([]*NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*NodeState
	for _, id := range s.stateOrder {
		if state := s.states[id]; state.TokenID == tokenID {
			cp := *state
			out = append(out, &cp)
		}
	}
	return out, nil
}

// === Routing ===

func (s *MemoryStore) InsertRoutingEvents(_ context.Context, events []*RoutingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		cp := *e
		s.routing[e.StateID] = append(s.routing[e.StateID], &cp)
	}
	return nil
}

func (s *MemoryStore) ListRoutingEvents(_ context.Context, stateID string) ([]*RoutingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := copySlice(s.routing[stateID])
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// === Outcomes ===

func (s *MemoryStore) RecordOutcome(_ context.Context, outcome *TokenOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordOutcomeLocked(outcome)
}

func (s *MemoryStore) recordOutcomeLocked(outcome *TokenOutcome) error {
	if _, ok := s.tokens[outcome.TokenID]; !ok {
		return fmt.Errorf("outcome for unknown token %s: %w", outcome.TokenID, ErrNotFound)
	}
	if outcome.IsTerminal {
		if _, exists := s.terminals[outcome.TokenID]; exists {
			return fmt.Errorf("token %s: %w", outcome.TokenID, ErrDuplicateTerminalOutcome)
		}
	}
	cp := *outcome
	s.outcomes = append(s.outcomes, &cp)
	if outcome.IsTerminal {
		s.terminals[outcome.TokenID] = &cp
	}
	return nil
}

func (s *MemoryStore) TerminalOutcome(_ context.Context, tokenID string) (*TokenOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.terminals[tokenID]
	if !ok {
		return nil, fmt.Errorf("token %s terminal outcome: %w", tokenID, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOutcomes(_ context.Context, runID string) ([]*TokenOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TokenOutcome
	for _, o := range s.outcomes {
		if o.RunID == runID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

// === Batches ===

func (s *MemoryStore) CreateBatch(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.BatchID]; exists {
		return fmt.Errorf("batch %s already exists", batch.BatchID)
	}
	cp := *batch
	s.batches[batch.BatchID] = &cp
	return nil
}

func (s *MemoryStore) AddBatchMember(_ context.Context, member *BatchMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members[member.BatchID] {
		if m.TokenID == member.TokenID {
			return fmt.Errorf("token %s already in batch %s", member.TokenID, member.BatchID)
		}
	}
	cp := *member
	s.members[member.BatchID] = append(s.members[member.BatchID], &cp)
	return nil
}

func (s *MemoryStore) ListBatchMembers(_ context.Context, batchID string) ([]*BatchMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := copySlice(s.members[batchID])
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *MemoryStore) FinishBatch(_ context.Context, batchID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	now := time.Now().UTC()
	batch.Status = status
	batch.CompletedAt = &now
	return nil
}

// === Calls ===

func (s *MemoryStore) InsertCall(_ context.Context, call *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *call
	s.calls[call.StateID] = append(s.calls[call.StateID], &cp)
	return nil
}

func (s *MemoryStore) ListCalls(_ context.Context, stateID string) ([]*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := copySlice(s.calls[stateID])
	sort.Slice(out, func(i, j int) bool { return out[i].CallIndex < out[j].CallIndex })
	return out, nil
}

// === Error routing records ===

func (s *MemoryStore) InsertValidationError(_ context.Context, ve *ValidationError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ve
	s.vErrors = append(s.vErrors, &cp)
	return nil
}

func (s *MemoryStore) InsertTransformError(_ context.Context, te *TransformError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *te
	s.tErrors = append(s.tErrors, &cp)
	return nil
}

// ValidationErrors returns recorded validation errors (test helper)
func (s *MemoryStore) ValidationErrors() []*ValidationError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySlice(s.vErrors)
}

// TransformErrors returns recorded transform errors (test helper)
func (s *MemoryStore) TransformErrors() []*TransformError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySlice(s.tErrors)
}

// === Experiment assignments ===

func (s *MemoryStore) InsertAssignment(_ context.Context, a *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := a.RunID + "/" + a.RowID + "/" + a.ExperimentID
	if _, exists := s.assignments[key]; exists {
		return fmt.Errorf("assignment for row %s in experiment %s already exists in run %s", a.RowID, a.ExperimentID, a.RunID)
	}
	cp := *a
	s.assignments[key] = &cp
	return nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, runID, rowID, experimentID string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[runID+"/"+rowID+"/"+experimentID]
	if !ok {
		return nil, fmt.Errorf("assignment for row %s in experiment %s: %w", rowID, experimentID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func copySlice[T any](in []*T) []*T {
	out := make([]*T, 0, len(in))
	for _, item := range in {
		cp := *item
		out = append(out, &cp)
	}
	return out
}
