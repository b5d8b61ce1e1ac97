package plugin

// ResultKind discriminates transform outcomes.
type ResultKind string

const (
	ResultSuccess      ResultKind = "success"
	ResultSuccessMulti ResultKind = "success_multi"
	ResultError        ResultKind = "error"
)

// SuccessReason is the typed explanation a transform attaches to a
// successful result; it lands in node_states.success_reason_json.
type SuccessReason struct {
	Action             string         `json:"action"`
	FieldsModified     []string       `json:"fields_modified,omitempty"`
	FieldsAdded        []string       `json:"fields_added,omitempty"`
	FieldsRemoved      []string       `json:"fields_removed,omitempty"`
	ValidationWarnings []string       `json:"validation_warnings,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// ErrorReason is the structured error a transform surfaces; it lands
// in node_states.error_json and transform_errors.
type ErrorReason struct {
	ErrorType   string         `json:"error_type"`
	Message     string         `json:"message"`
	FieldErrors map[string]any `json:"field_errors,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Result is the outcome of Transform.Process. Exactly one of the
// constructors below builds it; the zero value is invalid.
type Result struct {
	Kind      ResultKind
	Row       Row
	Rows      []Row
	Reason    *SuccessReason
	Error     *ErrorReason
	Retryable bool
}

// Success returns a single-row success result
func Success(row Row, reason *SuccessReason) *Result {
	return &Result{Kind: ResultSuccess, Row: row, Reason: reason}
}

// SuccessMulti returns a multi-row result; the processor expands the
// token into one child per row.
func SuccessMulti(rows []Row, reason *SuccessReason) *Result {
	return &Result{Kind: ResultSuccessMulti, Rows: rows, Reason: reason}
}

// Fail returns an error result
func Fail(reason *ErrorReason, retryable bool) *Result {
	return &Result{Kind: ResultError, Error: reason, Retryable: retryable}
}
