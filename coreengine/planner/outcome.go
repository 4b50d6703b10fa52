package planner

// OutcomeKind distinguishes how a run ended.
type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeEscalated       OutcomeKind = "escalated"
	OutcomeBudgetExhausted OutcomeKind = "budget_exhausted"
	OutcomeError           OutcomeKind = "error"
)

// Outcome is the terminal result of a run.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Reason  string      `json:"reason"`
	RunID   string      `json:"run_id"`
	Steps   int         `json:"steps"`
	History []string    `json:"history"`
	// ApprovalRequestID is set when the run stopped on a pending approval.
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
	Err               error  `json:"-"`
}
