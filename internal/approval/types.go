// Package approval holds the approval domain model and the step state machine.
// Everything here is pure: no I/O, no clocks. Callers pass "now" explicitly so
// the ledger, the mirror and the verifier compute identical statuses.
package approval

import "time"

// Status is the computed lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether no further action can change the outcome.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Active reports whether the request still accepts approvals or cancellation.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusPartial
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusPartial, StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return st, true
	}
	return "", false
}

// Decision is the action an identity takes on a request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionCancel  Decision = "cancel"
)

// Event types published for confirmed transitions.
const (
	EventRequestCreated   = "request_created"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestCancelled = "request_cancelled"
	EventRequestCompleted = "request_completed"
)

// Role selects which requests an identity "sees" on the ledger.
type Role string

const (
	RoleRequester Role = "requester"
	RoleApprover  Role = "approver"
	RoleAny       Role = "any"
)

// DocumentRef points at content held by the external content store.
type DocumentRef struct {
	ContentHash string `json:"content_hash"`
	Locator     string `json:"locator,omitempty"`
}

// Step is one approver's slot in a request.
type Step struct {
	StepOrder       int       `json:"step_order"`
	Approver        string    `json:"approver"`
	HasApproved     bool      `json:"has_approved"`
	HasRejected     bool      `json:"has_rejected"`
	ActionTimestamp time.Time `json:"action_timestamp"`
	Signature       string    `json:"signature,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// Acted reports whether the step carries a decision.
func (s Step) Acted() bool { return s.HasApproved || s.HasRejected }

// Payload carries decision-specific data for Act.
type Payload struct {
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Submission is what a requester sends to the ledger to open a request.
type Submission struct {
	Document       DocumentRef `json:"document"`
	Requester      string      `json:"requester"`
	Approvers      []string    `json:"approvers"`
	Flow           Flow        `json:"flow"`
	Priority       int         `json:"priority"`
	ExpiresAt      int64       `json:"expires_at"`
	Version        string      `json:"version"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// Snapshot is the authoritative ledger view of one request and its steps.
type Snapshot struct {
	RequestID      string      `json:"request_id"`
	Document       DocumentRef `json:"document"`
	Requester      string      `json:"requester"`
	Flow           Flow        `json:"flow"`
	Priority       int         `json:"priority"`
	ExpiresAt      int64       `json:"expires_at"`
	Version        string      `json:"version"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	// ConfirmedAt is the ledger time of the latest confirmed transition.
	ConfirmedAt time.Time `json:"confirmed_at"`
	Cancelled   bool      `json:"cancelled"`
	CancelledAt time.Time `json:"cancelled_at"`
	Steps       []Step    `json:"steps"`
}

// Metadata is human-facing data the ledger does not store. It lives only in
// the mirror.
type Metadata struct {
	Title         string            `json:"title,omitempty"`
	Description   string            `json:"description,omitempty"`
	RequesterName string            `json:"requester_name,omitempty"`
	ApproverNames map[string]string `json:"approver_names,omitempty"`
}

// Empty reports whether no metadata field is set.
func (m Metadata) Empty() bool {
	return m.Title == "" && m.Description == "" && m.RequesterName == "" && len(m.ApproverNames) == 0
}

// NewSnapshot opens a request from a validated submission. Steps are numbered
// 1..N in approver order.
func NewSnapshot(requestID string, sub *Submission, at time.Time) *Snapshot {
	steps := make([]Step, len(sub.Approvers))
	for i, approver := range sub.Approvers {
		steps[i] = Step{StepOrder: i + 1, Approver: approver}
	}
	return &Snapshot{
		RequestID:      requestID,
		Document:       sub.Document,
		Requester:      sub.Requester,
		Flow:           sub.Flow,
		Priority:       sub.Priority,
		ExpiresAt:      sub.ExpiresAt,
		Version:        sub.Version,
		IdempotencyKey: sub.IdempotencyKey,
		CreatedAt:      at,
		ConfirmedAt:    at,
		Steps:          steps,
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Steps = append([]Step(nil), s.Steps...)
	return &out
}

// StepIndex returns the index of identity's step or -1.
func (s *Snapshot) StepIndex(identity string) int {
	for i := range s.Steps {
		if s.Steps[i].Approver == identity {
			return i
		}
	}
	return -1
}

// Involves reports whether identity plays role on the request.
func (s *Snapshot) Involves(identity string, role Role) bool {
	isRequester := s.Requester == identity
	isApprover := s.StepIndex(identity) >= 0
	switch role {
	case RoleRequester:
		return isRequester
	case RoleApprover:
		return isApprover
	default:
		return isRequester || isApprover
	}
}

// ApprovedCount returns the number of approved steps.
func (s *Snapshot) ApprovedCount() int {
	n := 0
	for _, step := range s.Steps {
		if step.HasApproved {
			n++
		}
	}
	return n
}
