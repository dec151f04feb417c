package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// ValidateSubmission checks a submission before it is sent to or accepted by
// the ledger. Every failure is SUBMISSION_REJECTED.
func ValidateSubmission(sub *Submission) error {
	reject := func(format string, args ...any) error {
		return errors.Newf(errors.ErrCodeSubmissionRejected, format, args...)
	}
	if sub == nil {
		return reject("submission is required")
	}
	if strings.TrimSpace(sub.Document.ContentHash) == "" {
		return reject("document content hash is required")
	}
	if strings.TrimSpace(sub.Requester) == "" {
		return reject("requester identity is required")
	}
	if !sub.Flow.Valid() {
		return reject("unsupported flow %s", sub.Flow)
	}
	if len(sub.Approvers) == 0 {
		return reject("approver list is empty")
	}
	if sub.ExpiresAt < 0 {
		return reject("expiry must be 0 or a unix timestamp")
	}
	seen := make(map[string]struct{}, len(sub.Approvers))
	for i, approver := range sub.Approvers {
		if strings.TrimSpace(approver) == "" {
			return reject("approver %d is empty", i+1)
		}
		if _, dup := seen[approver]; dup {
			return reject("approver %s listed more than once", approver)
		}
		seen[approver] = struct{}{}
	}
	return nil
}

// Evaluate computes the stored status of a request: everything except the
// expiry overlay. The rules are the same for both process types; ordering only
// matters when authorizing an action.
func Evaluate(s *Snapshot) Status {
	if s.Cancelled {
		return StatusCancelled
	}
	approved := 0
	for _, step := range s.Steps {
		if step.HasRejected {
			return StatusRejected
		}
		if step.HasApproved {
			approved++
		}
	}
	switch {
	case len(s.Steps) > 0 && approved == len(s.Steps):
		return StatusApproved
	case approved > 0:
		return StatusPartial
	default:
		return StatusPending
	}
}

// EffectiveStatus applies the expiry overlay to Evaluate. Every reader must go
// through this function so ledger and mirror views never diverge.
func EffectiveStatus(s *Snapshot, now time.Time) Status {
	status := Evaluate(s)
	if status.Terminal() {
		return status
	}
	if Expired(s, now) {
		return StatusExpired
	}
	return status
}

// Expired reports whether the request's expiry has passed.
func Expired(s *Snapshot, now time.Time) bool {
	return s.ExpiresAt != 0 && now.Unix() > s.ExpiresAt
}

// CompletedAt returns when the request reached APPROVED, REJECTED or
// CANCELLED. The zero time means it has not.
func CompletedAt(s *Snapshot) time.Time {
	switch Evaluate(s) {
	case StatusCancelled:
		return s.CancelledAt
	case StatusRejected:
		for _, step := range s.Steps {
			if step.HasRejected {
				return step.ActionTimestamp
			}
		}
	case StatusApproved:
		var last time.Time
		for _, step := range s.Steps {
			if step.ActionTimestamp.After(last) {
				last = step.ActionTimestamp
			}
		}
		return last
	}
	return time.Time{}
}

// NextActionable returns the index of the lowest-order step that has not
// acted, or -1 when every step has acted.
func NextActionable(s *Snapshot) int {
	next := -1
	for i, step := range s.Steps {
		if step.Acted() {
			continue
		}
		if next == -1 || step.StepOrder < s.Steps[next].StepOrder {
			next = i
		}
	}
	return next
}

// Authorize checks whether actor may take decision on the request at now and
// returns the index of the step that would change.
func Authorize(s *Snapshot, actor string, decision Decision, payload Payload, now time.Time) (int, error) {
	switch EffectiveStatus(s, now) {
	case StatusApproved, StatusRejected, StatusCancelled:
		return -1, errors.Newf(errors.ErrCodeRequestNotActive, "request %s is %s", s.RequestID, Evaluate(s))
	case StatusExpired:
		return -1, errors.Newf(errors.ErrCodeRequestExpired, "request %s expired at %d", s.RequestID, s.ExpiresAt)
	}

	idx := s.StepIndex(actor)
	if idx < 0 {
		return -1, errors.Newf(errors.ErrCodeNotAuthorized, "%s is not an approver of request %s", actor, s.RequestID)
	}
	if s.Steps[idx].Acted() {
		return -1, errors.Newf(errors.ErrCodeStepDecided, "step %d of request %s already decided", s.Steps[idx].StepOrder, s.RequestID)
	}

	if s.Flow.Sequential() {
		if next := NextActionable(s); next != idx {
			return -1, errors.Newf(errors.ErrCodeStepOutOfOrder,
				"step %d of request %s cannot act before step %d", s.Steps[idx].StepOrder, s.RequestID, s.Steps[next].StepOrder)
		}
	}

	switch decision {
	case DecisionApprove:
		if s.Flow.RequiresSignature() && strings.TrimSpace(payload.Signature) == "" {
			return -1, errors.InvalidInput("signature", "a signature artifact is required for digital signature approvals")
		}
	case DecisionReject:
		if strings.TrimSpace(payload.Reason) == "" {
			return -1, errors.InvalidInput("reason", "rejection reason is required")
		}
	default:
		return -1, errors.InvalidInput("decision", fmt.Sprintf("unsupported step decision %q", decision))
	}
	return idx, nil
}

// AuthorizeCancel checks whether actor may cancel the request at now.
func AuthorizeCancel(s *Snapshot, actor string, now time.Time) error {
	if s.Requester != actor {
		return errors.Newf(errors.ErrCodeNotAuthorized, "only the requester can cancel request %s", s.RequestID)
	}
	if status := EffectiveStatus(s, now); !status.Active() {
		return errors.Newf(errors.ErrCodeRequestNotActive, "request %s cannot be cancelled from %s", s.RequestID, status)
	}
	return nil
}

// Apply records an authorized step decision confirmed at the given time and
// returns the new snapshot. s is not modified.
func Apply(s *Snapshot, idx int, decision Decision, payload Payload, at time.Time) *Snapshot {
	out := s.Clone()
	step := &out.Steps[idx]
	step.ActionTimestamp = at
	switch decision {
	case DecisionApprove:
		step.HasApproved = true
		step.Signature = payload.Signature
	case DecisionReject:
		step.HasRejected = true
		step.Reason = payload.Reason
	}
	out.ConfirmedAt = at
	return out
}

// ApplyCancel records an authorized cancellation.
func ApplyCancel(s *Snapshot, at time.Time) *Snapshot {
	out := s.Clone()
	out.Cancelled = true
	out.CancelledAt = at
	out.ConfirmedAt = at
	return out
}

// Transition authorizes and applies any decision, including cancel. Ledger
// implementations call this with "now" equal to the confirmation time.
func Transition(s *Snapshot, actor string, decision Decision, payload Payload, at time.Time) (*Snapshot, error) {
	if decision == DecisionCancel {
		if err := AuthorizeCancel(s, actor, at); err != nil {
			return nil, err
		}
		return ApplyCancel(s, at), nil
	}
	idx, err := Authorize(s, actor, decision, payload, at)
	if err != nil {
		return nil, err
	}
	return Apply(s, idx, decision, payload, at), nil
}
