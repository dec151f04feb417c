package repository

import (
	"strings"
	"time"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
)

// ── Mirror types ─────────────────────────────────────────────────────────────

// MirrorRecord is the mirror's copy of one request: the last confirmed ledger
// snapshot it has seen plus metadata the ledger never stores.
type MirrorRecord struct {
	approval.Snapshot
	Metadata approval.Metadata `json:"metadata"`
	// Status is the stored status at the last sync. Expiry is not part of
	// it; readers apply approval.EffectiveStatus.
	Status      approval.Status `json:"status"`
	CompletedAt time.Time       `json:"completed_at"`
	SyncedAt    time.Time       `json:"synced_at"`
}

// Clone returns a deep copy.
func (r *MirrorRecord) Clone() *MirrorRecord {
	out := *r
	out.Snapshot = *r.Snapshot.Clone()
	if r.Metadata.ApproverNames != nil {
		out.Metadata.ApproverNames = make(map[string]string, len(r.Metadata.ApproverNames))
		for k, v := range r.Metadata.ApproverNames {
			out.Metadata.ApproverNames[k] = v
		}
	}
	return &out
}

// Filter selects mirror records. Zero fields match everything.
type Filter struct {
	Requester   string
	Approver    string
	Identity    string // requester or approver
	ContentHash string
	Statuses    []approval.Status
	// Now resolves the EXPIRED overlay when filtering by status.
	Now    time.Time
	Limit  int
	Offset int
}

// Match reports whether rec passes the filter at f.Now.
func (f Filter) Match(rec *MirrorRecord) bool {
	if f.Requester != "" && rec.Requester != f.Requester {
		return false
	}
	if f.Approver != "" && !rec.Involves(f.Approver, approval.RoleApprover) {
		return false
	}
	if f.Identity != "" && !rec.Involves(f.Identity, approval.RoleAny) {
		return false
	}
	if f.ContentHash != "" && !strings.EqualFold(rec.Document.ContentHash, f.ContentHash) {
		return false
	}
	if len(f.Statuses) > 0 {
		effective := approval.EffectiveStatus(&rec.Snapshot, f.Now)
		found := false
		for _, st := range f.Statuses {
			if st == effective {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ApplyResult describes what ApplySnapshot changed.
type ApplyResult struct {
	// Applied is false when the mirror already held this or a newer snapshot.
	Applied        bool
	Created        bool
	PreviousStatus approval.Status
	Status         approval.Status
	// ChangedSteps lists acted steps whose decision was written by this call.
	ChangedSteps []approval.Step
}

// ── Audit types ──────────────────────────────────────────────────────────────

// Audit actions.
const (
	AuditActionCreated   = "created"
	AuditActionApproved  = "approved"
	AuditActionRejected  = "rejected"
	AuditActionCancelled = "cancelled"
)

// AuditEntry is one immutable record in the audit log. Entries are derived
// from confirmed ledger transitions, so PerformedAt is ledger time.
type AuditEntry struct {
	ID           string          `json:"id"`
	RequestID    string          `json:"request_id"`
	StepOrder    int             `json:"step_order,omitempty"` // 0 for request-level actions
	Action       string          `json:"action"`
	PerformedBy  string          `json:"performed_by"`
	PerformedAt  time.Time       `json:"performed_at"`
	StatusBefore approval.Status `json:"status_before,omitempty"`
	StatusAfter  approval.Status `json:"status_after"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}
