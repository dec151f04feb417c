// Package ledger defines the contract with the append-only ledger that is the
// source of truth for approval state, and an Adapter that enforces timeouts
// and the error taxonomy on top of any transport.
package ledger

import (
	"context"
	"time"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
)

// Receipt is returned once the ledger has confirmed a state change.
type Receipt struct {
	RequestID   string    `json:"request_id"`
	TxID        string    `json:"tx_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Client submits state changes to the ledger and reads its state. Mutating
// calls block until the ledger confirms or rejects. Request ids are only ever
// minted by the ledger and returned from Submit.
type Client interface {
	// Submit opens a new request. Fails with SUBMISSION_REJECTED or
	// SUBMISSION_TIMEOUT.
	Submit(ctx context.Context, sub *approval.Submission) (*Receipt, error)
	// Act records an approve, reject or cancel decision. Fails with
	// REQUEST_NOT_FOUND, REQUEST_NOT_ACTIVE, REQUEST_EXPIRED,
	// STEP_OUT_OF_ORDER, NOT_AUTHORIZED or SUBMISSION_TIMEOUT.
	Act(ctx context.Context, requestID, actor string, decision approval.Decision, payload approval.Payload) (*Receipt, error)
	// QueryRequest returns the authoritative snapshot or REQUEST_NOT_FOUND.
	QueryRequest(ctx context.Context, requestID string) (*approval.Snapshot, error)
	// QueryByIdentity lists the request ids visible to identity in role.
	QueryByIdentity(ctx context.Context, identity string, role approval.Role) ([]string, error)
}
