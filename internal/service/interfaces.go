package service

import (
	"context"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// MirrorStore is the off-chain copy of ledger state. Implemented by
// repository.MirrorRepository and repository.MemoryMirror.
type MirrorStore interface {
	UpsertRequest(ctx context.Context, snap *approval.Snapshot) (bool, error)
	UpsertStep(ctx context.Context, requestID string, step approval.Step) (bool, error)
	ApplySnapshot(ctx context.Context, snap *approval.Snapshot) (*repository.ApplyResult, error)
	Get(ctx context.Context, requestID string) (*repository.MirrorRecord, error)
	Query(ctx context.Context, filter repository.Filter) ([]*repository.MirrorRecord, error)
	SetMetadata(ctx context.Context, requestID string, meta approval.Metadata) error
	FindByContentHash(ctx context.Context, contentHash string) ([]*repository.MirrorRecord, error)
	// FindByIdempotencyKey returns nil, nil when no request matches.
	FindByIdempotencyKey(ctx context.Context, requester, key string) (*repository.MirrorRecord, error)
	KnownIdentities(ctx context.Context) ([]string, error)
	KnownRequestIDs(ctx context.Context) ([]string, error)
}

// AuditLog is the append-only history of applied transitions.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// Notifier publishes approval events. Publishing never fails the caller.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType, requestID, actorID string, recipients []string, payload map[string]interface{})
}

// SignatureVerifier recomputes the signer of a digital-signature step.
type SignatureVerifier interface {
	VerifyStep(snap *approval.Snapshot, step approval.Step) error
}

// Notification event types.
const (
	EventRequestCreated   = approval.EventRequestCreated
	EventRequestApproved  = approval.EventRequestApproved
	EventRequestRejected  = approval.EventRequestRejected
	EventRequestCancelled = approval.EventRequestCancelled
	EventRequestCompleted = approval.EventRequestCompleted
)
