package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// postActionSyncTimeout bounds the mirror sync that follows a confirmed
// action. It runs detached from the caller's context.
const postActionSyncTimeout = 30 * time.Second

// CreateRequestInput is the input of CreateRequest.
type CreateRequestInput struct {
	Document       approval.DocumentRef `json:"document"`
	Requester      string               `json:"requester"`
	Approvers      []string             `json:"approvers"`
	Flow           approval.Flow        `json:"flow"`
	Priority       int                  `json:"priority"`
	ExpiresAt      int64                `json:"expires_at"`
	Version        string               `json:"version"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Metadata       approval.Metadata    `json:"metadata"`
}

// WorkflowService is the user-facing entry point. Every mutation goes to the
// ledger first; the mirror is only written by the SyncEngine from confirmed
// ledger snapshots.
type WorkflowService struct {
	ledger ledger.Client
	mirror MirrorStore
	audit  AuditLog
	sync   *SyncEngine
	now    func() time.Time
	log    *logger.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	l ledger.Client,
	mirror MirrorStore,
	audit AuditLog,
	sync *SyncEngine,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		ledger: l,
		mirror: mirror,
		audit:  audit,
		sync:   sync,
		now:    time.Now,
		log:    log.Component("workflow"),
	}
}

// WithClock overrides the clock used for the expiry overlay on reads.
func (s *WorkflowService) WithClock(now func() time.Time) *WorkflowService {
	s.now = now
	return s
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateRequest submits a new request to the ledger and mirrors it before
// returning. If the ledger confirmed but the mirror could not be written, the
// ledger-minted id is returned together with MIRROR_SYNC_FAILED; the next
// sweep repairs the mirror.
func (s *WorkflowService) CreateRequest(ctx context.Context, in *CreateRequestInput) (string, error) {
	if in == nil {
		return "", errors.New(errors.ErrCodeSubmissionRejected, "request input is required")
	}

	if in.IdempotencyKey != "" {
		existing, err := s.mirror.FindByIdempotencyKey(ctx, in.Requester, in.IdempotencyKey)
		if err != nil {
			s.log.Warn().Err(err).
				Str("requester", in.Requester).
				Msg("Idempotency lookup failed; relying on ledger deduplication")
		} else if existing != nil {
			s.log.Info().
				Str("request_id", existing.RequestID).
				Str("requester", in.Requester).
				Msg("Returning existing request for idempotency key")
			return existing.RequestID, nil
		}
	}

	sub := &approval.Submission{
		Document:       in.Document,
		Requester:      in.Requester,
		Approvers:      append([]string(nil), in.Approvers...),
		Flow:           in.Flow,
		Priority:       in.Priority,
		ExpiresAt:      in.ExpiresAt,
		Version:        in.Version,
		IdempotencyKey: in.IdempotencyKey,
	}
	if err := approval.ValidateSubmission(sub); err != nil {
		return "", err
	}

	receipt, err := s.ledger.Submit(ctx, sub)
	if err != nil {
		return "", err
	}
	requestID := receipt.RequestID

	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postActionSyncTimeout)
	defer cancel()

	if _, err := s.sync.SyncRequest(syncCtx, requestID); err != nil {
		s.log.Error().Err(err).
			Str("request_id", requestID).
			Msg("Request confirmed on ledger but mirror sync failed")
		return requestID, errors.Wrap(err, errors.ErrCodeMirrorSyncFailed,
			"request confirmed on ledger; mirror will be repaired by the next sweep").
			WithDetail("request_id", requestID)
	}

	if !in.Metadata.Empty() {
		if err := s.mirror.SetMetadata(syncCtx, requestID, in.Metadata); err != nil {
			s.log.Error().Err(err).
				Str("request_id", requestID).
				Msg("Failed to store request metadata")
			return requestID, errors.Wrap(err, errors.ErrCodeMirrorSyncFailed,
				"request confirmed on ledger; metadata was not stored").
				WithDetail("request_id", requestID).
				WithDetail("stage", "metadata")
		}
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("tx_id", receipt.TxID).
		Str("requester", in.Requester).
		Str("flow", in.Flow.String()).
		Int("approvers", len(in.Approvers)).
		Msg("Approval request created")

	return requestID, nil
}

// ── Actions ───────────────────────────────────────────────────────────────────

// Approve records approverIdentity's approval. signature is mandatory for
// digital-signature requests and is passed through unverified.
func (s *WorkflowService) Approve(ctx context.Context, requestID, approverIdentity, signature string) error {
	return s.act(ctx, requestID, approverIdentity, approval.DecisionApprove, approval.Payload{Signature: signature})
}

// Reject records approverIdentity's rejection. A reason is required.
func (s *WorkflowService) Reject(ctx context.Context, requestID, approverIdentity, reason string) error {
	return s.act(ctx, requestID, approverIdentity, approval.DecisionReject, approval.Payload{Reason: reason})
}

// Cancel lets the requester withdraw an open request.
func (s *WorkflowService) Cancel(ctx context.Context, requestID, requesterIdentity string) error {
	return s.act(ctx, requestID, requesterIdentity, approval.DecisionCancel, approval.Payload{})
}

// act submits a decision and then syncs the mirror. Ledger errors are
// returned verbatim; sync errors are only logged because the action itself
// is already confirmed.
func (s *WorkflowService) act(ctx context.Context, requestID, actor string, decision approval.Decision, payload approval.Payload) error {
	receipt, err := s.ledger.Act(ctx, requestID, actor, decision, payload)
	if err != nil {
		return err
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("tx_id", receipt.TxID).
		Str("actor", actor).
		Str("decision", string(decision)).
		Time("confirmed_at", receipt.ConfirmedAt).
		Msg("Decision confirmed on ledger")

	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postActionSyncTimeout)
	defer cancel()
	if _, err := s.sync.SyncRequest(syncCtx, requestID); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", requestID).
			Str("decision", string(decision)).
			Msg("Mirror sync after decision failed; left to reconciliation")
	}
	return nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// Get returns the mirrored request with the expiry overlay applied to Status.
// A request missing from the mirror is fetched from the ledger once, so a
// request confirmed during a mirror outage is still readable.
func (s *WorkflowService) Get(ctx context.Context, requestID string) (*repository.MirrorRecord, error) {
	rec, err := s.mirror.Get(ctx, requestID)
	if errors.Is(err, errors.ErrRequestNotFound) {
		if _, syncErr := s.sync.SyncRequest(ctx, requestID); syncErr != nil {
			if errors.Is(syncErr, errors.ErrRequestNotFound) {
				return nil, err
			}
			return nil, syncErr
		}
		rec, err = s.mirror.Get(ctx, requestID)
	}
	if err != nil {
		return nil, err
	}
	s.overlay(rec)
	return rec, nil
}

// List returns mirrored requests matching filter with the expiry overlay.
func (s *WorkflowService) List(ctx context.Context, filter repository.Filter) ([]*repository.MirrorRecord, error) {
	filter.Now = s.now()
	records, err := s.mirror.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		s.overlay(rec)
	}
	if records == nil {
		records = []*repository.MirrorRecord{}
	}
	return records, nil
}

// History returns the audit trail of a request, oldest first.
func (s *WorkflowService) History(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := s.mirror.Get(ctx, requestID); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []*repository.AuditEntry{}, nil
	}
	return s.audit.ListByRequest(ctx, requestID)
}

// Sync triggers a reconciliation: of one identity when given, of everything
// otherwise.
func (s *WorkflowService) Sync(ctx context.Context, identity string) (*SweepReport, error) {
	if identity != "" {
		return s.sync.Sweep(ctx, identity)
	}
	return s.sync.SweepAll(ctx)
}

func (s *WorkflowService) overlay(rec *repository.MirrorRecord) {
	rec.Status = approval.EffectiveStatus(&rec.Snapshot, s.now())
}
