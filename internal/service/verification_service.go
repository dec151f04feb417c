package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/tracing"
)

// VerificationRecord is an approval record re-derived from the ledger.
type VerificationRecord struct {
	RequestID     string               `json:"request_id"`
	Document      approval.DocumentRef `json:"document"`
	Title         string               `json:"title,omitempty"`
	Description   string               `json:"description,omitempty"`
	Requester     string               `json:"requester"`
	RequesterName string               `json:"requester_name,omitempty"`
	Flow          approval.Flow        `json:"flow"`
	Version       string               `json:"version,omitempty"`
	Status        approval.Status      `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	Steps         []VerifiedStep       `json:"steps"`
	// Verified is true only for APPROVED requests whose signatures, if the
	// flow requires them, all recover to their approvers.
	Verified  bool      `json:"verified"`
	CheckedAt time.Time `json:"checked_at"`
}

// VerifiedStep is one step of a VerificationRecord.
type VerifiedStep struct {
	StepOrder       int        `json:"step_order"`
	Approver        string     `json:"approver"`
	ApproverName    string     `json:"approver_name,omitempty"`
	HasApproved     bool       `json:"has_approved"`
	HasRejected     bool       `json:"has_rejected"`
	ActionTimestamp *time.Time `json:"action_timestamp,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Signature       string     `json:"signature,omitempty"`
	// SignatureValid is set only for approved digital-signature steps.
	SignatureValid *bool  `json:"signature_valid,omitempty"`
	SignatureError string `json:"signature_error,omitempty"`
}

// VerificationService answers "was this document approved, and by whom"
// from the ledger. The mirror only resolves content hashes to request ids and
// supplies display metadata.
type VerificationService struct {
	ledger   ledger.Client
	mirror   MirrorStore
	verifier SignatureVerifier
	now      func() time.Time
	log      *logger.Logger
}

// NewVerificationService creates a new VerificationService.
func NewVerificationService(l ledger.Client, mirror MirrorStore, verifier SignatureVerifier, log *logger.Logger) *VerificationService {
	return &VerificationService{
		ledger:   l,
		mirror:   mirror,
		verifier: verifier,
		now:      time.Now,
		log:      log.Component("verification"),
	}
}

// WithClock overrides the clock used for the expiry overlay.
func (s *VerificationService) WithClock(now func() time.Time) *VerificationService {
	s.now = now
	return s
}

// Verify resolves lookupKey (a request id or a document content hash) and
// rebuilds the approval record from the ledger's current snapshot.
func (s *VerificationService) Verify(ctx context.Context, lookupKey string) (*VerificationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "verification.verify", "INTERNAL")
	span.WithAttributes(map[string]string{"lookup_key": lookupKey})

	snap, err := s.resolve(ctx, lookupKey)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}
	now := s.now()
	record := s.build(ctx, snap, now)
	tracing.EndSpan(span, nil)

	s.log.Info().
		Str("lookup_key", lookupKey).
		Str("request_id", record.RequestID).
		Str("status", string(record.Status)).
		Bool("verified", record.Verified).
		Msg("Verification completed")
	return record, nil
}

// resolve finds the ledger snapshot for a lookup key. When a hash matches
// several requests an APPROVED one wins, otherwise the most recent.
func (s *VerificationService) resolve(ctx context.Context, lookupKey string) (*approval.Snapshot, error) {
	if lookupKey == "" {
		return nil, errors.InvalidInput("lookup_key", "lookup key is required")
	}

	snap, err := s.ledger.QueryRequest(ctx, lookupKey)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, errors.ErrRequestNotFound) {
		return nil, err
	}

	candidates, err := s.mirror.FindByContentHash(ctx, lookupKey)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var best *approval.Snapshot
	for _, rec := range candidates {
		cand, err := s.ledger.QueryRequest(ctx, rec.RequestID)
		if errors.Is(err, errors.ErrRequestNotFound) {
			s.log.Warn().Str("request_id", rec.RequestID).Msg("Mirror record has no ledger counterpart")
			continue
		}
		if err != nil {
			return nil, err
		}
		if best == nil || preferred(cand, best, now) {
			best = cand
		}
	}
	if best == nil {
		return nil, errors.NotFound("approval_request", lookupKey)
	}
	return best, nil
}

func preferred(a, b *approval.Snapshot, now time.Time) bool {
	aApproved := approval.EffectiveStatus(a, now) == approval.StatusApproved
	bApproved := approval.EffectiveStatus(b, now) == approval.StatusApproved
	if aApproved != bApproved {
		return aApproved
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *VerificationService) build(ctx context.Context, snap *approval.Snapshot, now time.Time) *VerificationRecord {
	record := &VerificationRecord{
		RequestID: snap.RequestID,
		Document:  snap.Document,
		Requester: snap.Requester,
		Flow:      snap.Flow,
		Version:   snap.Version,
		Status:    approval.EffectiveStatus(snap, now),
		CreatedAt: snap.CreatedAt,
		Steps:     make([]VerifiedStep, 0, len(snap.Steps)),
		CheckedAt: now.UTC(),
	}
	if completed := approval.CompletedAt(snap); !completed.IsZero() {
		record.CompletedAt = &completed
	}

	var meta approval.Metadata
	if rec, err := s.mirror.Get(ctx, snap.RequestID); err == nil {
		meta = rec.Metadata
	} else if !errors.Is(err, errors.ErrRequestNotFound) {
		s.log.Warn().Err(err).Str("request_id", snap.RequestID).Msg("Failed to load mirror metadata")
	}
	record.Title = meta.Title
	record.Description = meta.Description
	record.RequesterName = meta.RequesterName

	signaturesValid := true
	for _, step := range snap.Steps {
		vs := VerifiedStep{
			StepOrder:    step.StepOrder,
			Approver:     step.Approver,
			ApproverName: meta.ApproverNames[step.Approver],
			HasApproved:  step.HasApproved,
			HasRejected:  step.HasRejected,
			Reason:       step.Reason,
			Signature:    step.Signature,
		}
		if !step.ActionTimestamp.IsZero() {
			at := step.ActionTimestamp
			vs.ActionTimestamp = &at
		}
		if snap.Flow.RequiresSignature() && step.HasApproved {
			valid := true
			if err := s.verifier.VerifyStep(snap, step); err != nil {
				valid = false
				signaturesValid = false
				vs.SignatureError = err.Error()
				s.log.Warn().Err(err).
					Str("request_id", snap.RequestID).
					Int("step_order", step.StepOrder).
					Msg("Signature does not match approver")
			}
			vs.SignatureValid = &valid
		}
		record.Steps = append(record.Steps, vs)
	}

	record.Verified = record.Status == approval.StatusApproved && signaturesValid
	return record
}
