package service

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/backoff/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
	"github.com/pesio-ai/be-doc-approvals/internal/tracing"
)

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// Retries is the number of post-action sync attempts, the first one
	// included.
	Retries int
	// Backoff is the first retry interval; it doubles up to 32x.
	Backoff time.Duration
	// SweepConcurrency bounds concurrent ledger reads during a sweep.
	SweepConcurrency int
	// Identities are always swept in addition to the ones the mirror knows.
	Identities []string
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Identities int           `json:"identities"`
	Scanned    int           `json:"scanned"`
	Applied    int           `json:"applied"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// SyncEngine copies ledger snapshots into the mirror. It is the only writer of
// ledger-derived mirror state, so every mirror record originates from a
// confirmed ledger snapshot.
type SyncEngine struct {
	ledger   ledger.Client
	mirror   MirrorStore
	audit    AuditLog
	notifier Notifier
	cfg      SyncConfig
	log      *logger.Logger
}

// NewSyncEngine creates a new SyncEngine. audit and notifier may be nil.
func NewSyncEngine(
	l ledger.Client,
	mirror MirrorStore,
	audit AuditLog,
	notifier Notifier,
	cfg SyncConfig,
	log *logger.Logger,
) *SyncEngine {
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 8
	}
	return &SyncEngine{
		ledger:   l,
		mirror:   mirror,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		log:      log.Component("sync"),
	}
}

// ── Post-action sync ──────────────────────────────────────────────────────────

// SyncRequest fetches the ledger snapshot of one request and applies it to the
// mirror, retrying with exponential backoff. REQUEST_NOT_FOUND from the ledger
// is final and is not retried.
func (e *SyncEngine) SyncRequest(ctx context.Context, requestID string) (*repository.ApplyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.request", "INTERNAL")
	span.WithAttributes(map[string]string{"request_id": requestID})

	policy := backoff.Exponential(
		backoff.WithMinInterval(e.cfg.Backoff),
		backoff.WithMaxInterval(32*e.cfg.Backoff),
		backoff.WithJitterFactor(0.1),
		backoff.WithMaxRetries(e.cfg.Retries),
	)

	var (
		result  *repository.ApplyResult
		lastErr error
		attempt int
	)
	b := policy.Start(ctx)
	for backoff.Continue(b) {
		attempt++
		result, lastErr = e.syncOnce(ctx, requestID)
		if lastErr == nil {
			tracing.EndSpan(span, nil)
			return result, nil
		}
		e.log.Warn().Err(lastErr).
			Str("request_id", requestID).
			Int("attempt", attempt).
			Msg("Mirror sync attempt failed")
		if errors.Is(lastErr, errors.ErrRequestNotFound) || attempt >= e.cfg.Retries {
			break
		}
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	tracing.EndSpan(span, lastErr)
	return nil, lastErr
}

func (e *SyncEngine) syncOnce(ctx context.Context, requestID string) (*repository.ApplyResult, error) {
	snap, err := e.ledger.QueryRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, snap)
}

// apply writes snap to the mirror and, when it changed anything, records the
// derived audit entries and notifications.
func (e *SyncEngine) apply(ctx context.Context, snap *approval.Snapshot) (*repository.ApplyResult, error) {
	res, err := e.mirror.ApplySnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return res, nil
	}

	e.log.Info().
		Str("request_id", snap.RequestID).
		Str("status", string(res.Status)).
		Str("previous_status", string(res.PreviousStatus)).
		Bool("created", res.Created).
		Int("changed_steps", len(res.ChangedSteps)).
		Time("confirmed_at", snap.ConfirmedAt).
		Msg("Mirror updated from ledger")

	e.recordAudit(ctx, snap, res)
	e.notify(ctx, snap, res)
	return res, nil
}

// ── Reconciliation ────────────────────────────────────────────────────────────

// Sweep re-syncs every request the ledger associates with identity. Per
// request failures are logged and counted, never returned; the next sweep
// retries them.
func (e *SyncEngine) Sweep(ctx context.Context, identity string) (*SweepReport, error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "sync.sweep", "INTERNAL")
	span.WithAttributes(map[string]string{"identity": identity})

	ids, err := e.ledger.QueryByIdentity(ctx, identity, approval.RoleAny)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	report := e.syncAll(ctx, ids)
	report.Identities = 1
	report.Duration = time.Since(started)
	tracing.EndSpan(span, nil)

	e.log.Info().
		Str("identity", identity).
		Int("scanned", report.Scanned).
		Int("applied", report.Applied).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Sweep completed")
	return report, nil
}

// SweepAll sweeps every identity the mirror knows plus the configured ones,
// and re-syncs every open request the mirror holds.
func (e *SyncEngine) SweepAll(ctx context.Context) (*SweepReport, error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "sync.sweep_all", "INTERNAL")

	known, err := e.mirror.KnownIdentities(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to list mirror identities; sweeping configured identities only")
	}
	identities := uniqueSorted(append(append([]string{}, e.cfg.Identities...), known...))

	idSet := make(map[string]struct{})
	failedIdentities := 0
	for _, identity := range identities {
		ids, err := e.ledger.QueryByIdentity(ctx, identity, approval.RoleAny)
		if err != nil {
			failedIdentities++
			e.log.Warn().Err(err).Str("identity", identity).Msg("Failed to list ledger requests for identity")
			continue
		}
		for _, id := range ids {
			idSet[id] = struct{}{}
		}
	}

	open, err := e.mirror.KnownRequestIDs(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to list open mirror requests")
	}
	for _, id := range open {
		idSet[id] = struct{}{}
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	report := e.syncAll(ctx, ids)
	report.Identities = len(identities)
	report.Failed += failedIdentities
	report.Duration = time.Since(started)
	tracing.EndSpan(span, nil)

	e.log.Info().
		Int("identities", report.Identities).
		Int("scanned", report.Scanned).
		Int("applied", report.Applied).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Full sweep completed")
	return report, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (e *SyncEngine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.InvalidInput("interval", "sweep interval must be positive")
	}
	e.log.Info().Dur("interval", interval).Msg("Reconciliation loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.SweepAll(ctx); err != nil {
			e.log.Error().Err(err).Msg("Sweep failed")
		}
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Reconciliation loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// syncAll applies the current ledger snapshot of every id with bounded
// concurrency. A single attempt per id; sweeps are retried by the next sweep.
func (e *SyncEngine) syncAll(ctx context.Context, ids []string) *SweepReport {
	var applied, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(e.cfg.SweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			res, err := e.syncOnce(ctx, id)
			if err != nil {
				failed.Add(1)
				e.log.Warn().Err(err).Str("request_id", id).Msg("Sweep failed to sync request")
				return nil
			}
			if res.Applied {
				applied.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return &SweepReport{
		Scanned: len(ids),
		Applied: int(applied.Load()),
		Failed:  int(failed.Load()),
	}
}

// ── Derived audit entries and notifications ───────────────────────────────────

func (e *SyncEngine) recordAudit(ctx context.Context, snap *approval.Snapshot, res *repository.ApplyResult) {
	if e.audit == nil {
		return
	}
	if res.Created {
		e.appendAudit(ctx, &repository.AuditEntry{
			RequestID:   snap.RequestID,
			Action:      repository.AuditActionCreated,
			PerformedBy: snap.Requester,
			PerformedAt: snap.CreatedAt,
			StatusAfter: approval.StatusPending,
			Metadata: map[string]any{
				"flow":         snap.Flow.String(),
				"approvers":    len(snap.Steps),
				"content_hash": snap.Document.ContentHash,
			},
		})
	}

	for _, step := range sortedByAction(res.ChangedSteps) {
		entry := &repository.AuditEntry{
			RequestID:    snap.RequestID,
			StepOrder:    step.StepOrder,
			PerformedBy:  step.Approver,
			PerformedAt:  step.ActionTimestamp,
			StatusBefore: statusAt(snap, step.ActionTimestamp.Add(-time.Nanosecond)),
			StatusAfter:  statusAt(snap, step.ActionTimestamp),
		}
		if step.HasApproved {
			entry.Action = repository.AuditActionApproved
			entry.Metadata = map[string]any{"signed": step.Signature != ""}
		} else {
			entry.Action = repository.AuditActionRejected
			entry.Metadata = map[string]any{"reason": step.Reason}
		}
		e.appendAudit(ctx, entry)
	}

	if snap.Cancelled && res.PreviousStatus != approval.StatusCancelled {
		e.appendAudit(ctx, &repository.AuditEntry{
			RequestID:    snap.RequestID,
			Action:       repository.AuditActionCancelled,
			PerformedBy:  snap.Requester,
			PerformedAt:  snap.CancelledAt,
			StatusBefore: statusAt(snap, snap.CancelledAt.Add(-time.Nanosecond)),
			StatusAfter:  approval.StatusCancelled,
		})
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (e *SyncEngine) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := e.audit.Append(ctx, entry); err != nil {
		e.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func (e *SyncEngine) notify(ctx context.Context, snap *approval.Snapshot, res *repository.ApplyResult) {
	if e.notifier == nil {
		return
	}
	approvers := make([]string, len(snap.Steps))
	for i, step := range snap.Steps {
		approvers[i] = step.Approver
	}
	requester := []string{snap.Requester}

	if res.Created {
		recipients := approvers
		if snap.Flow.Sequential() {
			if next := approval.NextActionable(snap); next >= 0 {
				recipients = []string{snap.Steps[next].Approver}
			}
		}
		e.notifier.PublishApprovalEvent(ctx, EventRequestCreated, snap.RequestID, snap.Requester, recipients, map[string]interface{}{
			"flow":         snap.Flow.String(),
			"content_hash": snap.Document.ContentHash,
			"priority":     snap.Priority,
			"expires_at":   snap.ExpiresAt,
		})
	}

	for _, step := range sortedByAction(res.ChangedSteps) {
		if step.HasApproved {
			payload := map[string]interface{}{"step_order": step.StepOrder}
			if snap.Flow.Sequential() {
				if next := approval.NextActionable(snap); next >= 0 && !approval.Evaluate(snap).Terminal() {
					payload["next_approver"] = snap.Steps[next].Approver
				}
			}
			e.notifier.PublishApprovalEvent(ctx, EventRequestApproved, snap.RequestID, step.Approver, requester, payload)
			continue
		}
		e.notifier.PublishApprovalEvent(ctx, EventRequestRejected, snap.RequestID, step.Approver, requester, map[string]interface{}{
			"step_order": step.StepOrder,
			"reason":     step.Reason,
		})
	}

	if snap.Cancelled && res.PreviousStatus != approval.StatusCancelled {
		e.notifier.PublishApprovalEvent(ctx, EventRequestCancelled, snap.RequestID, snap.Requester, approvers, nil)
	}

	if res.Status == approval.StatusApproved && res.PreviousStatus != approval.StatusApproved {
		e.notifier.PublishApprovalEvent(ctx, EventRequestCompleted, snap.RequestID, snap.Requester,
			append(requester, approvers...), map[string]interface{}{
				"status":       string(res.Status),
				"completed_at": approval.CompletedAt(snap),
			})
	}
}

// statusAt evaluates snap as it stood at t, ignoring later transitions.
func statusAt(snap *approval.Snapshot, t time.Time) approval.Status {
	past := snap.Clone()
	for i := range past.Steps {
		if past.Steps[i].Acted() && past.Steps[i].ActionTimestamp.After(t) {
			past.Steps[i].HasApproved = false
			past.Steps[i].HasRejected = false
		}
	}
	if past.Cancelled && past.CancelledAt.After(t) {
		past.Cancelled = false
	}
	return approval.Evaluate(past)
}

func sortedByAction(steps []approval.Step) []approval.Step {
	out := append([]approval.Step(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ActionTimestamp.Before(out[j].ActionTimestamp)
	})
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
