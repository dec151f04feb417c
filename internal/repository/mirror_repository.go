package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// MirrorRepository is the Postgres mirror of ledger state. Every write is a
// last-confirmed-write-wins upsert keyed on ledger confirmation time, so
// concurrent syncs of the same request converge on the newest snapshot.
type MirrorRepository struct {
	db *database.DB
}

// NewMirrorRepository creates a new MirrorRepository.
func NewMirrorRepository(db *database.DB) *MirrorRepository {
	return &MirrorRepository{db: db}
}

const upsertRequestQuery = `
	INSERT INTO approval_requests
	    (request_id, content_hash, locator, requester,
	     process_type, approval_type, priority, expires_at, version,
	     idempotency_key, cancelled, cancelled_at, completed_at,
	     status, created_at, confirmed_at, synced_at)
	VALUES ($1, $2, $3, $4,
	        $5, $6, $7, $8, $9,
	        $10, $11, $12, $13,
	        $14, $15, $16, NOW())
	ON CONFLICT (request_id) DO UPDATE
	SET cancelled    = EXCLUDED.cancelled,
	    cancelled_at = EXCLUDED.cancelled_at,
	    completed_at = EXCLUDED.completed_at,
	    status       = EXCLUDED.status,
	    confirmed_at = EXCLUDED.confirmed_at,
	    synced_at    = NOW()
	WHERE EXCLUDED.confirmed_at > approval_requests.confirmed_at
	RETURNING request_id
`

const upsertStepQuery = `
	INSERT INTO approval_steps
	    (request_id, step_order, approver,
	     has_approved, has_rejected, action_timestamp, signature, reason)
	VALUES ($1, $2, $3,
	        $4, $5, $6, $7, $8)
	ON CONFLICT (request_id, step_order) DO UPDATE
	SET has_approved     = EXCLUDED.has_approved,
	    has_rejected     = EXCLUDED.has_rejected,
	    action_timestamp = EXCLUDED.action_timestamp,
	    signature        = EXCLUDED.signature,
	    reason           = EXCLUDED.reason
	WHERE EXCLUDED.action_timestamp > COALESCE(approval_steps.action_timestamp, '-infinity'::timestamptz)
	RETURNING step_order
`

// UpsertRequest writes the request row of snap if it is newer than the stored
// one. It reports whether the row was written.
func (r *MirrorRepository) UpsertRequest(ctx context.Context, snap *approval.Snapshot) (bool, error) {
	return upsertRequest(ctx, r.db, snap)
}

// UpsertStep writes one step if its decision is newer than the stored one.
func (r *MirrorRepository) UpsertStep(ctx context.Context, requestID string, step approval.Step) (bool, error) {
	return upsertStep(ctx, r.db, requestID, step)
}

// ApplySnapshot writes the request and all its steps in one transaction.
func (r *MirrorRepository) ApplySnapshot(ctx context.Context, snap *approval.Snapshot) (*ApplyResult, error) {
	result := &ApplyResult{Status: approval.Evaluate(snap)}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var previous string
		err := tx.QueryRow(ctx,
			`SELECT status FROM approval_requests WHERE request_id = $1 FOR UPDATE`,
			snap.RequestID,
		).Scan(&previous)
		switch {
		case err == pgx.ErrNoRows:
			result.Created = true
		case err != nil:
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock mirror request")
		default:
			result.PreviousStatus = approval.Status(previous)
		}

		applied, err := upsertRequest(ctx, tx, snap)
		if err != nil {
			return err
		}
		result.Applied = applied
		if !applied {
			return nil
		}

		for _, step := range snap.Steps {
			changed, err := upsertStep(ctx, tx, snap.RequestID, step)
			if err != nil {
				return err
			}
			if changed && step.Acted() {
				result.ChangedSteps = append(result.ChangedSteps, step)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get retrieves a request with its steps.
func (r *MirrorRepository) Get(ctx context.Context, requestID string) (*MirrorRecord, error) {
	query := selectRequestColumns + ` WHERE request_id = $1`

	rec, err := r.scanRequest(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, errors.RequestNotFound(requestID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get mirror request")
	}
	if err := r.loadSteps(ctx, []*MirrorRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Query lists requests matching filter, newest first.
func (r *MirrorRepository) Query(ctx context.Context, filter Filter) ([]*MirrorRecord, error) {
	query := selectRequestColumns + ` WHERE 1=1`
	args := []any{}
	argCount := 0

	if filter.Requester != "" {
		argCount++
		query += fmt.Sprintf(" AND requester = $%d", argCount)
		args = append(args, filter.Requester)
	}
	if filter.Approver != "" {
		argCount++
		query += fmt.Sprintf(" AND request_id IN (SELECT request_id FROM approval_steps WHERE approver = $%d)", argCount)
		args = append(args, filter.Approver)
	}
	if filter.Identity != "" {
		argCount++
		query += fmt.Sprintf(" AND (requester = $%d OR request_id IN (SELECT request_id FROM approval_steps WHERE approver = $%d))", argCount, argCount)
		args = append(args, filter.Identity)
	}
	if filter.ContentHash != "" {
		argCount++
		query += fmt.Sprintf(" AND LOWER(content_hash) = LOWER($%d)", argCount)
		args = append(args, filter.ContentHash)
	}
	if len(filter.Statuses) > 0 {
		now := filter.Now
		if now.IsZero() {
			now = time.Now()
		}
		argCount++
		nowArg := argCount
		args = append(args, now.Unix())

		clauses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			switch st {
			case approval.StatusExpired:
				clauses = append(clauses, fmt.Sprintf(
					"(status IN ('PENDING','PARTIAL') AND expires_at <> 0 AND expires_at < $%d)", nowArg))
			case approval.StatusPending, approval.StatusPartial:
				argCount++
				clauses = append(clauses, fmt.Sprintf(
					"(status = $%d AND (expires_at = 0 OR expires_at >= $%d))", argCount, nowArg))
				args = append(args, string(st))
			default:
				argCount++
				clauses = append(clauses, fmt.Sprintf("status = $%d", argCount))
				args = append(args, string(st))
			}
		}
		query += " AND (" + strings.Join(clauses, " OR ") + ")"
	}

	query += " ORDER BY created_at DESC, request_id"

	if filter.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argCount++
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query mirror requests")
	}
	defer rows.Close()

	var records []*MirrorRecord
	for rows.Next() {
		rec, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan mirror request")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read mirror requests")
	}

	if err := r.loadSteps(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// SetMetadata stores mirror-only metadata on an existing request. Empty fields
// leave the stored value untouched.
func (r *MirrorRepository) SetMetadata(ctx context.Context, requestID string, meta approval.Metadata) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE approval_requests
			SET title          = COALESCE(NULLIF($2, ''), title),
			    description    = COALESCE(NULLIF($3, ''), description),
			    requester_name = COALESCE(NULLIF($4, ''), requester_name)
			WHERE request_id = $1
		`, requestID, meta.Title, meta.Description, meta.RequesterName)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request metadata")
		}
		if tag.RowsAffected() == 0 {
			return errors.RequestNotFound(requestID)
		}

		for approver, name := range meta.ApproverNames {
			if name == "" {
				continue
			}
			_, err := tx.Exec(ctx,
				`UPDATE approval_steps SET approver_name = $3 WHERE request_id = $1 AND approver = $2`,
				requestID, approver, name)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approver name")
			}
		}
		return nil
	})
}

// FindByContentHash returns every request for a document, newest first.
func (r *MirrorRepository) FindByContentHash(ctx context.Context, contentHash string) ([]*MirrorRecord, error) {
	return r.Query(ctx, Filter{ContentHash: contentHash})
}

// FindByIdempotencyKey returns the request a requester opened with key, or
// nil when there is none.
func (r *MirrorRepository) FindByIdempotencyKey(ctx context.Context, requester, key string) (*MirrorRecord, error) {
	query := selectRequestColumns + ` WHERE requester = $1 AND idempotency_key = $2`

	rec, err := r.scanRequest(r.db.QueryRow(ctx, query, requester, key))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find request by idempotency key")
	}
	if err := r.loadSteps(ctx, []*MirrorRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// KnownIdentities lists every requester and approver the mirror has seen.
func (r *MirrorRepository) KnownIdentities(ctx context.Context) ([]string, error) {
	return r.collectStrings(ctx, `
		SELECT requester FROM approval_requests
		UNION
		SELECT approver FROM approval_steps
		ORDER BY 1
	`)
}

// KnownRequestIDs lists requests whose stored status is still open. Terminal
// requests can no longer change on the ledger.
func (r *MirrorRepository) KnownRequestIDs(ctx context.Context) ([]string, error) {
	return r.collectStrings(ctx, `
		SELECT request_id FROM approval_requests
		WHERE status IN ('PENDING', 'PARTIAL')
		ORDER BY created_at
	`)
}

// ── write helpers ─────────────────────────────────────────────────────────────

// rowQuerier is satisfied by both the pool and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsertRequest(ctx context.Context, q rowQuerier, snap *approval.Snapshot) (bool, error) {
	var returned string
	err := q.QueryRow(ctx, upsertRequestQuery,
		snap.RequestID,
		snap.Document.ContentHash,
		snap.Document.Locator,
		snap.Requester,
		string(snap.Flow.Process()),
		string(snap.Flow.Approval()),
		snap.Priority,
		snap.ExpiresAt,
		snap.Version,
		nullString(snap.IdempotencyKey),
		snap.Cancelled,
		nullTime(snap.CancelledAt),
		nullTime(approval.CompletedAt(snap)),
		string(approval.Evaluate(snap)),
		snap.CreatedAt,
		snap.ConfirmedAt,
	).Scan(&returned)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert mirror request")
	}
	return true, nil
}

func upsertStep(ctx context.Context, q rowQuerier, requestID string, step approval.Step) (bool, error) {
	var returned int
	err := q.QueryRow(ctx, upsertStepQuery,
		requestID,
		step.StepOrder,
		step.Approver,
		step.HasApproved,
		step.HasRejected,
		nullTime(step.ActionTimestamp),
		nullString(step.Signature),
		nullString(step.Reason),
	).Scan(&returned)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert mirror step")
	}
	return true, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectRequestColumns = `
	SELECT request_id, content_hash, locator, requester,
	       process_type, approval_type, priority, expires_at, version,
	       idempotency_key, cancelled, cancelled_at, completed_at,
	       status, created_at, confirmed_at, synced_at,
	       title, description, requester_name
	FROM approval_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *MirrorRepository) scanRequest(sc rowScanner) (*MirrorRecord, error) {
	rec := &MirrorRecord{}
	var (
		processType, approvalType, status string
		idempotencyKey                    *string
		cancelledAt, completedAt          *time.Time
		title, description, requesterName *string
	)

	err := sc.Scan(
		&rec.RequestID,
		&rec.Document.ContentHash,
		&rec.Document.Locator,
		&rec.Requester,
		&processType,
		&approvalType,
		&rec.Priority,
		&rec.ExpiresAt,
		&rec.Version,
		&idempotencyKey,
		&rec.Cancelled,
		&cancelledAt,
		&completedAt,
		&status,
		&rec.CreatedAt,
		&rec.ConfirmedAt,
		&rec.SyncedAt,
		&title,
		&description,
		&requesterName,
	)
	if err != nil {
		return nil, err
	}

	flow, err := approval.FlowOf(approval.ProcessType(processType), approval.ApprovalType(approvalType))
	if err != nil {
		return nil, err
	}
	rec.Flow = flow
	rec.IdempotencyKey = derefString(idempotencyKey)
	rec.CancelledAt = derefTime(cancelledAt)
	rec.CompletedAt = derefTime(completedAt)
	rec.Status = approval.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ConfirmedAt = rec.ConfirmedAt.UTC()
	rec.SyncedAt = rec.SyncedAt.UTC()
	rec.Metadata.Title = derefString(title)
	rec.Metadata.Description = derefString(description)
	rec.Metadata.RequesterName = derefString(requesterName)
	return rec, nil
}

// loadSteps fills Steps and approver names for records in one query.
func (r *MirrorRepository) loadSteps(ctx context.Context, records []*MirrorRecord) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[string]*MirrorRecord, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		byID[rec.RequestID] = rec
		ids = append(ids, rec.RequestID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT request_id, step_order, approver, approver_name,
		       has_approved, has_rejected, action_timestamp, signature, reason
		FROM approval_steps
		WHERE request_id = ANY($1)
		ORDER BY request_id, step_order ASC
	`, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get mirror steps")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			requestID         string
			step              approval.Step
			approverName      *string
			actionTimestamp   *time.Time
			signature, reason *string
		)
		err := rows.Scan(
			&requestID,
			&step.StepOrder,
			&step.Approver,
			&approverName,
			&step.HasApproved,
			&step.HasRejected,
			&actionTimestamp,
			&signature,
			&reason,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan mirror step")
		}
		step.ActionTimestamp = derefTime(actionTimestamp)
		step.Signature = derefString(signature)
		step.Reason = derefString(reason)

		rec := byID[requestID]
		if rec == nil {
			continue
		}
		rec.Steps = append(rec.Steps, step)
		if approverName != nil && *approverName != "" {
			if rec.Metadata.ApproverNames == nil {
				rec.Metadata.ApproverNames = make(map[string]string)
			}
			rec.Metadata.ApproverNames[step.Approver] = *approverName
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read mirror steps")
	}
	return nil
}

func (r *MirrorRepository) collectStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query mirror")
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan mirror row")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
