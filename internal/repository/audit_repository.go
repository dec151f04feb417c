package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

var auditNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://pesio.ai/doc-approvals/audit"))

// AuditID derives a stable id for a transition so that replaying the same
// ledger change never produces a second entry.
func AuditID(requestID, action string, stepOrder int) string {
	return uuid.NewSHA1(auditNamespace, []byte(requestID+"/"+action+"/"+strconv.Itoa(stepOrder))).String()
}

// AuditRepository appends and reads immutable approval audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. Entries with an id already present are
// ignored; this is the only mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = AuditID(entry.RequestID, entry.Action, entry.StepOrder)
	}

	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, request_id, step_order,
		     action, performed_by, performed_at,
		     status_before, status_after,
		     metadata)
		VALUES ($1, $2, $3,
		        $4, $5, $6,
		        $7, $8,
		        $9)
		ON CONFLICT (id) DO NOTHING
	`

	var stepOrder *int
	if entry.StepOrder > 0 {
		stepOrder = &entry.StepOrder
	}

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.RequestID,
		stepOrder,
		entry.Action,
		entry.PerformedBy,
		entry.PerformedAt,
		nullString(string(entry.StatusBefore)),
		nullString(string(entry.StatusAfter)),
		metadataJSON,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByRequest returns the audit trail of a request ordered oldest-first.
func (r *AuditRepository) ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, step_order,
		       action, performed_by, performed_at,
		       status_before, status_after,
		       metadata
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC, step_order ASC NULLS FIRST
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	entries := []*AuditEntry{}
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit log")
	}
	return entries, nil
}

func (r *AuditRepository) scanEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var (
		stepOrder                 *int
		statusBefore, statusAfter *string
		performedAt               time.Time
		metadataJSON              []byte
	)

	err := sc.Scan(
		&entry.ID,
		&entry.RequestID,
		&stepOrder,
		&entry.Action,
		&entry.PerformedBy,
		&performedAt,
		&statusBefore,
		&statusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if stepOrder != nil {
		entry.StepOrder = *stepOrder
	}
	entry.PerformedAt = performedAt.UTC()
	entry.StatusBefore = approval.Status(derefString(statusBefore))
	entry.StatusAfter = approval.Status(derefString(statusAfter))

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
