package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// MemoryMirror is an in-process mirror with the same last-confirmed-write-wins
// semantics as MirrorRepository. Used when no database is configured and in
// tests.
type MemoryMirror struct {
	mu      sync.RWMutex
	records map[string]*MirrorRecord
	now     func() time.Time
	failErr error
}

// NewMemoryMirror creates an empty mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{
		records: make(map[string]*MirrorRecord),
		now:     time.Now,
	}
}

// FailWrites makes every subsequent write return err until called with nil.
func (m *MemoryMirror) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Delete drops a record, simulating a mirror that lost a write.
func (m *MemoryMirror) Delete(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, requestID)
}

// UpsertRequest writes the request fields of snap if it is newer than the
// stored record.
func (m *MemoryMirror) UpsertRequest(_ context.Context, snap *approval.Snapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	return m.upsertRequest(snap), nil
}

// UpsertStep writes one step if its decision is newer than the stored one.
func (m *MemoryMirror) UpsertStep(_ context.Context, requestID string, step approval.Step) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	rec, ok := m.records[requestID]
	if !ok {
		return false, errors.RequestNotFound(requestID)
	}
	return upsertMemoryStep(rec, step), nil
}

// ApplySnapshot writes the request and its steps atomically.
func (m *MemoryMirror) ApplySnapshot(_ context.Context, snap *approval.Snapshot) (*ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	result := &ApplyResult{Status: approval.Evaluate(snap)}
	if prev, ok := m.records[snap.RequestID]; ok {
		result.PreviousStatus = prev.Status
	} else {
		result.Created = true
	}

	result.Applied = m.upsertRequest(snap)
	if !result.Applied {
		return result, nil
	}
	rec := m.records[snap.RequestID]
	for _, step := range snap.Steps {
		if upsertMemoryStep(rec, step) && step.Acted() {
			result.ChangedSteps = append(result.ChangedSteps, step)
		}
	}
	return result, nil
}

// Get returns a copy of one record.
func (m *MemoryMirror) Get(_ context.Context, requestID string) (*MirrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[requestID]
	if !ok {
		return nil, errors.RequestNotFound(requestID)
	}
	return rec.Clone(), nil
}

// Query lists copies of matching records, newest first.
func (m *MemoryMirror) Query(_ context.Context, filter Filter) ([]*MirrorRecord, error) {
	if filter.Now.IsZero() {
		filter.Now = time.Now()
	}

	m.mu.RLock()
	var out []*MirrorRecord
	for _, rec := range m.records {
		if filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetMetadata stores metadata on an existing record. Empty fields are left
// untouched.
func (m *MemoryMirror) SetMetadata(_ context.Context, requestID string, meta approval.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	rec, ok := m.records[requestID]
	if !ok {
		return errors.RequestNotFound(requestID)
	}
	if meta.Title != "" {
		rec.Metadata.Title = meta.Title
	}
	if meta.Description != "" {
		rec.Metadata.Description = meta.Description
	}
	if meta.RequesterName != "" {
		rec.Metadata.RequesterName = meta.RequesterName
	}
	for approver, name := range meta.ApproverNames {
		if name == "" || rec.StepIndex(approver) < 0 {
			continue
		}
		if rec.Metadata.ApproverNames == nil {
			rec.Metadata.ApproverNames = make(map[string]string)
		}
		rec.Metadata.ApproverNames[approver] = name
	}
	return nil
}

// FindByContentHash returns every record for a document, newest first.
func (m *MemoryMirror) FindByContentHash(ctx context.Context, contentHash string) ([]*MirrorRecord, error) {
	return m.Query(ctx, Filter{ContentHash: contentHash})
}

// FindByIdempotencyKey returns the record a requester opened with key, or nil.
func (m *MemoryMirror) FindByIdempotencyKey(_ context.Context, requester, key string) (*MirrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.Requester == requester && rec.IdempotencyKey == key {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

// KnownIdentities lists every requester and approver, sorted.
func (m *MemoryMirror) KnownIdentities(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, rec := range m.records {
		seen[rec.Requester] = struct{}{}
		for _, step := range rec.Steps {
			seen[step.Approver] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// KnownRequestIDs lists records whose stored status is still open, oldest
// first.
func (m *MemoryMirror) KnownRequestIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	var open []*MirrorRecord
	for _, rec := range m.records {
		if rec.Status.Active() {
			open = append(open, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(open, func(i, j int) bool {
		if !open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].CreatedAt.Before(open[j].CreatedAt)
		}
		return strings.Compare(open[i].RequestID, open[j].RequestID) < 0
	})
	ids := make([]string, len(open))
	for i, rec := range open {
		ids[i] = rec.RequestID
	}
	return ids, nil
}

// upsertRequest applies the request-level fields. Caller holds m.mu.
func (m *MemoryMirror) upsertRequest(snap *approval.Snapshot) bool {
	rec, ok := m.records[snap.RequestID]
	if ok && !snap.ConfirmedAt.After(rec.ConfirmedAt) {
		return false
	}
	if !ok {
		rec = &MirrorRecord{Snapshot: approval.Snapshot{
			RequestID:      snap.RequestID,
			Document:       snap.Document,
			Requester:      snap.Requester,
			Flow:           snap.Flow,
			Priority:       snap.Priority,
			ExpiresAt:      snap.ExpiresAt,
			Version:        snap.Version,
			IdempotencyKey: snap.IdempotencyKey,
			CreatedAt:      snap.CreatedAt,
		}}
		m.records[snap.RequestID] = rec
	}
	rec.Cancelled = snap.Cancelled
	rec.CancelledAt = snap.CancelledAt
	rec.ConfirmedAt = snap.ConfirmedAt
	rec.Status = approval.Evaluate(snap)
	rec.CompletedAt = approval.CompletedAt(snap)
	rec.SyncedAt = m.now().UTC()
	return true
}

func upsertMemoryStep(rec *MirrorRecord, step approval.Step) bool {
	for i := range rec.Steps {
		if rec.Steps[i].StepOrder != step.StepOrder {
			continue
		}
		if !step.ActionTimestamp.After(rec.Steps[i].ActionTimestamp) {
			return false
		}
		rec.Steps[i] = step
		return true
	}
	rec.Steps = append(rec.Steps, step)
	sort.Slice(rec.Steps, func(i, j int) bool { return rec.Steps[i].StepOrder < rec.Steps[j].StepOrder })
	return true
}
