package repository

import (
	"context"
	"sort"
	"sync"
)

// MemoryAudit is an in-process audit log.
type MemoryAudit struct {
	mu      sync.Mutex
	entries map[string][]*AuditEntry
	ids     map[string]struct{}
}

// NewMemoryAudit creates an empty audit log.
func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{
		entries: make(map[string][]*AuditEntry),
		ids:     make(map[string]struct{}),
	}
}

// Append stores a copy of entry unless its id was already appended.
func (a *MemoryAudit) Append(_ context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = AuditID(entry.RequestID, entry.Action, entry.StepOrder)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.ids[entry.ID]; dup {
		return nil
	}
	a.ids[entry.ID] = struct{}{}
	cp := *entry
	a.entries[entry.RequestID] = append(a.entries[entry.RequestID], &cp)
	return nil
}

// ListByRequest returns the audit trail of a request ordered oldest-first.
func (a *MemoryAudit) ListByRequest(_ context.Context, requestID string) ([]*AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*AuditEntry, 0, len(a.entries[requestID]))
	for _, e := range a.entries[requestID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PerformedAt.Equal(out[j].PerformedAt) {
			return out[i].PerformedAt.Before(out[j].PerformedAt)
		}
		return out[i].StepOrder < out[j].StepOrder
	})
	return out, nil
}
