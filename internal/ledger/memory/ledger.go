// Package memory is an in-process ledger. It applies the same state machine a
// deployed contract would and is used by tests, local development and the
// standalone ledger daemon.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source. Confirmation times stay strictly
// increasing whatever the clock returns.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides request and transaction id generation.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// WithLatency delays every confirmation by d. The state change is committed
// before the delay, so a caller that gives up early leaves a confirmed
// transaction behind, exactly as a slow network ledger would.
func WithLatency(d time.Duration) Option {
	return func(l *Ledger) { l.latency = d }
}

// Ledger is a mutex-protected, append-only view of approval requests.
type Ledger struct {
	mu       sync.Mutex
	requests map[string]*approval.Snapshot
	order    []string
	receipts map[string]*ledger.Receipt // idempotency scope -> first receipt
	last     time.Time

	now     func() time.Time
	newID   func() string
	latency time.Duration

	queryErr error
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		requests: make(map[string]*approval.Snapshot),
		receipts: make(map[string]*ledger.Receipt),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailQueries makes every subsequent query return err until called with nil.
func (l *Ledger) FailQueries(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryErr = err
}

// Submit opens a request. A repeated idempotency key from the same requester
// returns the original receipt without opening a second request.
func (l *Ledger) Submit(ctx context.Context, sub *approval.Submission) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := approval.ValidateSubmission(sub); err != nil {
		return nil, err
	}

	l.mu.Lock()
	scope := idempotencyScope(sub)
	if scope != "" {
		if prior, ok := l.receipts[scope]; ok {
			l.mu.Unlock()
			out := *prior
			return &out, nil
		}
	}

	at := l.confirmTime()
	snap := approval.NewSnapshot(l.newID(), cloneSubmission(sub), at)
	l.requests[snap.RequestID] = snap
	l.order = append(l.order, snap.RequestID)
	receipt := &ledger.Receipt{RequestID: snap.RequestID, TxID: l.newID(), ConfirmedAt: at}
	if scope != "" {
		l.receipts[scope] = receipt
	}
	l.mu.Unlock()

	out := *receipt
	return &out, l.wait(ctx)
}

// Act records a decision confirmed at the ledger's own clock.
func (l *Ledger) Act(ctx context.Context, requestID, actor string, decision approval.Decision, payload approval.Payload) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	snap, ok := l.requests[requestID]
	if !ok {
		l.mu.Unlock()
		return nil, errors.RequestNotFound(requestID)
	}
	at := l.confirmTime()
	next, err := approval.Transition(snap, actor, decision, payload, at)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.requests[requestID] = next
	receipt := &ledger.Receipt{RequestID: requestID, TxID: l.newID(), ConfirmedAt: at}
	l.mu.Unlock()

	return receipt, l.wait(ctx)
}

// QueryRequest returns a copy of the stored snapshot.
func (l *Ledger) QueryRequest(ctx context.Context, requestID string) (*approval.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.queryErr != nil {
		return nil, l.queryErr
	}
	snap, ok := l.requests[requestID]
	if !ok {
		return nil, errors.RequestNotFound(requestID)
	}
	return snap.Clone(), nil
}

// QueryByIdentity lists request ids involving identity, oldest first.
func (l *Ledger) QueryByIdentity(ctx context.Context, identity string, role approval.Role) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.queryErr != nil {
		return nil, l.queryErr
	}
	ids := make([]string, 0)
	for _, id := range l.order {
		if l.requests[id].Involves(identity, role) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// confirmTime returns a strictly increasing, microsecond-precision time.
// Caller holds l.mu.
func (l *Ledger) confirmTime() time.Time {
	t := l.now().UTC().Truncate(time.Microsecond)
	if !t.After(l.last) {
		t = l.last.Add(time.Microsecond)
	}
	l.last = t
	return t
}

func (l *Ledger) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(l.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func idempotencyScope(sub *approval.Submission) string {
	if sub.IdempotencyKey == "" {
		return ""
	}
	return sub.Requester + "\x00" + sub.IdempotencyKey
}

func cloneSubmission(sub *approval.Submission) *approval.Submission {
	out := *sub
	out.Approvers = append([]string(nil), sub.Approvers...)
	return &out
}

var _ ledger.Client = (*Ledger)(nil)
