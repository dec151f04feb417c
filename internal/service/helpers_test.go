package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger/memory"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
	"github.com/pesio-ai/be-doc-approvals/internal/signature"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable test clock shared by the ledger and the services.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type event struct {
	Type       string
	RequestID  string
	Actor      string
	Recipients []string
	Payload    map[string]interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *recordingNotifier) PublishApprovalEvent(_ context.Context, eventType, requestID, actorID string, recipients []string, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{
		Type:       eventType,
		RequestID:  requestID,
		Actor:      actorID,
		Recipients: append([]string(nil), recipients...),
		Payload:    payload,
	})
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

// fixture wires the services over in-memory ledger and mirror.
type fixture struct {
	clock    *clock
	ledger   *memory.Ledger
	mirror   *repository.MemoryMirror
	audit    *repository.MemoryAudit
	notifier *recordingNotifier
	sync     *SyncEngine
	workflow *WorkflowService
	verify   *VerificationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := newClock(t0)
	f := &fixture{
		clock:    c,
		ledger:   memory.New(memory.WithClock(c.Now)),
		mirror:   repository.NewMemoryMirror(),
		audit:    repository.NewMemoryAudit(),
		notifier: &recordingNotifier{},
	}
	log := logger.Nop()
	f.sync = NewSyncEngine(f.ledger, f.mirror, f.audit, f.notifier, SyncConfig{
		Retries:          2,
		Backoff:          time.Millisecond,
		SweepConcurrency: 2,
	}, log)
	f.workflow = NewWorkflowService(f.ledger, f.mirror, f.audit, f.sync, log).WithClock(c.Now)
	f.verify = NewVerificationService(f.ledger, f.mirror, signature.NewVerifier(), log).WithClock(c.Now)
	return f
}

func (f *fixture) create(t *testing.T, flow approval.Flow, approvers ...string) string {
	t.Helper()
	id, err := f.workflow.CreateRequest(context.Background(), &CreateRequestInput{
		Document:  approval.DocumentRef{ContentHash: "0xfeed", Locator: "s3://contracts/q3.pdf"},
		Requester: "alice",
		Approvers: approvers,
		Flow:      flow,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (f *fixture) status(t *testing.T, id string) approval.Status {
	t.Helper()
	rec, err := f.workflow.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}
