package repository

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func snapshot(id string, flow approval.Flow, approvers ...string) *approval.Snapshot {
	return approval.NewSnapshot(id, &approval.Submission{
		Document:  approval.DocumentRef{ContentHash: "0xFeed"},
		Requester: "alice",
		Approvers: approvers,
		Flow:      flow,
	}, t0)
}

func TestApplySnapshotCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()

	s0 := snapshot("r1", approval.FlowParallelStandard, "A", "B")
	res, err := m.ApplySnapshot(ctx, s0)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Applied)
	assert.Empty(t, res.ChangedSteps)
	assert.Equal(t, approval.StatusPending, res.Status)

	s1 := approval.Apply(s0, 1, approval.DecisionApprove, approval.Payload{}, t0.Add(time.Second))
	res, err = m.ApplySnapshot(ctx, s1)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, approval.StatusPending, res.PreviousStatus)
	assert.Equal(t, approval.StatusPartial, res.Status)
	require.Len(t, res.ChangedSteps, 1)
	assert.Equal(t, "B", res.ChangedSteps[0].Approver)

	rec, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPartial, rec.Status)
	assert.True(t, rec.Steps[1].HasApproved)
	assert.Equal(t, s1.ConfirmedAt, rec.ConfirmedAt)
}

func TestApplySnapshotLastConfirmedWriteWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()

	s0 := snapshot("r1", approval.FlowParallelStandard, "A", "B")
	s1 := approval.Apply(s0, 0, approval.DecisionApprove, approval.Payload{}, t0.Add(time.Second))
	s2 := approval.Apply(s1, 1, approval.DecisionApprove, approval.Payload{}, t0.Add(2*time.Second))

	_, err := m.ApplySnapshot(ctx, s2)
	require.NoError(t, err)

	res, err := m.ApplySnapshot(ctx, s1)
	require.NoError(t, err)
	assert.False(t, res.Applied, "an older snapshot never overwrites a newer one")

	res, err = m.ApplySnapshot(ctx, s2)
	require.NoError(t, err)
	assert.False(t, res.Applied, "re-applying the same snapshot is a no-op")

	rec, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, rec.Status)
	assert.Equal(t, t0.Add(2*time.Second), rec.CompletedAt)
}

func TestUpsertStepKeepsNewestDecision(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()
	_, err := m.UpsertStep(ctx, "missing", approval.Step{StepOrder: 1})
	assert.ErrorIs(t, err, errors.ErrRequestNotFound)

	_, err = m.ApplySnapshot(ctx, snapshot("r1", approval.FlowParallelStandard, "A"))
	require.NoError(t, err)

	newer := approval.Step{StepOrder: 1, Approver: "A", HasRejected: true, Reason: "no", ActionTimestamp: t0.Add(2 * time.Second)}
	older := approval.Step{StepOrder: 1, Approver: "A", HasApproved: true, ActionTimestamp: t0.Add(time.Second)}

	changed, err := m.UpsertStep(ctx, "r1", newer)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = m.UpsertStep(ctx, "r1", older)
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, rec.Steps[0].HasRejected)
}

func TestMetadataSurvivesSync(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()

	err := m.SetMetadata(ctx, "r1", approval.Metadata{Title: "ghost"})
	assert.ErrorIs(t, err, errors.ErrRequestNotFound, "metadata cannot create a record")

	s0 := snapshot("r1", approval.FlowParallelStandard, "A")
	_, err = m.ApplySnapshot(ctx, s0)
	require.NoError(t, err)
	require.NoError(t, m.SetMetadata(ctx, "r1", approval.Metadata{
		Title:         "Q3 contract",
		ApproverNames: map[string]string{"A": "Ann", "Z": "nobody"},
	}))
	require.NoError(t, m.SetMetadata(ctx, "r1", approval.Metadata{Description: "renewal"}))

	s1 := approval.Apply(s0, 0, approval.DecisionApprove, approval.Payload{}, t0.Add(time.Second))
	_, err = m.ApplySnapshot(ctx, s1)
	require.NoError(t, err)

	rec, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Q3 contract", rec.Metadata.Title)
	assert.Equal(t, "renewal", rec.Metadata.Description)
	assert.Equal(t, map[string]string{"A": "Ann"}, rec.Metadata.ApproverNames)
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()

	open := snapshot("open", approval.FlowParallelStandard, "A")
	expired := snapshot("expired", approval.FlowParallelStandard, "B")
	expired.ExpiresAt = t0.Add(time.Hour).Unix()
	expired.CreatedAt = t0.Add(time.Second)
	done := approval.Apply(snapshot("done", approval.FlowParallelStandard, "A"), 0, approval.DecisionApprove, approval.Payload{}, t0.Add(time.Minute))
	done.CreatedAt = t0.Add(2 * time.Second)
	done.Document.ContentHash = "0xother"
	for _, s := range []*approval.Snapshot{open, expired, done} {
		_, err := m.ApplySnapshot(ctx, s)
		require.NoError(t, err)
	}

	later := t0.Add(2 * time.Hour)
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all newest first", filter: Filter{}, want: []string{"done", "expired", "open"}},
		{name: "approver", filter: Filter{Approver: "A"}, want: []string{"done", "open"}},
		{name: "identity as requester", filter: Filter{Identity: "alice"}, want: []string{"done", "expired", "open"}},
		{name: "hash ignores case", filter: Filter{ContentHash: "0xFEED"}, want: []string{"expired", "open"}},
		{name: "expired overlay", filter: Filter{Statuses: []approval.Status{approval.StatusExpired}, Now: later}, want: []string{"expired"}},
		{name: "pending excludes expired", filter: Filter{Statuses: []approval.Status{approval.StatusPending}, Now: later}, want: []string{"open"}},
		{name: "pending before expiry", filter: Filter{Statuses: []approval.Status{approval.StatusPending}, Now: t0}, want: []string{"expired", "open"}},
		{name: "approved", filter: Filter{Statuses: []approval.Status{approval.StatusApproved}, Now: later}, want: []string{"done"}},
		{name: "paged", filter: Filter{Limit: 1, Offset: 1}, want: []string{"expired"}},
		{name: "offset past end", filter: Filter{Offset: 5}, want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := m.Query(ctx, tc.filter)
			require.NoError(t, err)
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.RequestID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestLookups(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()

	s := snapshot("r1", approval.FlowSequentialStandard, "X", "Y")
	s.IdempotencyKey = "k1"
	_, err := m.ApplySnapshot(ctx, s)
	require.NoError(t, err)
	closed := approval.ApplyCancel(snapshot("r2", approval.FlowParallelStandard, "Z"), t0.Add(time.Second))
	_, err = m.ApplySnapshot(ctx, closed)
	require.NoError(t, err)

	rec, err := m.FindByIdempotencyKey(ctx, "alice", "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "r1", rec.RequestID)
	rec, err = m.FindByIdempotencyKey(ctx, "bob", "k1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	ids, err := m.KnownIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y", "Z", "alice"}, ids)

	open, err := m.KnownRequestIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, open)

	byHash, err := m.FindByContentHash(ctx, "0xfeed")
	require.NoError(t, err)
	assert.Len(t, byHash, 2)
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()
	_, err := m.ApplySnapshot(ctx, snapshot("r1", approval.FlowParallelStandard, "A"))
	require.NoError(t, err)

	rec, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	rec.Steps[0].HasApproved = true

	again, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, again.Steps[0].HasApproved)
}

func TestFailWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()
	boom := stderrors.New("connection refused")
	m.FailWrites(boom)

	_, err := m.ApplySnapshot(ctx, snapshot("r1", approval.FlowParallelStandard, "A"))
	assert.ErrorIs(t, err, boom)
	_, err = m.Get(ctx, "r1")
	assert.ErrorIs(t, err, errors.ErrRequestNotFound)

	m.FailWrites(nil)
	_, err = m.ApplySnapshot(ctx, snapshot("r1", approval.FlowParallelStandard, "A"))
	assert.NoError(t, err)
}

func TestMemoryAudit(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAudit()

	entries := []*AuditEntry{
		{RequestID: "r1", StepOrder: 2, Action: AuditActionApproved, PerformedBy: "B", PerformedAt: t0.Add(2 * time.Second)},
		{RequestID: "r1", Action: AuditActionCreated, PerformedBy: "alice", PerformedAt: t0},
		{RequestID: "r1", StepOrder: 2, Action: AuditActionApproved, PerformedBy: "B", PerformedAt: t0.Add(2 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, a.Append(ctx, e))
	}

	got, err := a.ListByRequest(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2, "replayed transitions are stored once")
	assert.Equal(t, AuditActionCreated, got[0].Action)
	assert.Equal(t, AuditActionApproved, got[1].Action)
	assert.Equal(t, AuditID("r1", AuditActionApproved, 2), got[1].ID)

	none, err := a.ListByRequest(ctx, "r2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
