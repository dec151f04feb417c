package approval

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRequest(t *testing.T, flow Flow, approvers ...string) *Snapshot {
	t.Helper()
	sub := &Submission{
		Document:  DocumentRef{ContentHash: "0xabc", Locator: "ipfs://doc"},
		Requester: "req",
		Approvers: approvers,
		Flow:      flow,
	}
	require.NoError(t, ValidateSubmission(sub))
	return NewSnapshot("r1", sub, t0)
}

func mustTransition(t *testing.T, s *Snapshot, actor string, d Decision, p Payload, at time.Time) *Snapshot {
	t.Helper()
	out, err := Transition(s, actor, d, p, at)
	require.NoError(t, err)
	return out
}

func TestValidateSubmission(t *testing.T) {
	valid := func() *Submission {
		return &Submission{
			Document:  DocumentRef{ContentHash: "0xabc"},
			Requester: "req",
			Approvers: []string{"a", "b"},
			Flow:      FlowParallelStandard,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Submission)
	}{
		{name: "empty approvers", mutate: func(s *Submission) { s.Approvers = nil }},
		{name: "blank approver", mutate: func(s *Submission) { s.Approvers = []string{"a", " "} }},
		{name: "duplicate approver", mutate: func(s *Submission) { s.Approvers = []string{"a", "a"} }},
		{name: "missing hash", mutate: func(s *Submission) { s.Document.ContentHash = "" }},
		{name: "missing requester", mutate: func(s *Submission) { s.Requester = "" }},
		{name: "invalid flow", mutate: func(s *Submission) { s.Flow = 0 }},
		{name: "negative expiry", mutate: func(s *Submission) { s.ExpiresAt = -1 }},
	}

	require.NoError(t, ValidateSubmission(valid()))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := valid()
			tc.mutate(sub)
			err := ValidateSubmission(sub)
			assert.ErrorIs(t, err, errors.ErrSubmissionRejected)
		})
	}
}

func TestParallelScenario(t *testing.T) {
	s := newRequest(t, FlowParallelStandard, "A", "B", "C")
	assert.Equal(t, StatusPending, Evaluate(s))

	s = mustTransition(t, s, "B", DecisionApprove, Payload{}, t0.Add(1*time.Second))
	assert.Equal(t, StatusPartial, Evaluate(s))
	s = mustTransition(t, s, "A", DecisionApprove, Payload{}, t0.Add(2*time.Second))
	assert.Equal(t, StatusPartial, Evaluate(s))
	s = mustTransition(t, s, "C", DecisionReject, Payload{Reason: "wrong totals"}, t0.Add(3*time.Second))
	assert.Equal(t, StatusRejected, Evaluate(s))
	assert.Equal(t, t0.Add(3*time.Second), CompletedAt(s))
	assert.Equal(t, "wrong totals", s.Steps[2].Reason)

	for _, actor := range []string{"A", "B"} {
		_, err := Transition(s, actor, DecisionApprove, Payload{}, t0.Add(4*time.Second))
		assert.ErrorIs(t, err, errors.ErrRequestNotActive, actor)
	}
}

func TestParallelAnyRejectionIsTerminal(t *testing.T) {
	orders := [][]string{{"A", "B", "C"}, {"C", "B", "A"}, {"B", "C", "A"}}
	for _, order := range orders {
		s := newRequest(t, FlowParallelStandard, "A", "B", "C")
		at := t0
		for _, actor := range order[:2] {
			at = at.Add(time.Second)
			s = mustTransition(t, s, actor, DecisionApprove, Payload{}, at)
		}
		s = mustTransition(t, s, order[2], DecisionReject, Payload{Reason: "no"}, at.Add(time.Second))
		assert.Equal(t, StatusRejected, Evaluate(s), order)
	}
}

func TestParallelAllApproved(t *testing.T) {
	s := newRequest(t, FlowParallelStandard, "A", "B", "C")
	for i, actor := range []string{"C", "A", "B"} {
		s = mustTransition(t, s, actor, DecisionApprove, Payload{}, t0.Add(time.Duration(i+1)*time.Second))
	}
	assert.Equal(t, StatusApproved, Evaluate(s))
	assert.Equal(t, 3, s.ApprovedCount())
	assert.Equal(t, t0.Add(3*time.Second), CompletedAt(s))
}

func TestSequentialSignatureScenario(t *testing.T) {
	s := newRequest(t, FlowSequentialSignature, "X", "Y")

	_, err := Transition(s, "Y", DecisionApprove, Payload{Signature: "0xsig"}, t0.Add(time.Second))
	assert.ErrorIs(t, err, errors.ErrStepOutOfOrder)

	_, err = Transition(s, "X", DecisionApprove, Payload{}, t0.Add(time.Second))
	assert.ErrorIs(t, err, errors.ErrInvalidInput, "signature is mandatory")

	s = mustTransition(t, s, "X", DecisionApprove, Payload{Signature: "0xsigx"}, t0.Add(time.Second))
	assert.True(t, s.Steps[0].HasApproved)
	assert.Equal(t, StatusPartial, Evaluate(s))
	assert.True(t, CompletedAt(s).IsZero())

	s = mustTransition(t, s, "Y", DecisionApprove, Payload{Signature: "0xsigy"}, t0.Add(2*time.Second))
	assert.Equal(t, StatusApproved, Evaluate(s))
	assert.Equal(t, t0.Add(2*time.Second), CompletedAt(s))
	assert.True(t, s.Steps[0].ActionTimestamp.Before(s.Steps[1].ActionTimestamp))
}

func TestSequentialRejectionStopsLaterSteps(t *testing.T) {
	s := newRequest(t, FlowSequentialStandard, "X", "Y", "Z")
	s = mustTransition(t, s, "X", DecisionReject, Payload{Reason: "stale"}, t0.Add(time.Second))

	assert.Equal(t, StatusRejected, Evaluate(s))
	_, err := Transition(s, "Y", DecisionApprove, Payload{}, t0.Add(2*time.Second))
	assert.ErrorIs(t, err, errors.ErrRequestNotActive)
}

func TestAuthorizeFailures(t *testing.T) {
	s := newRequest(t, FlowParallelStandard, "A", "B")
	s = mustTransition(t, s, "A", DecisionApprove, Payload{}, t0.Add(time.Second))

	tests := []struct {
		name     string
		actor    string
		decision Decision
		payload  Payload
		want     error
	}{
		{name: "stranger", actor: "Z", decision: DecisionApprove, want: errors.ErrNotAuthorized},
		{name: "already decided", actor: "A", decision: DecisionReject, payload: Payload{Reason: "x"}, want: errors.ErrStepDecided},
		{name: "reject without reason", actor: "B", decision: DecisionReject, want: errors.ErrInvalidInput},
		{name: "unknown decision", actor: "B", decision: "escalate", want: errors.ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Authorize(s, tc.actor, tc.decision, tc.payload, t0.Add(2*time.Second))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestExpiryOverlay(t *testing.T) {
	s := newRequest(t, FlowParallelStandard, "A")
	s.ExpiresAt = t0.Add(-time.Hour).Unix()

	assert.Equal(t, StatusPending, Evaluate(s), "expiry is never part of the stored status")
	assert.Equal(t, StatusExpired, EffectiveStatus(s, t0))

	_, err := Transition(s, "A", DecisionApprove, Payload{}, t0)
	assert.ErrorIs(t, err, errors.ErrRequestExpired)
	_, err = Transition(s, "A", DecisionReject, Payload{Reason: "late"}, t0)
	assert.ErrorIs(t, err, errors.ErrRequestExpired)

	err = AuthorizeCancel(s, "req", t0)
	assert.ErrorIs(t, err, errors.ErrRequestNotActive)
}

func TestExpiryDoesNotOverrideTerminal(t *testing.T) {
	s := newRequest(t, FlowParallelStandard, "A")
	s.ExpiresAt = t0.Add(time.Minute).Unix()
	s = mustTransition(t, s, "A", DecisionApprove, Payload{}, t0.Add(time.Second))

	assert.Equal(t, StatusApproved, EffectiveStatus(s, t0.Add(time.Hour)))
}

func TestExpiryBoundary(t *testing.T) {
	s := newRequest(t, FlowParallelStandard, "A")
	s.ExpiresAt = t0.Unix()

	assert.Equal(t, StatusPending, EffectiveStatus(s, t0), "expiry is exclusive")
	assert.Equal(t, StatusExpired, EffectiveStatus(s, t0.Add(time.Second)))
}

func TestCancel(t *testing.T) {
	s := newRequest(t, FlowSequentialStandard, "X", "Y")

	_, err := Transition(s, "X", DecisionCancel, Payload{}, t0.Add(time.Second))
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)

	s = mustTransition(t, s, "X", DecisionApprove, Payload{}, t0.Add(time.Second))
	s = mustTransition(t, s, "req", DecisionCancel, Payload{}, t0.Add(2*time.Second))
	assert.Equal(t, StatusCancelled, Evaluate(s))
	assert.Equal(t, t0.Add(2*time.Second), CompletedAt(s))

	_, err = Transition(s, "req", DecisionCancel, Payload{}, t0.Add(3*time.Second))
	assert.ErrorIs(t, err, errors.ErrRequestNotActive)
	_, err = Transition(s, "Y", DecisionApprove, Payload{}, t0.Add(3*time.Second))
	assert.ErrorIs(t, err, errors.ErrRequestNotActive)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := newRequest(t, FlowParallelStandard, "A", "B")
	out := Apply(s, 1, DecisionApprove, Payload{}, t0.Add(time.Second))

	assert.False(t, s.Steps[1].HasApproved)
	assert.True(t, out.Steps[1].HasApproved)
	assert.Equal(t, t0, s.ConfirmedAt)
	assert.Equal(t, t0.Add(time.Second), out.ConfirmedAt)
}

func TestFlowText(t *testing.T) {
	for _, f := range []Flow{FlowSequentialStandard, FlowSequentialSignature, FlowParallelStandard, FlowParallelSignature} {
		text, err := f.MarshalText()
		require.NoError(t, err)
		var back Flow
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, f, back)
	}

	var f Flow
	assert.Error(t, f.UnmarshalText([]byte("SEQUENTIAL/NOTARIZED")))
	_, err := Flow(0).MarshalText()
	assert.Error(t, err)

	s := newRequest(t, FlowSequentialSignature, "X")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"flow":"SEQUENTIAL/DIGITAL_SIGNATURE"`)
}

func TestInvolves(t *testing.T) {
	s := newRequest(t, FlowParallelStandard, "A", "B")

	assert.True(t, s.Involves("req", RoleRequester))
	assert.False(t, s.Involves("req", RoleApprover))
	assert.True(t, s.Involves("A", RoleApprover))
	assert.True(t, s.Involves("B", RoleAny))
	assert.False(t, s.Involves("Z", RoleAny))
}
