package ledger_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger/memory"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
)

// flakyLedger fails every call with err.
type flakyLedger struct {
	err error
}

func (f *flakyLedger) Submit(context.Context, *approval.Submission) (*ledger.Receipt, error) {
	return nil, f.err
}

func (f *flakyLedger) Act(context.Context, string, string, approval.Decision, approval.Payload) (*ledger.Receipt, error) {
	return nil, f.err
}

func (f *flakyLedger) QueryRequest(context.Context, string) (*approval.Snapshot, error) {
	return nil, f.err
}

func (f *flakyLedger) QueryByIdentity(context.Context, string, approval.Role) ([]string, error) {
	return nil, f.err
}

func newSubmission() *approval.Submission {
	return &approval.Submission{
		Document:  approval.DocumentRef{ContentHash: "0xfeed"},
		Requester: "alice",
		Approvers: []string{"bob"},
		Flow:      approval.FlowParallelStandard,
	}
}

func TestAdapterPassesThrough(t *testing.T) {
	ctx := context.Background()
	a := ledger.NewAdapter(memory.New(), ledger.AdapterConfig{}, logger.Nop())

	receipt, err := a.Submit(ctx, newSubmission())
	require.NoError(t, err)
	require.NotEmpty(t, receipt.RequestID)

	_, err = a.Act(ctx, receipt.RequestID, "bob", approval.DecisionApprove, approval.Payload{})
	require.NoError(t, err)

	snap, err := a.QueryRequest(ctx, receipt.RequestID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, approval.Evaluate(snap))

	ids, err := a.QueryByIdentity(ctx, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, []string{receipt.RequestID}, ids)
}

func TestAdapterValidatesBeforeSubmitting(t *testing.T) {
	a := ledger.NewAdapter(&flakyLedger{err: stderrors.New("must not be called")}, ledger.AdapterConfig{}, logger.Nop())

	sub := newSubmission()
	sub.Approvers = nil
	_, err := a.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, errors.ErrSubmissionRejected)

	_, err = a.Act(context.Background(), "", "bob", approval.DecisionApprove, approval.Payload{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = a.Act(context.Background(), "r1", " ", approval.DecisionApprove, approval.Payload{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = a.QueryRequest(context.Background(), "")
	assert.ErrorIs(t, err, errors.ErrRequestNotFound)
	_, err = a.QueryByIdentity(context.Background(), " ", approval.RoleAny)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestAdapterTimeoutIsSubmissionTimeout(t *testing.T) {
	inner := memory.New(memory.WithLatency(time.Second))
	a := ledger.NewAdapter(inner, ledger.AdapterConfig{SubmitTimeout: 10 * time.Millisecond}, logger.Nop())

	_, err := a.Submit(context.Background(), newSubmission())
	require.ErrorIs(t, err, errors.ErrSubmissionTimeout)
	assert.NotErrorIs(t, err, errors.ErrSubmissionRejected)

	ids, err := inner.QueryByIdentity(context.Background(), "alice", approval.RoleRequester)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "a timed out submission may still have been confirmed")
}

func TestAdapterUncodedErrors(t *testing.T) {
	a := ledger.NewAdapter(&flakyLedger{err: stderrors.New("connection reset")}, ledger.AdapterConfig{}, logger.Nop())
	ctx := context.Background()

	_, err := a.Submit(ctx, newSubmission())
	assert.ErrorIs(t, err, errors.ErrSubmissionTimeout)
	_, err = a.Act(ctx, "r1", "bob", approval.DecisionApprove, approval.Payload{})
	assert.ErrorIs(t, err, errors.ErrSubmissionTimeout)

	_, err = a.QueryRequest(ctx, "r1")
	assert.ErrorIs(t, err, errors.ErrInternal)
	_, err = a.QueryByIdentity(ctx, "bob", approval.RoleAny)
	assert.ErrorIs(t, err, errors.ErrInternal)
}

func TestAdapterCodedErrorsPassThrough(t *testing.T) {
	a := ledger.NewAdapter(memory.New(), ledger.AdapterConfig{}, logger.Nop())
	ctx := context.Background()

	_, err := a.Act(ctx, "missing", "bob", approval.DecisionApprove, approval.Payload{})
	assert.ErrorIs(t, err, errors.ErrRequestNotFound)
	assert.Equal(t, errors.ErrCodeRequestNotFound, errors.CodeOf(err))

	_, err = a.QueryRequest(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrRequestNotFound)
}
