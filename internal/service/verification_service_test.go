package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/signature/signaturetest"
)

func TestVerifySignedApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	x := signaturetest.NewSigner("x")
	y := signaturetest.NewSigner("y")
	doc := approval.DocumentRef{ContentHash: "0xfeed", Locator: "s3://contracts/q3.pdf"}

	id, err := f.workflow.CreateRequest(ctx, &CreateRequestInput{
		Document:  doc,
		Requester: "alice",
		Approvers: []string{x.Address, y.Address},
		Flow:      approval.FlowParallelSignature,
		Metadata: approval.Metadata{
			Title:         "Q3 contract",
			ApproverNames: map[string]string{x.Address: "Xavier"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.workflow.Approve(ctx, id, y.Address, y.SignStep(id, doc, 2)))
	require.NoError(t, f.workflow.Approve(ctx, id, x.Address, x.SignStep(id, doc, 1)))

	for _, key := range []string{id, "0xfeed", "0xFEED"} {
		t.Run(key, func(t *testing.T) {
			rec, err := f.verify.Verify(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, id, rec.RequestID)
			assert.Equal(t, approval.StatusApproved, rec.Status)
			assert.True(t, rec.Verified)
			assert.Equal(t, "Q3 contract", rec.Title)
			assert.Equal(t, "Xavier", rec.Steps[0].ApproverName)
			require.NotNil(t, rec.CompletedAt)
			for _, step := range rec.Steps {
				require.NotNil(t, step.SignatureValid)
				assert.True(t, *step.SignatureValid)
			}
		})
	}
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	x := signaturetest.NewSigner("x")
	mallory := signaturetest.NewSigner("mallory")

	id := f.create(t, approval.FlowSequentialSignature, x.Address)
	// The ledger records the artifact as given; verification recomputes it.
	forged := mallory.Sign([]byte("statement for " + id))
	require.NoError(t, f.workflow.Approve(ctx, id, x.Address, forged))

	rec, err := f.verify.Verify(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, rec.Status)
	assert.False(t, rec.Verified)
	require.NotNil(t, rec.Steps[0].SignatureValid)
	assert.False(t, *rec.Steps[0].SignatureValid)
	assert.Contains(t, rec.Steps[0].SignatureError, string(errors.ErrCodeSignatureMismatch))
}

func TestVerifyStandardFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.create(t, approval.FlowParallelStandard, "A", "B")
	require.NoError(t, f.workflow.Approve(ctx, id, "A", ""))

	rec, err := f.verify.Verify(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPartial, rec.Status)
	assert.False(t, rec.Verified, "only approved requests verify")
	assert.Nil(t, rec.Steps[0].SignatureValid, "standard flows carry no signatures")
	assert.Nil(t, rec.CompletedAt)

	require.NoError(t, f.workflow.Approve(ctx, id, "B", ""))
	rec, err = f.verify.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Verified)
}

func TestVerifyPrefersApprovedRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	approved := f.create(t, approval.FlowParallelStandard, "A")
	require.NoError(t, f.workflow.Approve(ctx, approved, "A", ""))
	newer := f.create(t, approval.FlowParallelStandard, "B")

	rec, err := f.verify.Verify(ctx, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, approved, rec.RequestID)
	assert.NotEqual(t, newer, rec.RequestID)
}

func TestVerifyLatestWhenNoneApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, approval.FlowParallelStandard, "A")
	newer := f.create(t, approval.FlowParallelStandard, "B")

	rec, err := f.verify.Verify(ctx, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, newer, rec.RequestID)
	assert.False(t, rec.Verified)
}

func TestVerifyNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.verify.Verify(ctx, "0xunknown")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = f.verify.Verify(ctx, "")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	// A mirror row with no ledger counterpart is never reported.
	id := f.create(t, approval.FlowParallelStandard, "A")
	rec, err := f.mirror.Get(ctx, id)
	require.NoError(t, err)
	ghost := rec.Snapshot.Clone()
	ghost.RequestID = "ghost"
	ghost.Document.ContentHash = "0xghost"
	_, err = f.mirror.ApplySnapshot(ctx, ghost)
	require.NoError(t, err)

	_, err = f.verify.Verify(ctx, "0xghost")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
