package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("act: %w", Newf(ErrCodeStepOutOfOrder, "step %d is not next", 2))

	assert.True(t, Is(err, ErrStepOutOfOrder))
	assert.False(t, Is(err, ErrRequestNotActive))
	assert.Equal(t, ErrCodeStepOutOfOrder, CodeOf(err))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("boom")))
	assert.False(t, HasCode(fmt.Errorf("boom")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(cause, ErrCodeSubmissionTimeout, "submit")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrSubmissionTimeout)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestTransportMapping(t *testing.T) {
	tests := []struct {
		err  error
		http int
		grpc codes.Code
	}{
		{RequestNotFound("r1"), http.StatusNotFound, codes.NotFound},
		{InvalidInput("reason", "required"), http.StatusBadRequest, codes.InvalidArgument},
		{ErrNotAuthorized, http.StatusForbidden, codes.PermissionDenied},
		{ErrRequestExpired, http.StatusConflict, codes.FailedPrecondition},
		{ErrSubmissionTimeout, http.StatusGatewayTimeout, codes.DeadlineExceeded},
		{fmt.Errorf("other"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.http, HTTPStatus(tc.err), tc.err.Error())
		assert.Equal(t, tc.grpc, GRPCCode(tc.err), tc.err.Error())
	}
}

func TestWithDetailCopies(t *testing.T) {
	base := RequestNotFound("r1")
	withStep := base.WithDetail("step", "2")

	assert.Equal(t, "2", withStep.Details["step"])
	_, ok := base.Details["step"]
	assert.False(t, ok)
}
