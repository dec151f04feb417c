// Package errors defines the error taxonomy shared by the ledger adapter, the
// state machine, the mirror and the transports. Errors carry a stable Code so
// they can cross process boundaries and still be matched with errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code identifies an error class independently of its message.
type Code string

const (
	ErrCodeSubmissionRejected Code = "SUBMISSION_REJECTED"
	ErrCodeSubmissionTimeout  Code = "SUBMISSION_TIMEOUT"
	ErrCodeRequestNotFound    Code = "REQUEST_NOT_FOUND"
	ErrCodeRequestNotActive   Code = "REQUEST_NOT_ACTIVE"
	ErrCodeRequestExpired     Code = "REQUEST_EXPIRED"
	ErrCodeStepOutOfOrder     Code = "STEP_OUT_OF_ORDER"
	ErrCodeStepDecided        Code = "STEP_ALREADY_DECIDED"
	ErrCodeNotAuthorized      Code = "NOT_AUTHORIZED"
	ErrCodeSignatureMismatch  Code = "SIGNATURE_MISMATCH"
	ErrCodeNotFound           Code = "NOT_FOUND"
	ErrCodeInvalidInput       Code = "INVALID_INPUT"
	ErrCodeMirrorSyncFailed   Code = "MIRROR_SYNC_FAILED"
	ErrCodeInternal           Code = "INTERNAL"
)

// Sentinels for errors.Is matching. Any *Error with the same Code matches.
var (
	ErrSubmissionRejected = &Error{Code: ErrCodeSubmissionRejected, Message: "ledger rejected the submission"}
	ErrSubmissionTimeout  = &Error{Code: ErrCodeSubmissionTimeout, Message: "ledger confirmation timed out"}
	ErrRequestNotFound    = &Error{Code: ErrCodeRequestNotFound, Message: "request not found"}
	ErrRequestNotActive   = &Error{Code: ErrCodeRequestNotActive, Message: "request is not active"}
	ErrRequestExpired     = &Error{Code: ErrCodeRequestExpired, Message: "request has expired"}
	ErrStepOutOfOrder     = &Error{Code: ErrCodeStepOutOfOrder, Message: "step is out of order"}
	ErrStepDecided        = &Error{Code: ErrCodeStepDecided, Message: "step already decided"}
	ErrNotAuthorized      = &Error{Code: ErrCodeNotAuthorized, Message: "not authorized"}
	ErrSignatureMismatch  = &Error{Code: ErrCodeSignatureMismatch, Message: "signature does not match approver"}
	ErrNotFound           = &Error{Code: ErrCodeNotFound, Message: "not found"}
	ErrInvalidInput       = &Error{Code: ErrCodeInvalidInput, Message: "invalid input"}
	ErrMirrorSyncFailed   = &Error{Code: ErrCodeMirrorSyncFailed, Message: "mirror synchronization failed"}
	ErrInternal           = &Error{Code: ErrCodeInternal, Message: "internal error"}
)

// Error is the application error type.
type Error struct {
	Code    Code
	Message string
	Err     error
	Details map[string]string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of e carrying an extra key/value detail.
func (e *Error) WithDetail(key, value string) *Error {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Code: e.Code, Message: e.Message, Err: e.Err, Details: details}
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound builds a NOT_FOUND error for a resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]string{"resource": resource, "id": id},
	}
}

// RequestNotFound builds a REQUEST_NOT_FOUND error for a request id.
func RequestNotFound(requestID string) *Error {
	return &Error{
		Code:    ErrCodeRequestNotFound,
		Message: fmt.Sprintf("request %s not found", requestID),
		Details: map[string]string{"request_id": requestID},
	}
}

// InvalidInput builds an INVALID_INPUT error for a field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("%s: %s", field, message),
		Details: map[string]string{"field": field},
	}
}

// CodeOf returns the code of the first *Error in err's chain, or INTERNAL.
func CodeOf(err error) Code {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err's chain contains an *Error with a code.
func HasCode(err error) bool {
	var appErr *Error
	return stderrors.As(err, &appErr)
}

// Is and As forward to the standard library so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound, ErrCodeRequestNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeSubmissionRejected:
		return http.StatusBadRequest
	case ErrCodeNotAuthorized:
		return http.StatusForbidden
	case ErrCodeRequestNotActive, ErrCodeRequestExpired, ErrCodeStepOutOfOrder, ErrCodeStepDecided:
		return http.StatusConflict
	case ErrCodeSubmissionTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeMirrorSyncFailed:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case ErrCodeNotFound, ErrCodeRequestNotFound:
		return codes.NotFound
	case ErrCodeInvalidInput, ErrCodeSubmissionRejected:
		return codes.InvalidArgument
	case ErrCodeNotAuthorized:
		return codes.PermissionDenied
	case ErrCodeRequestNotActive, ErrCodeRequestExpired, ErrCodeStepOutOfOrder, ErrCodeStepDecided:
		return codes.FailedPrecondition
	case ErrCodeSubmissionTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
