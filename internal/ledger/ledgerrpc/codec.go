package ledgerrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// ErrorDomain marks ErrorInfo details produced by this service.
const ErrorDomain = "docapprovals.pesio.ai"

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// Decode fills v from a Struct produced by Encode.
func Decode(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// ToStatus converts an application error into a gRPC status error. The code
// travels in an ErrorInfo detail so FromStatus can restore it exactly.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var appErr *errors.Error
	if !errors.As(err, &appErr) {
		return status.Error(codes.Unknown, err.Error())
	}
	st := status.New(errors.GRPCCode(err), appErr.Message)
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(appErr.Code),
		Domain:   ErrorDomain,
		Metadata: appErr.Details,
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// FromStatus restores the application error carried by a gRPC status. Errors
// without an ErrorInfo detail are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.Domain != ErrorDomain {
			continue
		}
		return &errors.Error{
			Code:    errors.Code(info.Reason),
			Message: st.Message(),
			Details: info.Metadata,
		}
	}
	return err
}
