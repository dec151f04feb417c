// Package ledgerrpc defines the gRPC wire contract of the ledger service.
// Messages travel as google.protobuf.Struct values carrying the JSON form of
// the approval types, so no generated stubs are needed.
package ledgerrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "docapprovals.ledger.v1.Ledger"

const (
	MethodSubmit          = "Submit"
	MethodAct             = "Act"
	MethodQueryRequest    = "QueryRequest"
	MethodQueryByIdentity = "QueryByIdentity"
)

// FullMethod returns the invoke path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ActRequest is the body of Act.
type ActRequest struct {
	RequestID string            `json:"request_id"`
	Actor     string            `json:"actor"`
	Decision  approval.Decision `json:"decision"`
	Payload   approval.Payload  `json:"payload"`
}

// QueryRequestRequest is the body of QueryRequest.
type QueryRequestRequest struct {
	RequestID string `json:"request_id"`
}

// QueryByIdentityRequest is the body of QueryByIdentity.
type QueryByIdentityRequest struct {
	Identity string        `json:"identity"`
	Role     approval.Role `json:"role"`
}

// QueryByIdentityResponse is the reply of QueryByIdentity.
type QueryByIdentityResponse struct {
	RequestIDs []string `json:"request_ids"`
}

// LedgerServer is implemented by the gRPC handler.
//
// Submit takes an approval.Submission and returns a ledger.Receipt; Act takes
// an ActRequest and returns a ledger.Receipt; QueryRequest returns an
// approval.Snapshot.
type LedgerServer interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Act(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	QueryRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	QueryByIdentity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the ledger service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSubmit, LedgerServer.Submit),
		unary(MethodAct, LedgerServer.Act),
		unary(MethodQueryRequest, LedgerServer.QueryRequest),
		unary(MethodQueryByIdentity, LedgerServer.QueryByIdentity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docapprovals/ledger/v1/ledger.proto",
}

type unaryCall func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
