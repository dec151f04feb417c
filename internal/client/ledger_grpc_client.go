package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger/ledgerrpc"
)

// LedgerGRPCClient is a gRPC client for a ledger gateway (cmd/ledgerd or a
// Fabric gateway speaking the same service).
type LedgerGRPCClient struct {
	conn *grpc.ClientConn
}

// NewLedgerGRPCClient creates a new ledger gRPC client. Extra dial options
// are appended after the defaults.
func NewLedgerGRPCClient(addr string, opts ...grpc.DialOption) (*LedgerGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &LedgerGRPCClient{conn: conn}, nil
}

// Close closes the gRPC connection
func (c *LedgerGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Submit opens a request on the ledger.
func (c *LedgerGRPCClient) Submit(ctx context.Context, sub *approval.Submission) (*ledger.Receipt, error) {
	var receipt ledger.Receipt
	if err := c.invoke(ctx, ledgerrpc.MethodSubmit, sub, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Act records a decision on the ledger.
func (c *LedgerGRPCClient) Act(ctx context.Context, requestID, actor string, decision approval.Decision, payload approval.Payload) (*ledger.Receipt, error) {
	req := &ledgerrpc.ActRequest{
		RequestID: requestID,
		Actor:     actor,
		Decision:  decision,
		Payload:   payload,
	}
	var receipt ledger.Receipt
	if err := c.invoke(ctx, ledgerrpc.MethodAct, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// QueryRequest retrieves a request snapshot.
func (c *LedgerGRPCClient) QueryRequest(ctx context.Context, requestID string) (*approval.Snapshot, error) {
	var snap approval.Snapshot
	if err := c.invoke(ctx, ledgerrpc.MethodQueryRequest, &ledgerrpc.QueryRequestRequest{RequestID: requestID}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// QueryByIdentity lists request ids visible to an identity.
func (c *LedgerGRPCClient) QueryByIdentity(ctx context.Context, identity string, role approval.Role) ([]string, error) {
	var resp ledgerrpc.QueryByIdentityResponse
	req := &ledgerrpc.QueryByIdentityRequest{Identity: identity, Role: role}
	if err := c.invoke(ctx, ledgerrpc.MethodQueryByIdentity, req, &resp); err != nil {
		return nil, err
	}
	if resp.RequestIDs == nil {
		return []string{}, nil
	}
	return resp.RequestIDs, nil
}

// invoke encodes in, calls method and decodes the reply into out. Application
// errors come back with their original code.
func (c *LedgerGRPCClient) invoke(ctx context.Context, method string, in, out any) error {
	req, err := ledgerrpc.Encode(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ledgerrpc.FullMethod(method), req, resp); err != nil {
		return ledgerrpc.FromStatus(err)
	}
	return ledgerrpc.Decode(resp, out)
}

var _ ledger.Client = (*LedgerGRPCClient)(nil)
