package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger/ledgerrpc"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
)

// GRPCHandler exposes a ledger.Client over the ledger gRPC service.
type GRPCHandler struct {
	ledger ledger.Client
	logger *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(l ledger.Client, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		ledger: l,
		logger: log.Component("grpc"),
	}
}

// Register attaches the handler to a gRPC server.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	ledgerrpc.RegisterLedgerServer(s, h)
}

// Submit opens a request on the wrapped ledger.
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var sub approval.Submission
	if err := ledgerrpc.Decode(in, &sub); err != nil {
		return nil, ledgerrpc.ToStatus(errors.Wrap(err, errors.ErrCodeSubmissionRejected, "malformed submission"))
	}

	h.logger.Info().
		Str("requester", sub.Requester).
		Str("flow", sub.Flow.String()).
		Int("approvers", len(sub.Approvers)).
		Msg("gRPC Submit called")

	receipt, err := h.ledger.Submit(ctx, &sub)
	if err != nil {
		h.logger.Warn().Err(err).Str("requester", sub.Requester).Msg("Submit failed")
		return nil, ledgerrpc.ToStatus(err)
	}
	return ledgerrpc.Encode(receipt)
}

// Act records a decision on the wrapped ledger.
func (h *GRPCHandler) Act(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledgerrpc.ActRequest
	if err := ledgerrpc.Decode(in, &req); err != nil {
		return nil, ledgerrpc.ToStatus(errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed act request"))
	}

	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("actor", req.Actor).
		Str("decision", string(req.Decision)).
		Msg("gRPC Act called")

	receipt, err := h.ledger.Act(ctx, req.RequestID, req.Actor, req.Decision, req.Payload)
	if err != nil {
		h.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("Act failed")
		return nil, ledgerrpc.ToStatus(err)
	}
	return ledgerrpc.Encode(receipt)
}

// QueryRequest returns the snapshot of one request.
func (h *GRPCHandler) QueryRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledgerrpc.QueryRequestRequest
	if err := ledgerrpc.Decode(in, &req); err != nil {
		return nil, ledgerrpc.ToStatus(errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed query"))
	}

	snap, err := h.ledger.QueryRequest(ctx, req.RequestID)
	if err != nil {
		return nil, ledgerrpc.ToStatus(err)
	}
	return ledgerrpc.Encode(snap)
}

// QueryByIdentity lists the requests an identity participates in.
func (h *GRPCHandler) QueryByIdentity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledgerrpc.QueryByIdentityRequest
	if err := ledgerrpc.Decode(in, &req); err != nil {
		return nil, ledgerrpc.ToStatus(errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed query"))
	}

	ids, err := h.ledger.QueryByIdentity(ctx, req.Identity, req.Role)
	if err != nil {
		return nil, ledgerrpc.ToStatus(err)
	}
	return ledgerrpc.Encode(&ledgerrpc.QueryByIdentityResponse{RequestIDs: ids})
}

var _ ledgerrpc.LedgerServer = (*GRPCHandler)(nil)
