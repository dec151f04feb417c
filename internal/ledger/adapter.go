package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/tracing"
)

// AdapterConfig bounds how long the adapter waits for the ledger.
type AdapterConfig struct {
	SubmitTimeout time.Duration
	QueryTimeout  time.Duration
}

// Adapter wraps a transport-level Client. It validates input, applies
// timeouts and guarantees that every error it returns carries a code:
// ambiguous failures of mutating calls become SUBMISSION_TIMEOUT because the
// ledger may still confirm them.
type Adapter struct {
	next Client
	cfg  AdapterConfig
	log  *logger.Logger
}

// NewAdapter creates an Adapter around next.
func NewAdapter(next Client, cfg AdapterConfig, log *logger.Logger) *Adapter {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = time.Minute
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	return &Adapter{next: next, cfg: cfg, log: log.Component("ledger")}
}

// Submit opens a request on the ledger.
func (a *Adapter) Submit(ctx context.Context, sub *approval.Submission) (*Receipt, error) {
	if err := approval.ValidateSubmission(sub); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "ledger.submit", "CLIENT")
	span.WithAttributes(map[string]string{"requester": sub.Requester, "flow": sub.Flow.String()})
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	defer cancel()

	started := time.Now()
	receipt, err := a.next.Submit(callCtx, sub)
	err = a.mutationError(callCtx, err, "submit")
	if err == nil && (receipt == nil || receipt.RequestID == "") {
		err = errors.New(errors.ErrCodeInternal, "ledger confirmed a submission without a request id")
	}
	tracing.EndSpan(span, err)

	if err != nil {
		a.log.Warn().Err(err).
			Str("requester", sub.Requester).
			Str("code", string(errors.CodeOf(err))).
			Dur("elapsed", time.Since(started)).
			Msg("Ledger submit failed")
		return nil, err
	}

	a.log.Info().
		Str("request_id", receipt.RequestID).
		Str("tx_id", receipt.TxID).
		Str("requester", sub.Requester).
		Dur("elapsed", time.Since(started)).
		Msg("Ledger confirmed submission")
	return receipt, nil
}

// Act records a decision on the ledger.
func (a *Adapter) Act(ctx context.Context, requestID, actor string, decision approval.Decision, payload approval.Payload) (*Receipt, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, errors.InvalidInput("identity", "acting identity is required")
	}

	ctx, span := tracing.StartSpan(ctx, "ledger.act", "CLIENT")
	span.WithAttributes(map[string]string{"request_id": requestID, "decision": string(decision)})
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	defer cancel()

	started := time.Now()
	receipt, err := a.next.Act(callCtx, requestID, actor, decision, payload)
	err = a.mutationError(callCtx, err, string(decision))
	if err == nil && receipt == nil {
		err = errors.New(errors.ErrCodeInternal, "ledger confirmed an action without a receipt")
	}
	tracing.EndSpan(span, err)

	if err != nil {
		a.log.Warn().Err(err).
			Str("request_id", requestID).
			Str("actor", actor).
			Str("decision", string(decision)).
			Str("code", string(errors.CodeOf(err))).
			Msg("Ledger action failed")
		return nil, err
	}

	a.log.Info().
		Str("request_id", requestID).
		Str("tx_id", receipt.TxID).
		Str("actor", actor).
		Str("decision", string(decision)).
		Dur("elapsed", time.Since(started)).
		Msg("Ledger confirmed action")
	return receipt, nil
}

// QueryRequest reads the authoritative snapshot of a request.
func (a *Adapter) QueryRequest(ctx context.Context, requestID string) (*approval.Snapshot, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, errors.RequestNotFound(requestID)
	}

	ctx, span := tracing.StartSpan(ctx, "ledger.query_request", "CLIENT")
	span.WithAttributes(map[string]string{"request_id": requestID})
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	snap, err := a.next.QueryRequest(callCtx, requestID)
	err = queryError(err, "query request")
	if err == nil && (snap == nil || snap.RequestID != requestID) {
		err = errors.New(errors.ErrCodeInternal, "ledger returned a snapshot for a different request")
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// QueryByIdentity lists request ids visible to identity.
func (a *Adapter) QueryByIdentity(ctx context.Context, identity string, role approval.Role) ([]string, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, errors.InvalidInput("identity", "identity is required")
	}
	if role == "" {
		role = approval.RoleAny
	}

	ctx, span := tracing.StartSpan(ctx, "ledger.query_by_identity", "CLIENT")
	span.WithAttributes(map[string]string{"identity": identity, "role": string(role)})
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	ids, err := a.next.QueryByIdentity(callCtx, identity, role)
	err = queryError(err, "query by identity")
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// mutationError classifies a failed submit/act. Coded errors come from the
// ledger itself and pass through verbatim; anything else leaves the outcome
// unknown.
func (a *Adapter) mutationError(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.HasCode(err) {
		return err
	}
	if ctx.Err() != nil {
		return errors.Wrap(err, errors.ErrCodeSubmissionTimeout,
			"ledger did not confirm "+op+" in time; re-query before retrying")
	}
	return errors.Wrap(err, errors.ErrCodeSubmissionTimeout,
		"ledger outcome of "+op+" is unknown; re-query before retrying")
}

func queryError(err error, op string) error {
	if err == nil || errors.HasCode(err) {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "ledger "+op+" failed")
}

var _ Client = (*Adapter)(nil)
