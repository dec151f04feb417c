// Package chaincode is the Hyperledger Fabric contract that holds approval
// requests on the ledger. It enforces the same state machine as every other
// ledger implementation: transitions are authorized and applied with
// approval.Transition at the transaction timestamp.
package chaincode

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-chaincode-go/pkg/cid"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/ledger"
)

// World-state key layout.
const (
	requestKeyPrefix    = "REQUEST~"
	sequenceKey         = "SEQUENCE"
	requesterIndex      = "requester~request"
	approverIndex       = "approver~request"
	idempotencyIndex    = "requester~idempotency"
	transitionEventName = "ApprovalTransition"
)

// IdentityAttribute is the certificate attribute holding the approval identity
// of the invoker. Invokers without it are identified by their x509 client id.
const IdentityAttribute = "approvals.id"

// requestNamespace derives request ids from transaction ids so every endorser
// computes the same id.
var requestNamespace = uuid.MustParse("8f7c2d1e-5b0a-4e61-9a3f-2c4d6e8b1a70")

// ApprovalContract provides the approval transactions
type ApprovalContract struct {
	contractapi.Contract
}

// storedRequest is the world-state value of one request.
type storedRequest struct {
	Snapshot *approval.Snapshot `json:"snapshot"`
	// Receipt is the creation receipt, returned again for a repeated
	// idempotency key.
	Receipt *ledger.Receipt `json:"receipt"`
	// Seq orders requests by creation.
	Seq uint64 `json:"seq"`
}

// TransitionEvent is emitted for every confirmed transition.
type TransitionEvent struct {
	RequestID   string          `json:"request_id"`
	TxID        string          `json:"tx_id"`
	Actor       string          `json:"actor"`
	Decision    string          `json:"decision"`
	Status      approval.Status `json:"status"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// SubmitRequest opens a request from a JSON approval.Submission and returns
// the JSON ledger.Receipt. The requester must be the transaction creator.
func (c *ApprovalContract) SubmitRequest(ctx contractapi.TransactionContextInterface, submissionJSON string) (string, error) {
	var sub approval.Submission
	if err := json.Unmarshal([]byte(submissionJSON), &sub); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSubmissionRejected, "malformed submission")
	}
	if err := approval.ValidateSubmission(&sub); err != nil {
		return "", err
	}
	if err := bindInvoker(ctx, sub.Requester); err != nil {
		return "", err
	}
	stub := ctx.GetStub()

	var idemKey string
	if sub.IdempotencyKey != "" {
		key, err := stub.CreateCompositeKey(idempotencyIndex, []string{sub.Requester, sub.IdempotencyKey})
		if err != nil {
			return "", fmt.Errorf("failed to create idempotency key: %v", err)
		}
		existingID, err := stub.GetState(key)
		if err != nil {
			return "", fmt.Errorf("failed to read idempotency index: %v", err)
		}
		if existingID != nil {
			stored, err := c.load(ctx, string(existingID))
			if err != nil {
				return "", err
			}
			return marshal(stored.Receipt)
		}
		idemKey = key
	}

	at, err := txTime(ctx)
	if err != nil {
		return "", err
	}
	txID := stub.GetTxID()
	requestID := uuid.NewSHA1(requestNamespace, []byte(txID)).String()

	seq, err := nextSequence(ctx)
	if err != nil {
		return "", err
	}

	snap := approval.NewSnapshot(requestID, &sub, at)
	receipt := &ledger.Receipt{RequestID: requestID, TxID: txID, ConfirmedAt: at}
	if err := c.store(ctx, &storedRequest{Snapshot: snap, Receipt: receipt, Seq: seq}); err != nil {
		return "", err
	}

	indexes := [][]string{{requesterIndex, sub.Requester}}
	for _, approver := range sub.Approvers {
		indexes = append(indexes, []string{approverIndex, approver})
	}
	for _, idx := range indexes {
		key, err := stub.CreateCompositeKey(idx[0], []string{idx[1], requestID})
		if err != nil {
			return "", fmt.Errorf("failed to create index key: %v", err)
		}
		if err := stub.PutState(key, []byte{0x00}); err != nil {
			return "", fmt.Errorf("failed to put index to world state: %v", err)
		}
	}
	if idemKey != "" {
		if err := stub.PutState(idemKey, []byte(requestID)); err != nil {
			return "", fmt.Errorf("failed to put idempotency index: %v", err)
		}
	}

	if err := emit(ctx, snap, sub.Requester, "submit"); err != nil {
		return "", err
	}
	return marshal(receipt)
}

// Act applies approve, reject or cancel. actor must be the transaction
// creator. payloadJSON is a JSON approval.Payload and may be empty.
func (c *ApprovalContract) Act(ctx contractapi.TransactionContextInterface, requestID, actor, decision, payloadJSON string) (string, error) {
	var payload approval.Payload
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return "", errors.InvalidInput("payload", "malformed decision payload")
		}
	}
	switch approval.Decision(decision) {
	case approval.DecisionApprove, approval.DecisionReject, approval.DecisionCancel:
	default:
		return "", errors.InvalidInput("decision", fmt.Sprintf("unsupported decision %q", decision))
	}
	if err := bindInvoker(ctx, actor); err != nil {
		return "", err
	}

	stored, err := c.load(ctx, requestID)
	if err != nil {
		return "", err
	}
	at, err := txTime(ctx)
	if err != nil {
		return "", err
	}
	// Confirmation times of one request strictly increase.
	if !at.After(stored.Snapshot.ConfirmedAt) {
		at = stored.Snapshot.ConfirmedAt.Add(time.Microsecond)
	}

	next, err := approval.Transition(stored.Snapshot, actor, approval.Decision(decision), payload, at)
	if err != nil {
		return "", err
	}
	stored.Snapshot = next
	if err := c.store(ctx, stored); err != nil {
		return "", err
	}
	if err := emit(ctx, next, actor, decision); err != nil {
		return "", err
	}
	return marshal(&ledger.Receipt{RequestID: requestID, TxID: ctx.GetStub().GetTxID(), ConfirmedAt: at})
}

// QueryRequest returns the JSON approval.Snapshot of a request.
func (c *ApprovalContract) QueryRequest(ctx contractapi.TransactionContextInterface, requestID string) (string, error) {
	stored, err := c.load(ctx, requestID)
	if err != nil {
		return "", err
	}
	return marshal(stored.Snapshot)
}

// QueryByIdentity returns a JSON array of request ids in which identity plays
// role (requester, approver or any), oldest first.
func (c *ApprovalContract) QueryByIdentity(ctx contractapi.TransactionContextInterface, identity, role string) (string, error) {
	var indexes []string
	switch approval.Role(role) {
	case approval.RoleRequester:
		indexes = []string{requesterIndex}
	case approval.RoleApprover:
		indexes = []string{approverIndex}
	case approval.RoleAny, "":
		indexes = []string{requesterIndex, approverIndex}
	default:
		return "", errors.InvalidInput("role", fmt.Sprintf("unknown role %q", role))
	}

	type entry struct {
		id  string
		seq uint64
	}
	seen := make(map[string]struct{})
	var entries []entry
	for _, index := range indexes {
		ids, err := c.scanIndex(ctx, index, identity)
		if err != nil {
			return "", err
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			stored, err := c.load(ctx, id)
			if err != nil {
				return "", err
			}
			entries = append(entries, entry{id: id, seq: stored.Seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return marshal(ids)
}

// invokerIdentity resolves the approval identity of the transaction creator.
func invokerIdentity(ctx contractapi.TransactionContextInterface) (string, error) {
	ci, err := cid.New(ctx.GetStub())
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeNotAuthorized, "cannot identify transaction invoker")
	}
	value, found, err := ci.GetAttributeValue(IdentityAttribute)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeNotAuthorized, "cannot read invoker attributes")
	}
	if found && value != "" {
		return value, nil
	}
	id, err := ci.GetID()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeNotAuthorized, "cannot identify transaction invoker")
	}
	return id, nil
}

// bindInvoker returns NOT_AUTHORIZED unless claimed is the transaction creator.
func bindInvoker(ctx contractapi.TransactionContextInterface, claimed string) error {
	id, err := invokerIdentity(ctx)
	if err != nil {
		return err
	}
	if id != claimed {
		return errors.Newf(errors.ErrCodeNotAuthorized, "invoker %q cannot act as %q", id, claimed)
	}
	return nil
}

func (c *ApprovalContract) scanIndex(ctx contractapi.TransactionContextInterface, index, identity string) ([]string, error) {
	stub := ctx.GetStub()
	resultsIterator, err := stub.GetStateByPartialCompositeKey(index, []string{identity})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %v", index, err)
	}
	defer resultsIterator.Close()

	var ids []string
	for resultsIterator.HasNext() {
		queryResponse, err := resultsIterator.Next()
		if err != nil {
			return nil, err
		}
		_, parts, err := stub.SplitCompositeKey(queryResponse.Key)
		if err != nil {
			return nil, err
		}
		if len(parts) >= 2 {
			ids = append(ids, parts[1])
		}
	}
	return ids, nil
}

func (c *ApprovalContract) load(ctx contractapi.TransactionContextInterface, requestID string) (*storedRequest, error) {
	data, err := ctx.GetStub().GetState(requestKeyPrefix + requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to read from world state: %v", err)
	}
	if data == nil {
		return nil, errors.RequestNotFound(requestID)
	}
	var stored storedRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request %s: %v", requestID, err)
	}
	return &stored, nil
}

func (c *ApprovalContract) store(ctx contractapi.TransactionContextInterface, stored *storedRequest) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %v", err)
	}
	if err := ctx.GetStub().PutState(requestKeyPrefix+stored.Snapshot.RequestID, data); err != nil {
		return fmt.Errorf("failed to put request to world state: %v", err)
	}
	return nil
}

func nextSequence(ctx contractapi.TransactionContextInterface) (uint64, error) {
	stub := ctx.GetStub()
	data, err := stub.GetState(sequenceKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %v", err)
	}
	var seq uint64
	if data != nil {
		if seq, err = strconv.ParseUint(string(data), 10, 64); err != nil {
			return 0, fmt.Errorf("corrupt sequence %q: %v", data, err)
		}
	}
	seq++
	if err := stub.PutState(sequenceKey, []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, fmt.Errorf("failed to put sequence: %v", err)
	}
	return seq, nil
}

// txTime is the transaction timestamp at microsecond precision, so it
// round-trips through the mirror unchanged.
func txTime(ctx contractapi.TransactionContextInterface) (time.Time, error) {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read transaction timestamp: %v", err)
	}
	return ts.AsTime().UTC().Truncate(time.Microsecond), nil
}

func emit(ctx contractapi.TransactionContextInterface, snap *approval.Snapshot, actor, decision string) error {
	data, err := json.Marshal(&TransitionEvent{
		RequestID:   snap.RequestID,
		TxID:        ctx.GetStub().GetTxID(),
		Actor:       actor,
		Decision:    decision,
		Status:      approval.Evaluate(snap),
		ConfirmedAt: snap.ConfirmedAt,
	})
	if err != nil {
		return err
	}
	if err := ctx.GetStub().SetEvent(transitionEventName, data); err != nil {
		return fmt.Errorf("failed to emit event: %v", err)
	}
	return nil
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
