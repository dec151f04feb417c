package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-doc-approvals/internal/approval"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
	"github.com/pesio-ai/be-doc-approvals/internal/service"
)

const (
	// IdentityHeader carries the caller identity set by the authenticating proxy.
	IdentityHeader = "X-Identity"
	// IdempotencyHeader carries the client's idempotency key on create.
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes    = 1 << 20
	defaultPageSize = 50
	maxPageSize     = 200
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	workflow *service.WorkflowService
	verifier *service.VerificationService
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(workflow *service.WorkflowService, verifier *service.VerificationService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		workflow: workflow,
		verifier: verifier,
		log:      log.Component("http"),
	}
}

// Routes builds the router with access logging and panic recovery.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(h.log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/requests", func(req chi.Router) {
			req.With(requireIdentity).Post("/", h.CreateRequest)
			req.Get("/", h.ListRequests)
			req.Get("/{id}", h.GetRequest)
			req.Get("/{id}/history", h.GetHistory)
			req.With(requireIdentity).Post("/{id}/approve", h.Approve)
			req.With(requireIdentity).Post("/{id}/reject", h.Reject)
			req.With(requireIdentity).Post("/{id}/cancel", h.Cancel)
		})
		api.Get("/verify/{key}", h.Verify)
		api.Post("/sync", h.Sync)
	})
	return r
}

// requireIdentity rejects requests without a caller identity.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(IdentityHeader)) == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
				Code:    string(errors.ErrCodeNotAuthorized),
				Message: IdentityHeader + " header is required",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identity(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(IdentityHeader))
}

// CreateRequestBody is the JSON body of POST /api/v1/requests.
type CreateRequestBody struct {
	ContentHash     string            `json:"content_hash"`
	DocumentLocator string            `json:"document_locator"`
	Approvers       []string          `json:"approvers"`
	ProcessType     string            `json:"process_type"`
	ApprovalType    string            `json:"approval_type"`
	Priority        int               `json:"priority"`
	ExpiresAt       int64             `json:"expires_at"`
	Version         string            `json:"version"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	RequesterName   string            `json:"requester_name"`
	ApproverNames   map[string]string `json:"approver_names"`
}

// CreateRequest handles create request HTTP requests
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}

	flow, err := approval.FlowOf(approval.ProcessType(strings.ToUpper(body.ProcessType)), approval.ApprovalType(strings.ToUpper(body.ApprovalType)))
	if err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeSubmissionRejected, "unsupported process/approval type"))
		return
	}

	id, err := h.workflow.CreateRequest(r.Context(), &service.CreateRequestInput{
		Document:       approval.DocumentRef{ContentHash: body.ContentHash, Locator: body.DocumentLocator},
		Requester:      identity(r),
		Approvers:      body.Approvers,
		Flow:           flow,
		Priority:       body.Priority,
		ExpiresAt:      body.ExpiresAt,
		Version:        body.Version,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
		Metadata: approval.Metadata{
			Title:         body.Title,
			Description:   body.Description,
			RequesterName: body.RequesterName,
			ApproverNames: body.ApproverNames,
		},
	})
	if err != nil && id == "" {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		// Confirmed on the ledger, mirror not yet written.
		h.log.Warn().Err(err).Str("request_id", id).Msg("Request accepted with pending mirror sync")
		writeJSON(w, errors.HTTPStatus(err), map[string]interface{}{
			"request_id": id,
			"error":      toDetail(err),
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"request_id": id})
}

// ListRequests handles list requests HTTP requests
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.Filter{
		Requester:   q.Get("requester"),
		Approver:    q.Get("approver"),
		Identity:    q.Get("identity"),
		ContentHash: q.Get("content_hash"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status, ok := approval.ParseStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !ok {
				h.writeError(w, r, errors.InvalidInput("status", "unknown status "+s))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	records, err := h.workflow.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests":  records,
		"count":     len(records),
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRequest handles get request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	rec, err := h.workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetHistory handles request history HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.workflow.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": id,
		"history":    entries,
	})
}

type decisionBody struct {
	Signature string `json:"signature"`
	Reason    string `json:"reason"`
}

// Approve handles approve HTTP requests
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !h.decodeOptional(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	h.respondAfterAction(w, r, id, h.workflow.Approve(r.Context(), id, identity(r), body.Signature))
}

// Reject handles reject HTTP requests
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !h.decodeOptional(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	h.respondAfterAction(w, r, id, h.workflow.Reject(r.Context(), id, identity(r), body.Reason))
}

// Cancel handles cancel HTTP requests
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.respondAfterAction(w, r, id, h.workflow.Cancel(r.Context(), id, identity(r)))
}

// Verify handles verification HTTP requests
func (h *HTTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	rec, err := h.verifier.Verify(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Sync handles reconciliation HTTP requests
func (h *HTTPHandler) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.workflow.Sync(r.Context(), r.URL.Query().Get("identity"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health handles health check HTTP requests
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondAfterAction returns the mirrored request once the ledger confirmed
// the action. A stale or missing mirror still yields 200 with the request id.
func (h *HTTPHandler) respondAfterAction(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.workflow.Get(r.Context(), id)
	if err != nil {
		h.log.Warn().Err(err).Str("request_id", id).Msg("Action confirmed but request could not be read back")
		writeJSON(w, http.StatusOK, map[string]string{"request_id": id})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decodeOptional decodes a JSON body if one was sent.
func (h *HTTPHandler) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func toDetail(err error) errorDetail {
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return errorDetail{Code: string(appErr.Code), Message: appErr.Message, Details: appErr.Details}
	}
	return errorDetail{Code: string(errors.ErrCodeInternal), Message: "internal error"}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	event := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		event = hlog.FromRequest(r).Error()
	}
	event.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	writeJSON(w, status, errorBody{Error: toDetail(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
