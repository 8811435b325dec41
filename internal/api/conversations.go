package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/casedesk/internal/conversation"
	"github.com/ashureev/casedesk/internal/coverage"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/identity"
	"github.com/ashureev/casedesk/internal/wire"
)

const maxBodyBytes = 1 << 20

// Conversations is the authoritative conversation service.
type Conversations interface {
	Create(ctx context.Context, id, customerLabel, problemLabel string) (domain.Conversation, error)
	Get(ctx context.Context, id string) (domain.Conversation, error)
	List(ctx context.Context) (wire.Grouped, error)
	UpdateLabels(ctx context.Context, id, customerLabel, problemLabel string) (domain.Conversation, error)
	Append(ctx context.Context, id string, m domain.Message) (conversation.AppendResult, error)
	SyncHistory(ctx context.Context, id string, msgs []domain.Message) (wire.SyncHistoryResponse, error)
	Takeover(ctx context.Context, id, adminUser string) (domain.Conversation, error)
	Close(ctx context.Context, id string) (domain.Conversation, error)
}

// ConversationHandler serves the mutation API.
type ConversationHandler struct {
	svc     Conversations
	limiter *RateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewConversationHandler creates a handler. limiter may be nil to disable
// rate limiting of message posts.
func NewConversationHandler(svc Conversations, limiter *RateLimiter, logger *slog.Logger) *ConversationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{
		svc:     svc,
		limiter: limiter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers the conversation routes on a router already mounted at /api.
func (h *ConversationHandler) Routes(r chi.Router) {
	r.Post("/check_coverage", h.CheckCoverage)

	r.Route("/admin/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.UpdateLabels)
			r.Post("/takeover", h.Takeover)
			r.Post("/close", h.Close)
			r.Post("/sync_history", h.SyncHistory)

			r.Group(func(r chi.Router) {
				if h.limiter != nil {
					r.Use(h.limiter.Middleware(messageKey))
				}
				r.Post("/message", h.AppendMessage)
				r.Post("/admin_message", h.AdminMessage)
			})
		})
	})
}

func messageKey(r *http.Request) string {
	return chi.URLParam(r, "id") + "|" + identity.IPFromRequest(r)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		ErrorCode(w, http.StatusBadRequest, wire.CodeBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// Create registers a conversation.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		ErrorCode(w, http.StatusBadRequest, wire.CodeBadRequest, "conversation_id is required")
		return
	}
	conv, err := h.svc.Create(r.Context(), req.ConversationID, req.CustomerName, req.ProblemType)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, conv)
}

// List returns every conversation grouped by status.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.List(r.Context())
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, wire.ListResponse{Conversations: g})
}

// Get returns one conversation.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// UpdateLabels changes labels while the conversation has no messages.
func (h *ConversationHandler) UpdateLabels(w http.ResponseWriter, r *http.Request) {
	var req wire.LabelsRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := h.svc.UpdateLabels(r.Context(), chi.URLParam(r, "id"), req.CustomerName, req.ProblemType)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// AppendMessage posts one message of any origin.
func (h *ConversationHandler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	var req wire.AppendRequest
	if !decode(w, r, &req) {
		return
	}
	origin, err := domain.ParseOrigin(req.MessageType)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	sender := req.Sender
	if origin == domain.OriginOperator && sender == "" {
		sender = identity.OperatorFromContext(r.Context())
	}
	h.append(w, r, domain.Message{
		Timestamp:   req.Timestamp,
		Origin:      origin,
		Content:     req.Content,
		SenderLabel: sender,
		LocalID:     req.LocalID,
	})
}

// AdminMessage posts an operator message. The body's admin_user wins over
// the operator header.
func (h *ConversationHandler) AdminMessage(w http.ResponseWriter, r *http.Request) {
	var req wire.AdminMessageRequest
	if !decode(w, r, &req) {
		return
	}
	admin := req.AdminUser
	if admin == "" {
		admin = identity.OperatorFromContext(r.Context())
	}
	h.append(w, r, domain.Message{
		Origin:      domain.OriginOperator,
		Content:     req.Message,
		SenderLabel: admin,
		LocalID:     req.LocalID,
	})
}

func (h *ConversationHandler) append(w http.ResponseWriter, r *http.Request, m domain.Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = h.now()
	}
	res, err := h.svc.Append(r.Context(), chi.URLParam(r, "id"), m)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == conversation.Duplicate {
		status = http.StatusOK
	}
	JSON(w, status, wire.AppendResponse{Message: res.Message, Duplicate: res.Outcome == conversation.Duplicate})
}

// SyncHistory merges a batch of messages through the append path.
func (h *ConversationHandler) SyncHistory(w http.ResponseWriter, r *http.Request) {
	var req wire.SyncHistoryRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.svc.SyncHistory(r.Context(), chi.URLParam(r, "id"), req.Messages)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// Takeover hands the conversation to an operator.
func (h *ConversationHandler) Takeover(w http.ResponseWriter, r *http.Request) {
	var req wire.TakeoverRequest
	if !decode(w, r, &req) {
		return
	}
	admin := req.AdminUser
	if admin == "" {
		admin = identity.OperatorFromContext(r.Context())
	}
	if admin == "" {
		ErrorCode(w, http.StatusBadRequest, wire.CodeBadRequest, "admin_user is required")
		return
	}
	conv, err := h.svc.Takeover(r.Context(), chi.URLParam(r, "id"), admin)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// Close ends the conversation.
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// CheckCoverage classifies a problem description.
func (h *ConversationHandler) CheckCoverage(w http.ResponseWriter, r *http.Request) {
	var req wire.CoverageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ProblemDescription) == "" {
		ErrorCode(w, http.StatusBadRequest, wire.CodeBadRequest, "problem_description is required")
		return
	}
	res := coverage.Check(req.ProblemDescription)
	JSON(w, http.StatusOK, wire.CoverageResponse{ProblemType: res.ProblemType, Covered: res.Covered})
}
