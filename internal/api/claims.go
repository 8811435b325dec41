package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/casedesk/internal/coverage"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/identity"
	"github.com/ashureev/casedesk/internal/wire"
)

// Claims processes roadside claims. *claims.Processor satisfies it.
type Claims interface {
	ProcessClaim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error)
	Confirm(ctx context.Context, req domain.ClaimRequest, helpConfirmed, cabRequested bool) (domain.ClaimResult, error)
	StatusMessage(conversationID string) string
	Cases(ctx context.Context) ([]domain.Claim, error)
	TakeOver(ctx context.Context, claimID, admin, reason string) (domain.Claim, error)
}

// ClaimHandler serves claim processing and the case admin routes.
type ClaimHandler struct {
	claims Claims
	logger *slog.Logger
}

// NewClaimHandler creates a handler.
func NewClaimHandler(claims Claims, logger *slog.Logger) *ClaimHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimHandler{claims: claims, logger: logger}
}

// Routes registers the claim routes on a router already mounted at /api.
func (h *ClaimHandler) Routes(r chi.Router) {
	r.Post("/process_claim", h.ProcessClaim)
	r.Post("/confirm_dispatch", h.ConfirmDispatch)
	r.Get("/get_status", h.Status)

	r.Route("/admin/cases", func(r chi.Router) {
		r.Get("/", h.Cases)
		r.Post("/{id}/takeover", h.TakeOver)
	})
}

// claimRequest validates body and fills in the problem type from the
// description when the caller did not classify it.
func claimRequest(w http.ResponseWriter, body wire.ProcessClaimRequest) (domain.ClaimRequest, bool) {
	req := body.Claim()
	if strings.TrimSpace(req.CustomerName) == "" {
		ErrorCode(w, http.StatusBadRequest, wire.CodeBadRequest, "customer_name is required")
		return req, false
	}
	if req.ProblemType == "" && req.Issue != "" {
		req.ProblemType = coverage.Classify(req.Issue)
	}
	return req, true
}

// ProcessClaim verifies, dispatches and records a claim.
func (h *ClaimHandler) ProcessClaim(w http.ResponseWriter, r *http.Request) {
	var body wire.ProcessClaimRequest
	if !decode(w, r, &body) {
		return
	}
	req, ok := claimRequest(w, body)
	if !ok {
		return
	}
	res, err := h.claims.ProcessClaim(r.Context(), req)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// ConfirmDispatch processes a claim the customer confirmed, or cancels it.
func (h *ClaimHandler) ConfirmDispatch(w http.ResponseWriter, r *http.Request) {
	var body wire.ConfirmDispatchRequest
	if !decode(w, r, &body) {
		return
	}
	req, ok := claimRequest(w, body.ProcessClaimRequest)
	if !ok {
		return
	}
	res, err := h.claims.Confirm(r.Context(), req, body.HelpConfirmed, body.CabRequested)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Status returns the last customer-facing claim status.
func (h *ClaimHandler) Status(w http.ResponseWriter, r *http.Request) {
	msg := h.claims.StatusMessage(r.URL.Query().Get("conversation_id"))
	JSON(w, http.StatusOK, wire.StatusResponse{Message: msg})
}

// Cases lists every claim.
func (h *ClaimHandler) Cases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.claims.Cases(r.Context())
	if err != nil {
		DomainError(w, r, err)
		return
	}
	if cases == nil {
		cases = []domain.Claim{}
	}
	JSON(w, http.StatusOK, wire.CasesResponse{Cases: cases})
}

// TakeOver hands a claim to a human adjuster.
func (h *ClaimHandler) TakeOver(w http.ResponseWriter, r *http.Request) {
	var req wire.CaseTakeoverRequest
	if !decode(w, r, &req) {
		return
	}
	admin := req.AdminUser
	if admin == "" {
		admin = identity.OperatorFromContext(r.Context())
	}
	id := chi.URLParam(r, "id")
	claim, err := h.claims.TakeOver(r.Context(), id, admin, req.Reason)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	h.logger.Info("Case taken over", "claim_id", id, "status", claim.Status)
	JSON(w, http.StatusOK, wire.CaseTakeoverResponse{Message: "Case taken over successfully", CaseID: id, Case: claim})
}
