package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/casedesk/internal/coverage"
	"github.com/ashureev/casedesk/internal/domain"
)

// Reasons reported with unsuccessful results.
const (
	ReasonUnverified = "Policy verification failed or no coverage"
	ReasonNoProvider = "No available service providers"
	ReasonDeclined   = "Customer declined the dispatch"
)

const (
	defaultAdmin    = "Unknown Admin"
	defaultReason   = "Manual intervention"
	resolutionNotes = "Service provider arrived and assisted customer"
)

// Config tunes a Processor.
type Config struct {
	Policies *PolicyBook
	Catalog  Catalog
	// Location is where providers are sent; there is no live geolocation.
	Location Location
	Now      func() time.Time
}

// DefaultConfig returns the demo policy book and catalog.
func DefaultConfig() Config {
	return Config{
		Policies: NewPolicyBook(DefaultPolicies()...),
		Catalog:  DefaultCatalog(),
		Location: CustomerLocation,
		Now:      time.Now,
	}
}

// Processor runs verification, dispatch, notification and claim recording
// for completed intakes.
type Processor struct {
	ledger Ledger
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	status map[string]string
	latest string
}

// NewProcessor creates a Processor writing to ledger.
func NewProcessor(ledger Ledger, cfg Config, logger *slog.Logger) *Processor {
	def := DefaultConfig()
	if cfg.Policies == nil {
		cfg.Policies = def.Policies
	}
	if cfg.Catalog.Providers == nil && cfg.Catalog.Garages == nil {
		cfg.Catalog = def.Catalog
	}
	if cfg.Location == (Location{}) {
		cfg.Location = def.Location
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		status: make(map[string]string),
	}
}

// ProcessClaim verifies the caller's policy, dispatches a provider and
// records the claim. Denials and missing providers are results, not errors;
// an error means the ledger could not be written.
func (p *Processor) ProcessClaim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	now := p.cfg.Now()
	if req.ProblemType == "" {
		req.ProblemType = coverage.General
	}
	res := domain.ClaimResult{
		ConversationID: req.ConversationID,
		ProblemType:    req.ProblemType,
		ProcessedAt:    now,
	}

	v := p.cfg.Policies.Verify(req.CustomerName, now)
	if !v.Verified || !v.Roadside {
		res.Status = domain.ClaimDenied
		res.Reason = ReasonUnverified
		p.logger.Info("Claim denied", "conversation_id", req.ConversationID, "coverage_status", v.Status)
		p.setStatus(req.ConversationID, "Your request could not be processed: "+res.Reason)
		return res, nil
	}
	policy := v.Policy
	if !policy.Covers(req.ProblemType) {
		res.Status = domain.ClaimNotCovered
		res.Reason = fmt.Sprintf("%s is not covered by policy %s", req.ProblemType, policy.Number)
		p.logger.Info("Claim not covered", "conversation_id", req.ConversationID, "problem_type", req.ProblemType)
		p.setStatus(req.ConversationID, "Your request could not be processed: "+res.Reason)
		return res, nil
	}

	assignment, err := p.cfg.Catalog.Dispatch(req.ProblemType, p.cfg.Location)
	if errors.Is(err, ErrNoProvider) {
		res.Status = domain.ClaimFailed
		res.Reason = ReasonNoProvider
		p.logger.Warn("No provider to dispatch", "conversation_id", req.ConversationID, "problem_type", req.ProblemType)
		p.setStatus(req.ConversationID, "Service request failed: "+res.Reason)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("dispatch: %w", err)
	}

	claim := domain.Claim{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		PolicyHolder:   policy.Holder,
		PolicyNumber:   policy.Number,
		ProblemType:    req.ProblemType,
		Status:         domain.ClaimStatusOpen,
		CreatedAt:      now,
		History: []domain.ClaimEvent{{
			Timestamp: now,
			Status:    domain.ClaimStatusOpen,
			Details:   map[string]string{"details": "Claim created for " + req.ProblemType},
		}},
	}
	if err := p.ledger.CreateClaim(ctx, claim); err != nil {
		return res, fmt.Errorf("create claim: %w", err)
	}
	if err := p.ledger.UpdateClaim(ctx, claim.ID, domain.ClaimEvent{
		Timestamp: p.cfg.Now(),
		Status:    domain.ClaimStatusDispatched,
		Details: map[string]string{
			"provider":     assignment.Provider.Name,
			"eta_minutes":  strconv.Itoa(assignment.ETAMinutes),
			"service_type": string(assignment.Type),
		},
	}); err != nil {
		return res, fmt.Errorf("record dispatch: %w", err)
	}
	resolvedAt := p.cfg.Now()
	if err := p.ledger.UpdateClaim(ctx, claim.ID, domain.ClaimEvent{
		Timestamp: resolvedAt,
		Status:    domain.ClaimStatusResolved,
		Details: map[string]string{
			"resolution":      resolutionNotes,
			"completion_time": resolvedAt.Format(time.RFC3339),
		},
	}); err != nil {
		return res, fmt.Errorf("record resolution: %w", err)
	}

	res.ClaimID = claim.ID
	res.Status = domain.ClaimDispatched
	res.Provider = assignment.Provider.Name
	res.ServiceType = string(assignment.Type)
	res.ETAMinutes = assignment.ETAMinutes
	res.DistanceKM = assignment.DistanceKM
	res.Notifications = []string{
		Notice(policy.Holder, NoticeDispatched, assignment.Provider.Name, 0),
		Notice(policy.Holder, NoticeETA, "", assignment.ETAMinutes),
	}
	p.setStatus(req.ConversationID, res.Notifications[0])

	p.logger.Info("Claim dispatched",
		"conversation_id", req.ConversationID,
		"claim_id", claim.ID,
		"provider", assignment.Provider.Name,
		"eta_minutes", assignment.ETAMinutes,
	)
	return res, nil
}

// Confirm processes req once the customer accepted the dispatch. A declined
// dispatch is cancelled without touching the ledger.
func (p *Processor) Confirm(ctx context.Context, req domain.ClaimRequest, helpConfirmed, cabRequested bool) (domain.ClaimResult, error) {
	if !helpConfirmed {
		res := domain.ClaimResult{
			ConversationID: req.ConversationID,
			ProblemType:    req.ProblemType,
			Status:         domain.ClaimCancelled,
			Reason:         ReasonDeclined,
			Notifications:  []string{Notice(req.CustomerName, NoticeCancelled, "", 0)},
			ProcessedAt:    p.cfg.Now(),
		}
		p.setStatus(req.ConversationID, "Service request cancelled")
		return res, nil
	}

	res, err := p.ProcessClaim(ctx, req)
	if err != nil || res.Status != domain.ClaimDispatched || !cabRequested {
		return res, err
	}
	res.Notifications = append(res.Notifications, Notice(req.CustomerName, NoticeCab, "", 0))
	return res, nil
}

func (p *Processor) setStatus(conversationID, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = msg
	if conversationID != "" {
		p.status[conversationID] = msg
	}
}

// StatusMessage returns the last customer-facing status for conversationID,
// or the latest one overall when conversationID is empty.
func (p *Processor) StatusMessage(conversationID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conversationID == "" {
		return p.latest
	}
	return p.status[conversationID]
}

// Cases lists every recorded claim.
func (p *Processor) Cases(ctx context.Context) ([]domain.Claim, error) {
	return p.ledger.ListClaims(ctx)
}

// TakeOver hands claimID to a human adjuster.
func (p *Processor) TakeOver(ctx context.Context, claimID, admin, reason string) (domain.Claim, error) {
	if admin == "" {
		admin = defaultAdmin
	}
	if reason == "" {
		reason = defaultReason
	}
	err := p.ledger.UpdateClaim(ctx, claimID, domain.ClaimEvent{
		Timestamp: p.cfg.Now(),
		Status:    domain.ClaimStatusTakenOver,
		Details:   map[string]string{"admin_user": admin, "reason": reason},
	})
	if err != nil {
		return domain.Claim{}, err
	}
	p.logger.Info("Claim taken over", "claim_id", claimID, "admin_user", admin)
	return p.ledger.GetClaim(ctx, claimID)
}
