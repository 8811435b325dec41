package claims

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ashureev/casedesk/internal/domain"
)

// Ledger stores claims and their history. *store.SQLiteStore satisfies it.
type Ledger interface {
	CreateClaim(ctx context.Context, c domain.Claim) error
	// UpdateClaim sets the claim's status and appends e to its history. It
	// returns domain.ErrClaimNotFound for an unknown id.
	UpdateClaim(ctx context.Context, id string, e domain.ClaimEvent) error
	GetClaim(ctx context.Context, id string) (domain.Claim, error)
	ListClaims(ctx context.Context) ([]domain.Claim, error)
}

// MemoryLedger keeps claims in memory.
type MemoryLedger struct {
	mu     sync.Mutex
	claims map[string]domain.Claim
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{claims: make(map[string]domain.Claim)}
}

func (l *MemoryLedger) CreateClaim(_ context.Context, c domain.Claim) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claims[c.ID]; ok {
		return fmt.Errorf("claim %s: %w", c.ID, domain.ErrAlreadyExists)
	}
	l.claims[c.ID] = c.Clone()
	return nil
}

func (l *MemoryLedger) UpdateClaim(_ context.Context, id string, e domain.ClaimEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrClaimNotFound)
	}
	c.Status = e.Status
	c.History = append(c.History, e)
	l.claims[id] = c.Clone()
	return nil
}

func (l *MemoryLedger) GetClaim(_ context.Context, id string) (domain.Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[id]
	if !ok {
		return domain.Claim{}, fmt.Errorf("%s: %w", id, domain.ErrClaimNotFound)
	}
	return c.Clone(), nil
}

// ListClaims returns every claim, oldest first.
func (l *MemoryLedger) ListClaims(_ context.Context) ([]domain.Claim, error) {
	l.mu.Lock()
	out := make([]domain.Claim, 0, len(l.claims))
	for _, c := range l.claims {
		out = append(out, c.Clone())
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
