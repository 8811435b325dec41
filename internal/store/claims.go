package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/shared"
)

// CreateClaim inserts c with its initial history.
func (s *SQLiteStore) CreateClaim(ctx context.Context, c domain.Claim) error {
	return shared.RetryOnConflict(ctx, s.retry, "create claim", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create claim: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		result, err := tx.ExecContext(ctx, `
			INSERT INTO claims (claim_id, conversation_id, policy_holder, policy_number, problem_type, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(claim_id) DO NOTHING`,
			c.ID, c.ConversationID, c.PolicyHolder, c.PolicyNumber, c.ProblemType, string(c.Status), c.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		if rows, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if rows == 0 {
			return fmt.Errorf("claim %s: %w", c.ID, domain.ErrAlreadyExists)
		}

		for i, e := range c.History {
			if err := insertClaimEvent(ctx, tx, c.ID, i, e); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UpdateClaim sets the status of claim id and appends e to its history.
func (s *SQLiteStore) UpdateClaim(ctx context.Context, id string, e domain.ClaimEvent) error {
	return shared.RetryOnConflict(ctx, s.retry, "update claim", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update claim: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		result, err := tx.ExecContext(ctx, `UPDATE claims SET status = ? WHERE claim_id = ?`, string(e.Status), id)
		if err != nil {
			return fmt.Errorf("update claim: %w", err)
		}
		if rows, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if rows == 0 {
			return fmt.Errorf("%s: %w", id, domain.ErrClaimNotFound)
		}

		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM claim_events WHERE claim_id = ?`, id).Scan(&next); err != nil {
			return fmt.Errorf("count claim events: %w", err)
		}
		if err := insertClaimEvent(ctx, tx, id, next, e); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func insertClaimEvent(ctx context.Context, tx *sql.Tx, claimID string, position int, e domain.ClaimEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode claim details: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO claim_events (claim_id, position, status, details, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		claimID, position, string(e.Status), string(details), e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert claim event: %w", err)
	}
	return nil
}

// GetClaim retrieves a claim with its history.
func (s *SQLiteStore) GetClaim(ctx context.Context, id string) (domain.Claim, error) {
	claims, err := s.claims(ctx, `WHERE claim_id = ?`, id)
	if err != nil {
		return domain.Claim{}, err
	}
	if len(claims) == 0 {
		return domain.Claim{}, fmt.Errorf("%s: %w", id, domain.ErrClaimNotFound)
	}
	return claims[0], nil
}

// ListClaims retrieves every claim, oldest first.
func (s *SQLiteStore) ListClaims(ctx context.Context) ([]domain.Claim, error) {
	return s.claims(ctx, "")
}

func (s *SQLiteStore) claims(ctx context.Context, where string, args ...any) ([]domain.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT claim_id, conversation_id, policy_holder, policy_number, problem_type, status, created_at
		FROM claims `+where+` ORDER BY created_at, claim_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close claim rows", "error", closeErr)
		}
	}()

	var out []domain.Claim
	index := make(map[string]int)
	for rows.Next() {
		var (
			c         domain.Claim
			status    string
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.PolicyHolder, &c.PolicyNumber, &c.ProblemType, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan claim row: %w", err)
		}
		c.Status = domain.ClaimStatus(status)
		c.CreatedAt = time.Unix(0, createdAt).UTC()
		index[c.ID] = len(out)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	events, err := s.claimEvents(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	for id, history := range events {
		if i, ok := index[id]; ok {
			out[i].History = history
		}
	}
	return out, nil
}

func (s *SQLiteStore) claimEvents(ctx context.Context, where string, args ...any) (map[string][]domain.ClaimEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT claim_id, status, details, timestamp
		FROM claim_events `+where+` ORDER BY claim_id, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("query claim events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close claim event rows", "error", closeErr)
		}
	}()

	out := make(map[string][]domain.ClaimEvent)
	for rows.Next() {
		var (
			claimID, status, details string
			timestamp                int64
			e                        domain.ClaimEvent
		)
		if err := rows.Scan(&claimID, &status, &details, &timestamp); err != nil {
			return nil, fmt.Errorf("scan claim event row: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode claim details: %w", err)
		}
		e.Status = domain.ClaimStatus(status)
		e.Timestamp = time.Unix(0, timestamp).UTC()
		out[claimID] = append(out[claimID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim events: %w", err)
	}
	return out, nil
}
