package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/casedesk/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "casedesk.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestCreateAndGetConversation(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 30, 0, 123, time.UTC)

	conv := domain.NewConversation("c1", "Jane", "flat tire", now)
	if err := repo.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if err := repo.CreateConversation(ctx, conv); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := repo.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if diff := cmp.Diff(*conv, *got); diff != "" {
		t.Fatalf("conversation mismatch (-want +got):\n%s", diff)
	}

	if _, err := repo.GetConversation(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessagesKeepLogOrder(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	if err := repo.CreateConversation(ctx, domain.NewConversation("c1", "", "", base)); err != nil {
		t.Fatal(err)
	}

	// Inserted out of timestamp order; two share a timestamp.
	msgs := []domain.Message{
		{ID: 3, Timestamp: base.Add(2 * time.Second), Origin: domain.OriginAgent, Content: "third"},
		{ID: 1, Timestamp: base, Origin: domain.OriginCustomer, Content: "first", LocalID: "l-1"},
		{ID: 2, Timestamp: base, Origin: domain.OriginOperator, Content: "tie", SenderLabel: "op-1"},
	}
	for i, m := range msgs {
		if err := repo.AppendMessage(ctx, "c1", m, base.Add(time.Duration(i)*time.Second).UnixNano()); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	got, err := repo.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.Message{msgs[1], msgs[2], msgs[0]}
	if diff := cmp.Diff(want, got.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if !got.LastUpdated.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("last_updated not bumped: %v", got.LastUpdated)
	}

	if err := repo.AppendMessage(ctx, "missing", msgs[0], 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAndList(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b"} {
		if err := repo.CreateConversation(ctx, domain.NewConversation(id, "", "", now)); err != nil {
			t.Fatal(err)
		}
	}

	b, err := repo.GetConversation(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Transition(domain.StatusRequiresHuman, "op-1", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateConversation(ctx, b); err != nil {
		t.Fatalf("UpdateConversation failed: %v", err)
	}

	list, err := repo.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" {
		t.Fatalf("expected b first, got %+v", list)
	}
	if list[0].Status != domain.StatusRequiresHuman || list[0].HandoffAdminID != "op-1" {
		t.Fatalf("update not persisted: %+v", list[0])
	}
	if list[1].Messages == nil {
		t.Fatal("expected empty, non-nil messages")
	}

	missing := domain.NewConversation("zzz", "", "", now)
	if err := repo.UpdateConversation(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPing(t *testing.T) {
	repo := newTestStore(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestClaimLedger(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	claim := domain.Claim{
		ID:             "k-1",
		ConversationID: "c1",
		PolicyHolder:   "John Doe",
		PolicyNumber:   "XYZ-12345",
		ProblemType:    "flat tire",
		Status:         domain.ClaimStatusOpen,
		CreatedAt:      created,
		History: []domain.ClaimEvent{{
			Timestamp: created,
			Status:    domain.ClaimStatusOpen,
			Details:   map[string]string{"details": "Claim created for flat tire"},
		}},
	}
	if err := repo.CreateClaim(ctx, claim); err != nil {
		t.Fatalf("CreateClaim failed: %v", err)
	}
	if err := repo.CreateClaim(ctx, claim); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	dispatched := domain.ClaimEvent{
		Timestamp: created.Add(time.Minute),
		Status:    domain.ClaimStatusDispatched,
		Details:   map[string]string{"provider": "24/7 Roadside Rescue", "eta_minutes": "15"},
	}
	if err := repo.UpdateClaim(ctx, "k-1", dispatched); err != nil {
		t.Fatalf("UpdateClaim failed: %v", err)
	}
	if err := repo.UpdateClaim(ctx, "missing", dispatched); !errors.Is(err, domain.ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound, got %v", err)
	}

	got, err := repo.GetClaim(ctx, "k-1")
	if err != nil {
		t.Fatalf("GetClaim failed: %v", err)
	}
	want := claim
	want.Status = domain.ClaimStatusDispatched
	want.History = append(want.History, dispatched)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("claim mismatch (-want +got):\n%s", diff)
	}

	if _, err := repo.GetClaim(ctx, "missing"); !errors.Is(err, domain.ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound, got %v", err)
	}

	second := domain.Claim{ID: "k-2", PolicyHolder: "John Doe", PolicyNumber: "XYZ-12345", ProblemType: "lockout",
		Status: domain.ClaimStatusOpen, CreatedAt: created.Add(time.Hour)}
	if err := repo.CreateClaim(ctx, second); err != nil {
		t.Fatalf("CreateClaim failed: %v", err)
	}
	all, err := repo.ListClaims(ctx)
	if err != nil {
		t.Fatalf("ListClaims failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "k-1" || all[1].ID != "k-2" {
		t.Fatalf("unexpected claims: %+v", all)
	}
	if len(all[0].History) != 2 || len(all[1].History) != 0 {
		t.Fatalf("history not attached per claim: %+v", all)
	}
}
