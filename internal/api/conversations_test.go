package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/casedesk/internal/claims"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/id"
	"github.com/ashureev/casedesk/internal/identity"
	"github.com/ashureev/casedesk/internal/mutation"
	"github.com/ashureev/casedesk/internal/service"
	"github.com/ashureev/casedesk/internal/store"
	"github.com/ashureev/casedesk/internal/wire"
)

func newTestAPI(t *testing.T, limiter *RateLimiter) *httptest.Server {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "casedesk.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	node, err := id.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	svc := service.New(repo, node, nil, nil, service.Config{}, nil)

	cfg := claims.DefaultConfig()
	cfg.Now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	processor := claims.NewProcessor(repo, cfg, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware())
	r.Route("/api", func(r chi.Router) {
		NewConversationHandler(svc, limiter, nil).Routes(r)
		NewClaimHandler(processor, nil).Routes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = repo.Close()
	})
	return srv
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateConflict(t *testing.T) {
	srv := newTestAPI(t, nil)
	url := srv.URL + "/api/admin/conversations"
	body := wire.CreateRequest{ConversationID: "c1", CustomerName: "Jane", ProblemType: "flat tire"}

	if resp := post(t, url, body); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	resp := post(t, url, body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d", resp.StatusCode)
	}
	var apiErr wire.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatal(err)
	}
	if apiErr.Code != wire.CodeExists {
		t.Errorf("code = %q, want %q", apiErr.Code, wire.CodeExists)
	}

	if resp := post(t, url, wire.CreateRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty id status = %d", resp.StatusCode)
	}
}

// TestMutationClientRoundTrip drives every endpoint through the client the
// desk uses.
func TestMutationClientRoundTrip(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := mutation.NewHTTPClient(srv.URL, nil)
	ctx := context.Background()

	created, err := c.Create(ctx, "c1", "Jane", "flat tire")
	if err != nil || !created {
		t.Fatalf("Create = %v, %v", created, err)
	}
	created, err = c.Create(ctx, "c1", "Jane", "flat tire")
	if err != nil || created {
		t.Fatalf("second Create = %v, %v", created, err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	msg := domain.Message{Origin: domain.OriginCustomer, Content: "my tire is flat", SenderLabel: "Jane", LocalID: "l-1", Timestamp: now}
	first, err := c.AppendMessage(ctx, "c1", msg)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if first.Duplicate || first.Message.ID == 0 {
		t.Fatalf("unexpected append response: %+v", first)
	}
	again, err := c.AppendMessage(ctx, "c1", msg)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || again.Message.ID != first.Message.ID {
		t.Fatalf("retry should be a duplicate of %d, got %+v", first.Message.ID, again)
	}

	if _, err := c.AppendMessage(ctx, "c1", domain.Message{Origin: domain.OriginOperator, Content: "On my way", SenderLabel: "op-1", Timestamp: now.Add(time.Second)}); err != nil {
		t.Fatalf("operator message failed: %v", err)
	}

	conv, err := c.Takeover(ctx, "c1", "op-1")
	if err != nil {
		t.Fatalf("Takeover failed: %v", err)
	}
	if conv.Status != domain.StatusRequiresHuman || conv.HandoffAdminID != "op-1" {
		t.Fatalf("unexpected takeover result: %+v", conv)
	}
	if _, err := c.Takeover(ctx, "c1", "op-2"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second operator takeover = %v", err)
	}

	got, err := c.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	var origins []domain.Origin
	for _, m := range got.Messages {
		origins = append(origins, m.Origin)
	}
	if diff := cmp.Diff([]domain.Origin{domain.OriginCustomer, domain.OriginOperator}, origins); diff != "" {
		t.Errorf("message origins mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.Close(ctx, "c1"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := c.AppendMessage(ctx, "c1", domain.Message{Origin: domain.OriginCustomer, Content: "hello?", Timestamp: now.Add(time.Minute)}); !errors.Is(err, domain.ErrConversationClosed) {
		t.Fatalf("append after close = %v", err)
	}
	if _, err := c.Close(ctx, "c1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second close = %v", err)
	}

	g, err := c.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Closed) != 1 || len(g.Open) != 0 || len(g.RequiresHuman) != 0 {
		t.Fatalf("unexpected grouping: %+v", g)
	}

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get missing = %v", err)
	}
}

func TestUpdateLabelsEndpoint(t *testing.T) {
	srv := newTestAPI(t, nil)
	ctx := context.Background()
	c := mutation.NewHTTPClient(srv.URL, nil)
	if _, err := c.Create(ctx, "c1", "", ""); err != nil {
		t.Fatal(err)
	}

	patch := func() int {
		buf, _ := json.Marshal(wire.LabelsRequest{CustomerName: "Jane", ProblemType: "battery issue"})
		req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/admin/conversations/c1", bytes.NewReader(buf))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if code := patch(); code != http.StatusOK {
		t.Fatalf("patch status = %d", code)
	}
	if _, err := c.AppendMessage(ctx, "c1", domain.Message{Origin: domain.OriginCustomer, Content: "hi", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if code := patch(); code != http.StatusConflict {
		t.Fatalf("patch after first message status = %d", code)
	}
}

func TestAdminMessageUsesOperatorHeader(t *testing.T) {
	srv := newTestAPI(t, nil)

	buf, _ := json.Marshal(wire.AdminMessageRequest{Message: "On my way"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/admin/conversations/c1/admin_message", bytes.NewReader(buf))
	req.Header.Set(identity.OperatorHeader, "op-7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out wire.AppendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Message.SenderLabel != "op-7" || out.Message.Origin != domain.OriginOperator {
		t.Fatalf("unexpected message: %+v", out.Message)
	}

	// Without any operator the message is invalid.
	resp2 := post(t, srv.URL+"/api/admin/conversations/c1/admin_message", wire.AdminMessageRequest{Message: "anon"})
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("anonymous admin message status = %d", resp2.StatusCode)
	}
}

func TestSyncHistoryEndpoint(t *testing.T) {
	srv := newTestAPI(t, nil)
	base := time.Now().UTC()
	msgs := []domain.Message{
		{Origin: domain.OriginCustomer, Content: "hello", Timestamp: base},
		{Origin: domain.OriginAgent, Content: "Where are you?", Timestamp: base.Add(time.Second)},
	}

	url := srv.URL + "/api/admin/conversations/c1/sync_history"
	for i, want := range []wire.SyncHistoryResponse{{Accepted: 2}, {Duplicates: 2}} {
		resp := post(t, url, wire.SyncHistoryRequest{Messages: msgs})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("round %d status = %d", i, resp.StatusCode)
		}
		var got wire.SyncHistoryResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestCheckCoverageEndpoint(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := mutation.NewHTTPClient(srv.URL, nil)

	tests := []struct {
		desc    string
		want    string
		covered bool
	}{
		{"I have a flat tire", "flat tire", true},
		{"ran out of gas", "fuel delivery", false},
		{"something strange", "general roadside assistance", true},
	}
	for _, tt := range tests {
		got, err := c.CheckCoverage(context.Background(), tt.desc)
		if err != nil {
			t.Fatalf("CheckCoverage(%q) failed: %v", tt.desc, err)
		}
		if got.ProblemType != tt.want || got.Covered != tt.covered {
			t.Errorf("CheckCoverage(%q) = %+v", tt.desc, got)
		}
	}

	if resp := post(t, srv.URL+"/api/check_coverage", wire.CoverageRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty description status = %d", resp.StatusCode)
	}
}

func TestMessageRateLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	srv := newTestAPI(t, rl)
	url := srv.URL + "/api/admin/conversations/c1/message"

	for i := 0; i < 2; i++ {
		body := wire.AppendRequest{MessageType: "user", Content: "msg " + string(rune('a'+i))}
		if resp := post(t, url, body); resp.StatusCode != http.StatusCreated {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	if resp := post(t, url, wire.AppendRequest{MessageType: "user", Content: "more"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	// Other conversations have their own bucket.
	if resp := post(t, srv.URL+"/api/admin/conversations/c2/message", wire.AppendRequest{MessageType: "user", Content: "msg"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("c2 status = %d", resp.StatusCode)
	}
}
