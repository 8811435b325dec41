package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/casedesk/internal/agent"
	"github.com/ashureev/casedesk/internal/claims"
	"github.com/ashureev/casedesk/internal/conversation"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/shared"
)

// logTranscript is a Transcript backed by a single conversation.Log.
type logTranscript struct {
	log      *conversation.Log
	mu       sync.Mutex
	requests int
}

func newLogTranscript(id string) *logTranscript {
	return &logTranscript{log: conversation.New(*domain.NewConversation(id, "Jane", "", time.Now()))}
}

func (t *logTranscript) Send(_ context.Context, _ string, m domain.Message) (domain.Message, error) {
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	res := t.log.Append(m)
	if res.Outcome == conversation.Rejected {
		return m, res.Reason
	}
	return res.Message, nil
}

func (t *logTranscript) RequestHuman(context.Context, string) error {
	t.mu.Lock()
	t.requests++
	t.mu.Unlock()
	return t.log.Transition(domain.StatusRequiresHuman, domain.SystemOperator)
}

func (t *logTranscript) Contains(_ string, m domain.Message) bool { return t.log.Contains(m) }

func (t *logTranscript) Conversation(string) (domain.Conversation, bool) {
	return t.log.Snapshot(), true
}

func (t *logTranscript) count(origin domain.Origin) int {
	n := 0
	for _, m := range t.log.Snapshot().Messages {
		if m.Origin == origin {
			n++
		}
	}
	return n
}

type memStore struct {
	mu     sync.Mutex
	infos  []domain.CollectedInfo
	claims []domain.ClaimResult
}

func (s *memStore) SaveCollectedInfo(info domain.CollectedInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, info)
	return nil
}

func (s *memStore) SaveClaim(res domain.ClaimResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = append(s.claims, res)
	return nil
}

// flakyTranscript fails RequestHuman a set number of times; -1 fails forever.
type flakyTranscript struct {
	*logTranscript
	mu       sync.Mutex
	failures int
	err      error
	attempts int
}

func newFlakyTranscript(id string, failures int, err error) *flakyTranscript {
	return &flakyTranscript{logTranscript: newLogTranscript(id), failures: failures, err: err}
}

func (t *flakyTranscript) RequestHuman(ctx context.Context, id string) error {
	t.mu.Lock()
	t.attempts++
	if t.failures != 0 {
		if t.failures > 0 {
			t.failures--
		}
		err := t.err
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	return t.logTranscript.RequestHuman(ctx, id)
}

func (t *flakyTranscript) setFailures(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
}

func (t *flakyTranscript) attemptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Delay = 20 * time.Millisecond
	cfg.Retry = shared.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	claimCfg := claims.DefaultConfig()
	claimCfg.Now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	cfg.Claims = claims.NewProcessor(claims.NewMemoryLedger(), claimCfg, nil)
	return cfg
}

// fakeClaims returns result, or err while it is set.
type fakeClaims struct {
	mu     sync.Mutex
	reqs   []domain.ClaimRequest
	result domain.ClaimResult
	err    error
}

func (f *fakeClaims) ProcessClaim(_ context.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return domain.ClaimResult{}, f.err
	}
	res := f.result
	res.ConversationID = req.ConversationID
	return res, nil
}

func (f *fakeClaims) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeClaims) requests() []domain.ClaimRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ClaimRequest(nil), f.reqs...)
}

func requestHandoff(t *testing.T, c *Coordinator, id string) {
	t.Helper()
	raw, _ := json.Marshal(agent.CollectInfoArgs{Issue: "let me talk to someone"})
	if _, err := c.ExecuteTool(context.Background(), id, raw); err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}
}

func waitDone(t *testing.T, c *Coordinator, id string) {
	t.Helper()
	select {
	case <-c.HandoffDone(id):
	case <-time.After(2 * time.Second):
		t.Fatal("handoff did not complete")
	}
}

func TestKeywordDetector(t *testing.T) {
	t.Parallel()

	d := NewKeywordDetector()
	tests := []struct {
		text string
		want bool
	}{
		{"let me talk to someone", true},
		{"I want a HUMAN", true},
		{"Can I get a Representative?", true},
		{"my friend needs human contact", true},
		{"is there a person there", true},
		{"my battery is dead", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := d.WantsHuman(tt.text); got != tt.want {
			t.Errorf("WantsHuman(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	custom := NewKeywordDetector("Supervisor")
	if !custom.WantsHuman("get me a supervisor") || custom.WantsHuman("talk to someone") {
		t.Fatal("custom keywords should replace the defaults")
	}
}

func TestHandoffScenario(t *testing.T) {
	t.Parallel()

	const id = "conv-b"
	tr := newLogTranscript(id)
	c := New(tr, nil, testConfig(), nil)
	defer c.Close()

	session := agent.NewScriptedSession([]agent.Tool{c.ToolFor(id)}, nil)
	c.Attach(id, session)
	ctx := context.Background()

	reply, err := c.Converse(ctx, id, "let me talk to someone", "Jane")
	if err != nil {
		t.Fatalf("Converse failed: %v", err)
	}
	if reply != "" {
		t.Fatalf("agent reply after handoff should be suppressed, got %q", reply)
	}
	if !c.IsHandedOff(id) {
		t.Fatal("expected suppression right after detection")
	}
	if tr.count(domain.OriginAgent) != 1 {
		t.Fatalf("expected the acknowledgment immediately, got %d agent messages", tr.count(domain.OriginAgent))
	}

	waitDone(t, c, id)

	conv := tr.log.Snapshot()
	if conv.Status != domain.StatusRequiresHuman {
		t.Fatalf("expected REQUIRES_HUMAN, got %s", conv.Status)
	}
	if conv.HandoffAdminID != domain.SystemOperator {
		t.Fatalf("expected system placeholder, got %q", conv.HandoffAdminID)
	}
	if tr.count(domain.OriginSystem) != 1 {
		t.Fatalf("expected one handoff announcement, got %d", tr.count(domain.OriginSystem))
	}
	if tr.count(domain.OriginCustomer) != 1 {
		t.Fatalf("triggering utterance recorded twice: %+v", conv.Messages)
	}

	turns := len(session.History())
	reply, err = c.Converse(ctx, id, "are you there?", "Jane")
	if err != nil {
		t.Fatalf("Converse after handoff failed: %v", err)
	}
	if reply != "" {
		t.Fatalf("expected no agent reply, got %q", reply)
	}
	if len(session.History()) != turns {
		t.Fatal("customer input reached the agent after handoff")
	}
	if tr.count(domain.OriginCustomer) != 2 {
		t.Fatal("expected follow-up recorded for the human")
	}
	if tr.count(domain.OriginAgent) != 1 {
		t.Fatalf("agent message appended after handoff")
	}
	if _, err := session.Say(ctx, "hello"); !errors.Is(err, agent.ErrTerminated) {
		t.Fatalf("expected terminated session, got %v", err)
	}
}

func TestAgentReplySuppressed(t *testing.T) {
	t.Parallel()

	const id = "conv-s"
	tr := newLogTranscript(id)
	c := New(tr, nil, testConfig(), nil)
	defer c.Close()

	if err := c.AgentReply(context.Background(), id, "How can I help?"); err != nil {
		t.Fatalf("AgentReply failed: %v", err)
	}
	c.Suppress(id)
	for i := 0; i < 3; i++ {
		if err := c.AgentReply(context.Background(), id, "still here"); !errors.Is(err, ErrSuppressed) {
			t.Fatalf("expected ErrSuppressed, got %v", err)
		}
	}
	if tr.count(domain.OriginAgent) != 1 {
		t.Fatalf("expected 1 agent message, got %d", tr.count(domain.OriginAgent))
	}
}

func TestInputAfterOperatorTakeoverSkipsAgent(t *testing.T) {
	t.Parallel()

	const id = "conv-t"
	tr := newLogTranscript(id)
	c := New(tr, nil, testConfig(), nil)
	defer c.Close()
	c.Attach(id, agent.NewScriptedSession([]agent.Tool{c.ToolFor(id)}, nil))

	if err := tr.log.Transition(domain.StatusRequiresHuman, "op-1"); err != nil {
		t.Fatal(err)
	}
	toAgent, err := c.RouteCustomerInput(context.Background(), id, "hello?", "Jane")
	if err != nil {
		t.Fatalf("RouteCustomerInput failed: %v", err)
	}
	if toAgent || !c.IsHandedOff(id) {
		t.Fatal("input must not reach the agent once an operator holds the conversation")
	}
}

func TestHandoffDetectedInLocation(t *testing.T) {
	t.Parallel()

	const id = "conv-l"
	tr := newLogTranscript(id)
	c := New(tr, nil, testConfig(), nil)
	defer c.Close()

	raw, _ := json.Marshal(agent.CollectInfoArgs{Location: "just get me a representative", Issue: "flat tire"})
	out, err := c.ExecuteTool(context.Background(), id, raw)
	if err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}
	var res agent.ToolResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if res.Status != agent.ToolStatusHandoff {
		t.Fatalf("expected handoff, got %+v", res)
	}
	if info := c.CollectedInfo(id); info.Issue != "" {
		t.Fatalf("detection must short-circuit info collection, got %+v", info)
	}

	waitDone(t, c, id)

	// The utterance was never routed, so the matched field stands in for it.
	found := false
	for _, m := range tr.log.Snapshot().Messages {
		if m.Origin == domain.OriginCustomer && m.Content == "just get me a representative" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected triggering utterance recorded")
	}

	out, err = c.ExecuteTool(context.Background(), id, raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != agent.ToolStatusClosed {
		t.Fatalf("expected closed after handoff, got %+v", res)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.requests != 1 {
		t.Fatalf("expected exactly one transition request, got %d", tr.requests)
	}
}

func TestCollectInfoProcessesClaim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		customer   string
		issue      string
		wantType   string
		wantStatus string
		notices    int
	}{
		{"dispatched", "John Doe", "my battery is dead", "battery issue", domain.ClaimDispatched, 2},
		{"not covered", "John Doe", "ran out of gas", "fuel delivery", domain.ClaimNotCovered, 0},
		{"unknown customer", "", "my battery is dead", "battery issue", domain.ClaimDenied, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id := "conv-" + tt.name
			store := &memStore{}
			tr := newLogTranscript(id)
			c := New(tr, store, testConfig(), nil)
			defer c.Close()
			ctx := context.Background()

			raw, _ := json.Marshal(agent.CollectInfoArgs{Issue: tt.issue, Name: tt.customer})
			out, err := c.ExecuteTool(ctx, id, raw)
			if err != nil {
				t.Fatal(err)
			}
			var res agent.ToolResult
			if err := json.Unmarshal([]byte(out), &res); err != nil {
				t.Fatal(err)
			}
			if res.ProblemType != tt.wantType || len(res.Missing) != 1 || res.Missing[0] != "location" {
				t.Fatalf("unexpected first result: %+v", res)
			}

			raw, _ = json.Marshal(agent.CollectInfoArgs{Location: "Route 9", Ready: true})
			out, err = c.ExecuteTool(ctx, id, raw)
			if err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal([]byte(out), &res); err != nil {
				t.Fatal(err)
			}
			if res.Message == "" {
				t.Fatal("expected the claim outcome in the tool result")
			}

			store.mu.Lock()
			defer store.mu.Unlock()
			if len(store.infos) != 2 {
				t.Fatalf("expected 2 info snapshots, got %d", len(store.infos))
			}
			if len(store.claims) != 1 {
				t.Fatalf("expected 1 claim, got %d", len(store.claims))
			}
			claim := store.claims[0]
			if claim.Status != tt.wantStatus || claim.ProblemType != tt.wantType {
				t.Fatalf("unexpected claim: %+v", claim)
			}
			if (claim.ClaimID != "") != (tt.wantStatus == domain.ClaimDispatched) {
				t.Fatalf("claim id set for wrong status: %+v", claim)
			}
			if got := tr.count(domain.OriginSystem); got != tt.notices {
				t.Fatalf("expected %d notifications in the transcript, got %d", tt.notices, got)
			}
		})
	}
}

func TestClaimRetriedOnlyAfterFailure(t *testing.T) {
	t.Parallel()

	const id = "conv-claim"
	fake := &fakeClaims{
		err:    errors.New("ledger unavailable"),
		result: domain.ClaimResult{ClaimID: "k-1", Status: domain.ClaimDispatched, Provider: "Tow Co", ETAMinutes: 20},
	}
	cfg := testConfig()
	cfg.Claims = fake
	tr := newLogTranscript(id)
	c := New(tr, nil, cfg, nil)
	defer c.Close()
	ctx := context.Background()

	complete, _ := json.Marshal(agent.CollectInfoArgs{Issue: "flat tire", Location: "Main St", Ready: true})
	if _, err := c.ExecuteTool(ctx, id, complete); err == nil {
		t.Fatal("expected the processing error to reach the caller")
	}

	fake.setErr(nil)
	out, err := c.ExecuteTool(ctx, id, complete)
	if err != nil {
		t.Fatal(err)
	}
	var res agent.ToolResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Message != "Claim k-1: Tow Co is on the way and should arrive in about 20 minutes." {
		t.Fatalf("unexpected tool message: %q", res.Message)
	}

	if _, err := c.ExecuteTool(ctx, id, complete); err != nil {
		t.Fatal(err)
	}
	reqs := fake.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 processing attempts, got %d", len(reqs))
	}
	want := domain.ClaimRequest{ConversationID: id, CustomerName: "Jane", ProblemType: "flat tire", Issue: "flat tire", Location: "Main St"}
	if reqs[1] != want {
		t.Fatalf("request = %+v, want %+v", reqs[1], want)
	}
}

func TestCloseAbandonsPendingHandoff(t *testing.T) {
	t.Parallel()

	const id = "conv-c"
	tr := newLogTranscript(id)
	cfg := testConfig()
	cfg.Delay = time.Hour
	c := New(tr, nil, cfg, nil)

	raw, _ := json.Marshal(agent.CollectInfoArgs{Issue: "human please"})
	if _, err := c.ExecuteTool(context.Background(), id, raw); err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()

	waitDone(t, c, id)
	if got := tr.log.Status(); got != domain.StatusOpen {
		t.Fatalf("abandoned handoff must not transition, got %s", got)
	}
	if !c.IsHandedOff(id) {
		t.Fatal("suppression must survive Close")
	}
}

func TestHandoffTransitionRetried(t *testing.T) {
	t.Parallel()

	const id = "conv-r"
	tr := newFlakyTranscript(id, 2, errors.New("connection refused"))
	c := New(tr, nil, testConfig(), nil)
	defer c.Close()

	requestHandoff(t, c, id)
	waitDone(t, c, id)

	if err := c.HandoffErr(id); err != nil {
		t.Fatalf("expected handoff to succeed after retries, got %v", err)
	}
	if got := tr.attemptCount(); got != 3 {
		t.Fatalf("expected 3 transition attempts, got %d", got)
	}
	if got := tr.log.Status(); got != domain.StatusRequiresHuman {
		t.Fatalf("expected REQUIRES_HUMAN, got %s", got)
	}
	if tr.count(domain.OriginSystem) != 1 {
		t.Fatalf("expected one announcement, got %d", tr.count(domain.OriginSystem))
	}
}

func TestFailedHandoffIsNotAnnounced(t *testing.T) {
	t.Parallel()

	const id = "conv-f"
	tr := newFlakyTranscript(id, -1, errors.New("connection refused"))
	c := New(tr, nil, testConfig(), nil)
	defer c.Close()

	requestHandoff(t, c, id)
	waitDone(t, c, id)

	if err := c.HandoffErr(id); !errors.Is(err, ErrHandoffFailed) {
		t.Fatalf("expected ErrHandoffFailed, got %v", err)
	}
	if got := tr.log.Status(); got != domain.StatusOpen {
		t.Fatalf("failed transition must leave OPEN, got %s", got)
	}
	if tr.count(domain.OriginSystem) != 0 {
		t.Fatal("handoff announced although the conversation stayed OPEN")
	}
	if !c.IsHandedOff(id) {
		t.Fatal("suppression must survive a failed transition")
	}

	// The next customer input retries and surfaces the failure.
	ctx := context.Background()
	if _, err := c.RouteCustomerInput(ctx, id, "hello?", "Jane"); !errors.Is(err, ErrHandoffFailed) {
		t.Fatalf("expected the retry failure to surface, got %v", err)
	}

	tr.setFailures(0)
	toAgent, err := c.RouteCustomerInput(ctx, id, "anyone there?", "Jane")
	if err != nil {
		t.Fatalf("retry should succeed once the server recovers: %v", err)
	}
	if toAgent {
		t.Fatal("input must not reach the agent after handoff")
	}
	if c.HandoffErr(id) != nil {
		t.Fatal("handoff error should clear after a confirmed transition")
	}
	if got := tr.log.Status(); got != domain.StatusRequiresHuman {
		t.Fatalf("expected REQUIRES_HUMAN, got %s", got)
	}
	if tr.count(domain.OriginSystem) != 1 {
		t.Fatalf("expected one announcement, got %d", tr.count(domain.OriginSystem))
	}
}

func TestPermanentTransitionErrorNotRetried(t *testing.T) {
	t.Parallel()

	const id = "conv-p"
	tr := newFlakyTranscript(id, -1, domain.ErrConversationClosed)
	c := New(tr, nil, testConfig(), nil)
	defer c.Close()

	requestHandoff(t, c, id)
	waitDone(t, c, id)

	if got := tr.attemptCount(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if !errors.Is(c.HandoffErr(id), domain.ErrConversationClosed) {
		t.Fatalf("expected the cause to be kept, got %v", c.HandoffErr(id))
	}
}
