package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/casedesk/internal/agent"
	"github.com/ashureev/casedesk/internal/claims"
	"github.com/ashureev/casedesk/internal/coverage"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/shared"
)

var (
	// ErrSuppressed is returned for automated-agent output after a handoff.
	ErrSuppressed = errors.New("automated agent suppressed after handoff")
	// ErrHandoffFailed wraps a transition to REQUIRES_HUMAN that never went through.
	ErrHandoffFailed = errors.New("handoff to a human failed")
)

// Defaults.
const (
	DefaultDelay          = 2 * time.Second
	DefaultAcknowledgment = "I understand you'd like to speak with a person. I'm connecting you with one of our team members now; please stay on the line."
	DefaultAnnouncement   = "The conversation has been handed off to a human operator."
	AgentLabel            = "Roadside Assistant"
)

// Transcript is the conversation state the coordinator writes through.
// *desk.Desk satisfies it.
type Transcript interface {
	Send(ctx context.Context, id string, m domain.Message) (domain.Message, error)
	RequestHuman(ctx context.Context, id string) error
	Contains(id string, m domain.Message) bool
	Conversation(id string) (domain.Conversation, bool)
}

// Store persists intake progress for repaint after reload. *snapshot.Store
// satisfies it.
type Store interface {
	SaveCollectedInfo(info domain.CollectedInfo) error
	SaveClaim(res domain.ClaimResult) error
}

// ClaimProcessor turns a completed intake into a dispatched claim.
// *claims.Processor and *mutation.HTTPClient satisfy it.
type ClaimProcessor interface {
	ProcessClaim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error)
}

// Config tunes a Coordinator.
type Config struct {
	Delay          time.Duration
	Acknowledgment string
	Announcement   string
	Detector       Detector
	// StepTimeout bounds each network step of the delayed handoff.
	StepTimeout time.Duration
	// Retry bounds attempts at the REQUIRES_HUMAN transition.
	Retry shared.RetryPolicy
	// Claims processes completed intakes. Nil uses an in-memory processor.
	Claims ClaimProcessor
}

// DefaultConfig returns the default handoff behavior.
func DefaultConfig() Config {
	return Config{
		Delay:          DefaultDelay,
		Acknowledgment: DefaultAcknowledgment,
		Announcement:   DefaultAnnouncement,
		Detector:       NewKeywordDetector(),
		StepTimeout:    10 * time.Second,
		Retry:          shared.RetryPolicy{Attempts: 5, BaseDelay: 500 * time.Millisecond},
	}
}

type caseState struct {
	session    agent.Session
	suppressed bool
	// trigger is the last customer input routed to the agent.
	trigger domain.Message
	info    domain.CollectedInfo
	timer   *time.Timer
	done    chan struct{}
	started bool
	// err is set while the conversation is suppressed but still OPEN.
	err      error
	retrying bool
	// claiming is set while a claim is in flight; claimed once it settled.
	claiming bool
	claimed  bool
}

// Coordinator owns the agent side of every conversation in this process.
type Coordinator struct {
	transcript Transcript
	store      Store
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	// stop is cancelled by Close to end transition retries.
	stop   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cases  map[string]*caseState
	closed bool
	wg     sync.WaitGroup
}

// New creates a Coordinator. store may be nil.
func New(transcript Transcript, store Store, cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.Acknowledgment == "" {
		cfg.Acknowledgment = def.Acknowledgment
	}
	if cfg.Announcement == "" {
		cfg.Announcement = def.Announcement
	}
	if cfg.Detector == nil {
		cfg.Detector = def.Detector
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Claims == nil {
		cfg.Claims = claims.NewProcessor(claims.NewMemoryLedger(), claims.DefaultConfig(), logger)
	}
	stop, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		transcript: transcript,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		stop:       stop,
		cancel:     cancel,
		cases:      make(map[string]*caseState),
	}
}

func (c *Coordinator) caseLocked(id string) *caseState {
	cs, ok := c.cases[id]
	if !ok {
		cs = &caseState{
			done: make(chan struct{}),
			info: domain.CollectedInfo{ConversationID: id},
		}
		c.cases[id] = cs
	}
	return cs
}

// Attach binds the agent session serving id.
func (c *Coordinator) Attach(id string, session agent.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caseLocked(id).session = session
}

// ToolFor returns the collect_info tool bound to id.
func (c *Coordinator) ToolFor(id string) agent.Tool {
	return agent.Tool{
		Name:        agent.CollectInfoTool,
		Description: agent.CollectInfoDescription,
		Parameters:  agent.CollectInfoArgs{},
		Call: func(ctx context.Context, args json.RawMessage) (string, error) {
			return c.ExecuteTool(ctx, id, args)
		},
	}
}

// ExecuteTool runs one collect_info call for id and returns the string handed
// back to the agent. A handoff request in any field short-circuits
// everything else.
func (c *Coordinator) ExecuteTool(ctx context.Context, id string, raw json.RawMessage) (string, error) {
	args, err := agent.ParseToolArguments[agent.CollectInfoArgs](raw)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	cs := c.caseLocked(id)
	if cs.suppressed {
		c.mu.Unlock()
		return agent.ToolResult{Status: agent.ToolStatusClosed, Message: c.cfg.Acknowledgment}.String(), nil
	}
	if matched, ok := c.wantsHuman(args); ok {
		if cs.trigger.Content == "" {
			cs.trigger = domain.Message{Timestamp: c.now(), Origin: domain.OriginCustomer, Content: matched}
		}
		c.mu.Unlock()
		if err := c.beginHandoff(ctx, id); err != nil {
			return "", err
		}
		return agent.ToolResult{Status: agent.ToolStatusHandoff, Message: c.cfg.Acknowledgment}.String(), nil
	}

	info := &cs.info
	if args.Location != "" {
		info.Location = args.Location
	}
	if args.Issue != "" {
		info.Issue = args.Issue
		res := coverage.Check(args.Issue)
		info.ProblemType = res.ProblemType
		info.Covered = res.Covered
	}
	if args.Name != "" {
		info.CustomerName = args.Name
	}
	if args.Ready {
		info.Ready = true
	}
	info.UpdatedAt = c.now()
	snapshot := *info
	process := snapshot.Complete() && !cs.claimed && !cs.claiming
	if process {
		cs.claiming = true
	}
	c.mu.Unlock()

	c.saveInfo(snapshot)

	result := agent.ToolResult{
		Status:      agent.ToolStatusRecorded,
		ProblemType: snapshot.ProblemType,
		Covered:     snapshot.Covered,
		Missing:     snapshot.Missing(),
	}
	if process {
		res, err := c.processClaim(ctx, id, snapshot)
		if err != nil {
			return "", err
		}
		result.Message = claimMessage(res)
	}
	return result.String(), nil
}

func claimMessage(res domain.ClaimResult) string {
	switch res.Status {
	case domain.ClaimDispatched:
		return fmt.Sprintf("Claim %s: %s is on the way and should arrive in about %d minutes.", res.ClaimID, res.Provider, res.ETAMinutes)
	case domain.ClaimNotCovered:
		return fmt.Sprintf("%s is not covered by the customer's policy.", res.ProblemType)
	case domain.ClaimDenied:
		return "The customer's policy could not be verified: " + res.Reason + "."
	default:
		return "No provider could be dispatched: " + res.Reason + "."
	}
}

func (c *Coordinator) wantsHuman(args agent.CollectInfoArgs) (string, bool) {
	for _, field := range []string{args.Issue, args.Location} {
		if c.cfg.Detector.WantsHuman(field) {
			return field, true
		}
	}
	return "", false
}

func (c *Coordinator) saveInfo(info domain.CollectedInfo) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveCollectedInfo(info); err != nil {
		c.logger.Warn("Failed to persist collected info", "conversation_id", info.ConversationID, "error", err)
	}
}

// processClaim sends a completed intake to the claim processor and posts
// the resulting notifications into the conversation. A claim that failed to
// dispatch or errored may be processed again.
func (c *Coordinator) processClaim(ctx context.Context, id string, info domain.CollectedInfo) (domain.ClaimResult, error) {
	req := domain.ClaimRequest{
		ConversationID: id,
		CustomerName:   info.CustomerName,
		ProblemType:    info.ProblemType,
		Issue:          info.Issue,
		Location:       info.Location,
	}
	if req.CustomerName == "" {
		if conv, ok := c.transcript.Conversation(id); ok {
			req.CustomerName = conv.CustomerLabel
		}
	}

	res, err := c.cfg.Claims.ProcessClaim(ctx, req)

	c.mu.Lock()
	cs := c.caseLocked(id)
	cs.claiming = false
	cs.claimed = err == nil && res.Status != domain.ClaimFailed
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Claim processing failed", "conversation_id", id, "error", err)
		return res, fmt.Errorf("process claim: %w", err)
	}
	c.logger.Info("Claim processed", "conversation_id", id, "problem_type", res.ProblemType, "status", res.Status, "claim_id", res.ClaimID)

	for _, notice := range res.Notifications {
		if _, err := c.transcript.Send(ctx, id, domain.Message{
			Timestamp: c.now(),
			Origin:    domain.OriginSystem,
			Content:   notice,
		}); err != nil {
			c.logger.Warn("Failed to post claim notification", "conversation_id", id, "error", err)
		}
	}
	if c.store != nil {
		if err := c.store.SaveClaim(res); err != nil {
			c.logger.Warn("Failed to persist claim result", "conversation_id", id, "error", err)
		}
	}
	return res, nil
}

// beginHandoff suppresses the agent, posts the acknowledgment, and schedules
// the rest of the cycle after the configured delay.
func (c *Coordinator) beginHandoff(ctx context.Context, id string) error {
	c.mu.Lock()
	cs := c.caseLocked(id)
	if cs.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	cs.started = true
	cs.suppressed = true
	c.mu.Unlock()

	c.logger.Info("Customer asked for a human", "conversation_id", id)

	ack := domain.Message{
		Timestamp:   c.now(),
		Origin:      domain.OriginAgent,
		Content:     c.cfg.Acknowledgment,
		SenderLabel: AgentLabel,
	}
	if _, err := c.transcript.Send(ctx, id, ack); err != nil {
		c.logger.Warn("Failed to post handoff acknowledgment", "conversation_id", id, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(cs.done)
		return nil
	}
	c.wg.Add(1)
	cs.timer = time.AfterFunc(c.cfg.Delay, func() {
		defer c.wg.Done()
		c.completeHandoff(id)
	})
	return nil
}

func (c *Coordinator) completeHandoff(id string) {
	c.mu.Lock()
	cs := c.caseLocked(id)
	session := cs.session
	trigger := cs.trigger
	done := cs.done
	c.mu.Unlock()
	defer close(done)

	if session != nil {
		ctx, cancel := context.WithTimeout(c.stop, c.cfg.StepTimeout)
		if err := session.Terminate(ctx); err != nil {
			c.logger.Warn("Failed to terminate agent session", "conversation_id", id, "error", err)
		}
		cancel()
	}

	err := shared.Retry(c.stop, c.cfg.Retry, "request human", retryableTransition, func() error {
		ctx, cancel := context.WithTimeout(c.stop, c.cfg.StepTimeout)
		defer cancel()
		return c.requestHuman(ctx, id)
	})
	if err != nil {
		c.fail(id, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StepTimeout)
	defer cancel()
	c.announce(ctx, id, trigger)
	c.logger.Info("Handoff complete", "conversation_id", id)
}

// retryableTransition rejects errors another attempt cannot change.
func retryableTransition(err error) bool {
	for _, permanent := range []error{
		domain.ErrInvalidTransition,
		domain.ErrConversationClosed,
		domain.ErrNotFound,
		context.Canceled,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

// requestHuman drives OPEN -> REQUIRES_HUMAN. A conversation an operator
// already holds counts as handed off.
func (c *Coordinator) requestHuman(ctx context.Context, id string) error {
	err := c.transcript.RequestHuman(ctx, id)
	if err == nil {
		return nil
	}
	if conv, ok := c.transcript.Conversation(id); ok && conv.Status == domain.StatusRequiresHuman {
		return nil
	}
	return err
}

func (c *Coordinator) fail(id string, err error) {
	c.mu.Lock()
	c.caseLocked(id).err = fmt.Errorf("%w: %w", ErrHandoffFailed, err)
	c.mu.Unlock()
	c.logger.Error("Handoff transition failed, conversation stays OPEN", "conversation_id", id, "error", err)
}

// announce records the triggering utterance if it is missing and posts the
// system announcement. Only called once the transition is confirmed.
func (c *Coordinator) announce(ctx context.Context, id string, trigger domain.Message) {
	if trigger.Content != "" && !c.transcript.Contains(id, trigger) {
		if _, err := c.transcript.Send(ctx, id, trigger); err != nil {
			c.logger.Warn("Failed to record triggering utterance", "conversation_id", id, "error", err)
		}
	}

	announcement := domain.Message{
		Timestamp: c.now(),
		Origin:    domain.OriginSystem,
		Content:   c.cfg.Announcement,
	}
	if _, err := c.transcript.Send(ctx, id, announcement); err != nil {
		c.logger.Warn("Failed to post handoff announcement", "conversation_id", id, "error", err)
	}
}

// retryHandoff makes one more transition attempt for a handoff whose
// delayed cycle gave up.
func (c *Coordinator) retryHandoff(ctx context.Context, id string, trigger domain.Message) error {
	err := c.requestHuman(ctx, id)

	c.mu.Lock()
	cs := c.caseLocked(id)
	cs.retrying = false
	if err != nil {
		cs.err = fmt.Errorf("%w: %w", ErrHandoffFailed, err)
		err = cs.err
		c.mu.Unlock()
		return err
	}
	cs.err = nil
	c.mu.Unlock()

	c.announce(ctx, id, trigger)
	c.logger.Info("Handoff complete after retry", "conversation_id", id)
	return nil
}

// RouteCustomerInput records text from the customer and reports whether it
// may also go to the automated agent. After a handoff, or once the
// conversation left OPEN, input is for humans only. Input arriving after a
// failed handoff retries the transition and returns its error.
func (c *Coordinator) RouteCustomerInput(ctx context.Context, id, text, senderLabel string) (bool, error) {
	m := domain.Message{
		Timestamp:   c.now(),
		Origin:      domain.OriginCustomer,
		Content:     text,
		SenderLabel: senderLabel,
	}
	sent, err := c.transcript.Send(ctx, id, m)
	if err != nil {
		return false, err
	}

	if conv, ok := c.transcript.Conversation(id); ok && conv.Status != domain.StatusOpen {
		c.Suppress(id)
	}

	c.mu.Lock()
	cs := c.caseLocked(id)
	if cs.err != nil && !cs.retrying {
		cs.retrying = true
		trigger := cs.trigger
		c.mu.Unlock()
		return false, c.retryHandoff(ctx, id, trigger)
	}
	defer c.mu.Unlock()
	if cs.suppressed {
		return false, nil
	}
	cs.trigger = sent
	return cs.session != nil, nil
}

// AgentReply records an automated-agent reply unless the conversation has
// been handed off.
func (c *Coordinator) AgentReply(ctx context.Context, id, text string) error {
	if c.IsHandedOff(id) {
		return ErrSuppressed
	}
	if text == "" {
		return nil
	}
	_, err := c.transcript.Send(ctx, id, domain.Message{
		Timestamp:   c.now(),
		Origin:      domain.OriginAgent,
		Content:     text,
		SenderLabel: AgentLabel,
	})
	return err
}

// Converse routes one customer utterance. When the agent may answer, its
// reply is recorded and returned; otherwise the reply is empty and the
// input waits for a human.
func (c *Coordinator) Converse(ctx context.Context, id, text, senderLabel string) (string, error) {
	toAgent, err := c.RouteCustomerInput(ctx, id, text, senderLabel)
	if err != nil || !toAgent {
		return "", err
	}

	c.mu.Lock()
	session := c.caseLocked(id).session
	c.mu.Unlock()

	reply, err := session.Say(ctx, text)
	if err != nil {
		if errors.Is(err, agent.ErrTerminated) {
			return "", nil
		}
		return "", fmt.Errorf("agent: %w", err)
	}
	if err := c.AgentReply(ctx, id, reply); err != nil {
		if errors.Is(err, ErrSuppressed) {
			return "", nil
		}
		return "", err
	}
	return reply, nil
}

// Suppress stops automated replies for id. Nothing un-suppresses.
func (c *Coordinator) Suppress(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caseLocked(id).suppressed = true
}

// IsHandedOff reports whether automated replies are suppressed for id.
func (c *Coordinator) IsHandedOff(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.cases[id]
	return ok && cs.suppressed
}

// HandoffDone returns a channel closed once the handoff cycle for id has
// finished or was abandoned by Close.
func (c *Coordinator) HandoffDone(id string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caseLocked(id).done
}

// HandoffErr reports why the handoff of id left the conversation OPEN, or
// nil. Meaningful once HandoffDone is closed.
func (c *Coordinator) HandoffErr(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.cases[id]; ok {
		return cs.err
	}
	return nil
}

// CollectedInfo returns what has been collected for id.
func (c *Coordinator) CollectedInfo(id string) domain.CollectedInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caseLocked(id).info
}

// Close cancels pending handoffs and waits for running ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, cs := range c.cases {
		if cs.timer != nil && cs.timer.Stop() {
			c.wg.Done()
			close(cs.done)
			c.logger.Warn("Pending handoff abandoned", "conversation_id", id)
		}
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}
