// Package desk holds one process's view of the conversation set and keeps it
// in sync through the mutation API and the push channel.
package desk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/casedesk/internal/channel"
	"github.com/ashureev/casedesk/internal/conversation"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/mutation"
	"github.com/ashureev/casedesk/internal/wire"
)

// EventKind classifies re-render signals.
type EventKind int

const (
	EventChanged EventKind = iota
	EventLoaded
	EventConnectivity
	EventSendFailed
)

func (k EventKind) String() string {
	switch k {
	case EventChanged:
		return "changed"
	case EventLoaded:
		return "loaded"
	case EventConnectivity:
		return "connectivity"
	case EventSendFailed:
		return "send_failed"
	}
	return "unknown"
}

// Event is a re-render signal. Observers re-read the desk; events carry only
// enough to decide what to repaint.
type Event struct {
	Kind           EventKind
	ConversationID string
	Change         conversation.Change
	State          channel.State
	// Message and Err are set for EventSendFailed so the caller can offer a retry.
	Message domain.Message
	Err     error
}

// Config tunes a Desk.
type Config struct {
	DedupWindow time.Duration
	EventBuffer int
}

type observed struct {
	handle *channel.Handle
	refs   int
}

// Desk is the per-process conversation registry.
type Desk struct {
	client   mutation.Client
	channels *channel.Manager
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	logs     map[string]*conversation.Log
	observed map[string]*observed

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	// Local ids written to the push channel and not yet echoed back, and
	// those whose connection dropped before the echo arrived.
	pendingMu sync.Mutex
	unacked   map[string]map[string]struct{}
	atRisk    map[string]map[string]struct{}
}

// New creates a Desk. channels may be nil, in which case every send uses the
// mutation path.
func New(client mutation.Client, channels *channel.Manager, cfg Config, logger *slog.Logger) *Desk {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = conversation.DefaultWindow
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Desk{
		client:   client,
		channels: channels,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		logs:     make(map[string]*conversation.Log),
		observed: make(map[string]*observed),
		subs:     make(map[int]chan Event),
		unacked:  make(map[string]map[string]struct{}),
		atRisk:   make(map[string]map[string]struct{}),
	}
}

// Subscribe returns a channel of re-render signals and a cancel func. Signals
// are dropped for a subscriber whose buffer is full; it is expected to
// re-read the desk on the next one.
func (d *Desk) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, d.cfg.EventBuffer)
	d.subsMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subsMu.Lock()
			if _, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(ch)
			}
			d.subsMu.Unlock()
		})
	}
}

func (d *Desk) emit(ev Event) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.logger.Debug("Dropping re-render signal for slow observer", "conversation_id", ev.ConversationID, "kind", ev.Kind)
		}
	}
}

func (d *Desk) newLog(conv domain.Conversation) *conversation.Log {
	return conversation.New(conv,
		conversation.WithWindow(d.cfg.DedupWindow),
		conversation.WithClock(d.now),
		conversation.WithOnChange(func(snap domain.Conversation, change conversation.Change) {
			d.emit(Event{Kind: EventChanged, ConversationID: snap.ID, Change: change})
		}),
	)
}

func (d *Desk) lookup(id string) (*conversation.Log, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.logs[id]
	return l, ok
}

// logFor returns the log for id, creating a placeholder when a payload
// arrives before the conversation was loaded.
func (d *Desk) logFor(id string) *conversation.Log {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.logs[id]; ok {
		return l
	}
	l := d.newLog(*domain.NewConversation(id, "", "", d.now()))
	d.logs[id] = l
	return l
}

// merge folds a server snapshot into local state through the log's entry points.
func (d *Desk) merge(conv domain.Conversation) {
	d.mu.Lock()
	l, ok := d.logs[conv.ID]
	if !ok {
		d.logs[conv.ID] = d.newLog(conv)
		d.mu.Unlock()
		d.emit(Event{Kind: EventChanged, ConversationID: conv.ID, Change: conversation.ChangeAppended})
		return
	}
	d.mu.Unlock()

	local := l.Snapshot()
	if len(local.Messages) == 0 && (local.CustomerLabel != conv.CustomerLabel || local.ProblemLabel != conv.ProblemLabel) {
		if err := l.UpdateLabels(conv.CustomerLabel, conv.ProblemLabel); err != nil {
			d.logger.Debug("Labels not updated from snapshot", "conversation_id", conv.ID, "error", err)
		}
	}
	for _, m := range conv.Messages {
		if res := l.Append(m); res.Outcome == conversation.Rejected {
			d.logger.Debug("Snapshot message rejected", "conversation_id", conv.ID, "reason", res.Reason)
		}
	}
	if conv.Status != "" {
		if err := l.ApplyStatus(conv.Status, conv.HandoffAdminID); err != nil {
			d.logger.Warn("Ignoring snapshot status", "conversation_id", conv.ID, "error", err)
		}
	}
}

// Load fetches every conversation from the mutation API and merges it.
func (d *Desk) Load(ctx context.Context) error {
	grouped, err := d.client.List(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	for _, c := range grouped.All() {
		d.merge(c)
	}
	d.emit(Event{Kind: EventLoaded})
	return nil
}

// Refresh re-fetches one conversation and merges it.
func (d *Desk) Refresh(ctx context.Context, id string) error {
	conv, err := d.client.Get(ctx, id)
	if err != nil {
		return err
	}
	d.merge(conv)
	return nil
}

// EnsureConversation registers id with the server. An existing conversation
// counts as success and its server state is merged.
func (d *Desk) EnsureConversation(ctx context.Context, id, customerLabel, problemLabel string) error {
	created, err := d.client.Create(ctx, id, customerLabel, problemLabel)
	if err != nil {
		return err
	}
	if created {
		d.merge(*domain.NewConversation(id, customerLabel, problemLabel, d.now()))
		return nil
	}
	return d.Refresh(ctx, id)
}

// Conversation returns a snapshot of id.
func (d *Desk) Conversation(id string) (domain.Conversation, bool) {
	l, ok := d.lookup(id)
	if !ok {
		return domain.Conversation{}, false
	}
	return l.Snapshot(), true
}

// All returns snapshots of every known conversation ordered by id.
func (d *Desk) All() []domain.Conversation {
	d.mu.RLock()
	logs := make([]*conversation.Log, 0, len(d.logs))
	for _, l := range d.logs {
		logs = append(logs, l)
	}
	d.mu.RUnlock()

	out := make([]domain.Conversation, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Contains reports whether an equivalent message is already recorded.
func (d *Desk) Contains(id string, m domain.Message) bool {
	l, ok := d.lookup(id)
	return ok && l.Contains(m)
}

// Connectivity returns the push channel state of id.
func (d *Desk) Connectivity(id string) channel.State {
	if d.channels == nil {
		return channel.StateIdle
	}
	return d.channels.State(id)
}

// Send appends m optimistically and delivers it over the push channel when
// connected, otherwise through the mutation API. On failure the optimistic
// entry is retracted and m is returned so the caller can retry.
func (d *Desk) Send(ctx context.Context, id string, m domain.Message) (domain.Message, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = d.now()
	}
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}

	l := d.logFor(id)
	res := l.Append(m)
	switch res.Outcome {
	case conversation.Rejected:
		return m, res.Reason
	case conversation.Duplicate:
		d.logger.Debug("Duplicate send suppressed", "conversation_id", id, "local_id", m.LocalID)
		return res.Message, nil
	}

	if d.channels != nil && d.channels.State(id) == channel.StateConnected {
		// Tracked before the write so a drop racing the write still sees it.
		d.markUnacked(id, m.LocalID)
		err := d.channels.Send(ctx, id, outbound(m))
		if err == nil {
			return m, nil
		}
		d.ack(id, m.LocalID)
		d.logger.Warn("Push send failed, using mutation path", "conversation_id", id, "error", err)
	}
	return d.appendConfirmed(ctx, l, id, m)
}

// appendConfirmed delivers m through the mutation API and folds the server's
// copy into l. On failure the optimistic entry is retracted and reported.
func (d *Desk) appendConfirmed(ctx context.Context, l *conversation.Log, id string, m domain.Message) (domain.Message, error) {
	resp, err := d.client.AppendMessage(ctx, id, m)
	if err != nil {
		l.Retract(m.LocalID)
		d.emit(Event{Kind: EventSendFailed, ConversationID: id, Message: m, Err: err})
		return m, err
	}
	confirmed := resp.Message
	if confirmed.LocalID == "" {
		confirmed.LocalID = m.LocalID
	}
	l.Append(confirmed)
	return confirmed, nil
}

func (d *Desk) markUnacked(id, localID string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	set, ok := d.unacked[id]
	if !ok {
		set = make(map[string]struct{})
		d.unacked[id] = set
	}
	set[localID] = struct{}{}
}

// ack forgets localID once the server echoed or rejected it.
func (d *Desk) ack(id, localID string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	delete(d.unacked[id], localID)
	delete(d.atRisk[id], localID)
}

// dropped moves every unacknowledged push of id to the at-risk set; the
// connection that carried them is gone.
func (d *Desk) dropped(id string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	set := d.unacked[id]
	if len(set) == 0 {
		return
	}
	delete(d.unacked, id)
	risk, ok := d.atRisk[id]
	if !ok {
		risk = make(map[string]struct{})
		d.atRisk[id] = risk
	}
	for localID := range set {
		risk[localID] = struct{}{}
	}
}

func (d *Desk) takeAtRisk(id string) []string {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	set := d.atRisk[id]
	delete(d.atRisk, id)
	out := make([]string, 0, len(set))
	for localID := range set {
		out = append(out, localID)
	}
	sort.Strings(out)
	return out
}

// redeliver re-sends pushes lost with a dropped connection that the server
// snapshot still lacks. The server deduplicates by local id, so a copy it
// already has comes back as a duplicate carrying its id.
func (d *Desk) redeliver(ctx context.Context, id string) {
	localIDs := d.takeAtRisk(id)
	if len(localIDs) == 0 {
		return
	}
	l, ok := d.lookup(id)
	if !ok {
		return
	}
	pending := make(map[string]domain.Message)
	for _, m := range l.Snapshot().Messages {
		if m.ID == 0 && m.LocalID != "" {
			pending[m.LocalID] = m
		}
	}
	for _, localID := range localIDs {
		m, ok := pending[localID]
		if !ok {
			continue
		}
		if _, err := d.appendConfirmed(ctx, l, id, m); err != nil {
			d.logger.Warn("Redelivery after reconnect failed", "conversation_id", id, "local_id", localID, "error", err)
			continue
		}
		d.logger.Info("Redelivered message lost with dropped connection", "conversation_id", id, "local_id", localID)
	}
}

func outbound(m domain.Message) wire.Outbound {
	if m.Origin == domain.OriginOperator {
		return wire.Outbound{Type: wire.KindAdminMessage, Content: m.Content, AdminUser: m.SenderLabel, LocalID: m.LocalID}
	}
	out := wire.Outbound{Type: wire.KindMessage, Content: m.Content, LocalID: m.LocalID}
	if m.Origin != domain.OriginCustomer {
		out.Origin = m.Origin
	}
	return out
}

// loaded returns the log for id, fetching it from the server when unknown.
func (d *Desk) loaded(ctx context.Context, id string) (*conversation.Log, error) {
	if l, ok := d.lookup(id); ok {
		return l, nil
	}
	if err := d.Refresh(ctx, id); err != nil {
		return nil, err
	}
	l, ok := d.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return l, nil
}

// Takeover hands id to operatorID. Local state changes only after the server confirms.
func (d *Desk) Takeover(ctx context.Context, id, operatorID string) error {
	if operatorID == "" {
		return errors.New("takeover: operator id is required")
	}
	return d.transition(ctx, id, domain.StatusRequiresHuman, operatorID, func() (domain.Conversation, error) {
		return d.client.Takeover(ctx, id, operatorID)
	})
}

// RequestHuman is the automated handoff: REQUIRES_HUMAN pending a human claim.
func (d *Desk) RequestHuman(ctx context.Context, id string) error {
	return d.transition(ctx, id, domain.StatusRequiresHuman, domain.SystemOperator, func() (domain.Conversation, error) {
		return d.client.Takeover(ctx, id, domain.SystemOperator)
	})
}

// Close moves id to CLOSED.
func (d *Desk) Close(ctx context.Context, id string) error {
	return d.transition(ctx, id, domain.StatusClosed, "", func() (domain.Conversation, error) {
		return d.client.Close(ctx, id)
	})
}

func (d *Desk) transition(ctx context.Context, id string, to domain.Status, actor string, call func() (domain.Conversation, error)) error {
	l, err := d.loaded(ctx, id)
	if err != nil {
		return err
	}
	if err := l.CheckTransition(to, actor); err != nil {
		return err
	}
	conv, err := call()
	if err != nil {
		return err
	}
	if err := l.ApplyStatus(conv.Status, conv.HandoffAdminID); err != nil {
		return err
	}
	d.logger.Info("Conversation status confirmed", "conversation_id", id, "status", conv.Status, "admin_user", conv.HandoffAdminID)
	return nil
}

// Observation is a live subscription to a conversation's push channel.
type Observation struct {
	d    *Desk
	id   string
	once sync.Once
}

// ConversationID returns the observed conversation.
func (o *Observation) ConversationID() string { return o.id }

// Close releases the observation. Safe to call more than once.
func (o *Observation) Close() {
	o.once.Do(func() { o.d.release(o.id) })
}

// Observe starts receiving live updates for id. Observations of the same
// conversation share one push subscription.
func (d *Desk) Observe(id string) *Observation {
	obs := &Observation{d: d, id: id}
	if d.channels == nil {
		return obs
	}
	d.logFor(id)

	d.mu.Lock()
	if o, ok := d.observed[id]; ok {
		o.refs++
		d.mu.Unlock()
		return obs
	}
	o := &observed{refs: 1}
	d.observed[id] = o
	d.mu.Unlock()

	// Subscribe delivers the current state synchronously and handlers take
	// d.mu, so it must run unlocked.
	h := d.channels.Subscribe(id, d.mux())

	d.mu.Lock()
	o.handle = h
	released := d.observed[id] != o
	d.mu.Unlock()
	if released {
		h.Close()
	}
	return obs
}

func (d *Desk) release(id string) {
	d.mu.Lock()
	o, ok := d.observed[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	o.refs--
	if o.refs > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.observed, id)
	h := o.handle
	d.mu.Unlock()
	// A nil handle means Observe is still subscribing; it closes the handle
	// once it sees the entry is gone.
	if h != nil {
		h.Close()
	}
}

func (d *Desk) mux() *channel.Mux {
	mux := channel.NewMux(d.logger)
	for _, k := range []wire.Kind{wire.KindClientMessage, wire.KindAdminMessage, wire.KindAgentMessage, wire.KindSystemMessage} {
		mux.Handle(k, d.receiveMessage)
	}
	mux.Handle(wire.KindStatus, d.receiveStatus)
	mux.Handle(wire.KindError, d.receiveError)
	mux.OnState(d.connectivityChanged)
	return mux
}

func decode(payload []byte) (wire.Inbound, error) {
	var in wire.Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return in, fmt.Errorf("decode payload: %w", err)
	}
	return in, nil
}

func (d *Desk) receiveMessage(id string, payload []byte) {
	in, err := decode(payload)
	if err != nil {
		d.logger.Debug("Dropping undecodable payload", "conversation_id", id, "error", err)
		return
	}
	m, err := in.Message()
	if err != nil {
		d.logger.Debug("Dropping payload", "conversation_id", id, "error", err)
		return
	}
	if m.LocalID != "" {
		d.ack(id, m.LocalID)
	}
	res := d.logFor(id).Append(m)
	if res.Outcome == conversation.Rejected {
		d.logger.Warn("Push message rejected", "conversation_id", id, "reason", res.Reason)
	}
}

func (d *Desk) receiveStatus(id string, payload []byte) {
	in, err := decode(payload)
	if err != nil {
		d.logger.Debug("Dropping undecodable payload", "conversation_id", id, "error", err)
		return
	}
	if err := d.logFor(id).ApplyStatus(in.Status, in.AdminUser); err != nil {
		d.logger.Warn("Ignoring pushed status", "conversation_id", id, "error", err)
	}
}

func (d *Desk) receiveError(id string, payload []byte) {
	in, err := decode(payload)
	if err != nil {
		return
	}
	cause := wire.ErrFor(in.Code)
	if cause == nil {
		cause = errors.New(in.Content)
	}
	var failed domain.Message
	if in.LocalID != "" {
		d.ack(id, in.LocalID)
	}
	if l, ok := d.lookup(id); ok && in.LocalID != "" {
		for _, m := range l.Snapshot().Messages {
			if m.LocalID == in.LocalID {
				failed = m
				break
			}
		}
		l.Retract(in.LocalID)
	}
	d.logger.Warn("Push send rejected", "conversation_id", id, "local_id", in.LocalID, "error", cause)
	d.emit(Event{Kind: EventSendFailed, ConversationID: id, Message: failed, Err: cause})
}

// connectivityChanged re-syncs from the server after every (re)connect so
// messages broadcast while disconnected are merged, then re-sends what the
// previous connection lost.
func (d *Desk) connectivityChanged(id string, state channel.State) {
	d.emit(Event{Kind: EventConnectivity, ConversationID: id, State: state})
	switch state {
	case channel.StateDisconnected:
		d.dropped(id)
		return
	case channel.StateConnected:
	default:
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Refresh(ctx, id); err != nil {
			d.logger.Warn("Resync after connect failed", "conversation_id", id, "error", err)
		}
		d.redeliver(ctx, id)
	}()
}

// Shutdown releases every observation and subscriber.
func (d *Desk) Shutdown() {
	d.mu.Lock()
	handles := make([]*channel.Handle, 0, len(d.observed))
	for id, o := range d.observed {
		if o.handle != nil {
			handles = append(handles, o.handle)
		}
		delete(d.observed, id)
	}
	d.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}

	d.subsMu.Lock()
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
	d.subsMu.Unlock()
}
