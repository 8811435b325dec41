// Package channel manages the push connections of observed conversations.
//
// A Manager keeps one physical connection per conversation no matter how many
// views subscribe to it. Connections that drop are retried until the last
// subscriber leaves.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/casedesk/internal/wire"
)

// State is the connectivity of one conversation's push connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ErrNotConnected is wrapped by ConnectionError when a send finds no open connection.
var ErrNotConnected = errors.New("push channel not connected")

// ConnectionError reports a push channel failure. It is recoverable.
type ConnectionError struct {
	ConversationID string
	State          State
	Err            error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("push channel %s (%s): %v", e.ConversationID, e.State, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config controls reconnect and timeout behavior.
type Config struct {
	// ReconnectDelay is the wait after a drop before the next attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay enables doubling backoff up to this value when it
	// exceeds ReconnectDelay.
	MaxReconnectDelay time.Duration
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
}

// DefaultConfig matches the observed 3s fixed retry.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 3 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Handle is one subscription. Close it when the view goes away.
type Handle struct {
	conversationID string
	m              *Manager

	mu     sync.Mutex
	closed bool
}

// ConversationID returns the subscribed conversation.
func (h *Handle) ConversationID() string { return h.conversationID }

// Close releases the subscription. Safe to call more than once.
func (h *Handle) Close() { h.m.Unsubscribe(h) }

// deliver runs fn unless the handle has been released. Holding h.mu while
// calling guarantees nothing reaches a handler after Unsubscribe returns.
func (h *Handle) deliver(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	fn()
}

type entry struct {
	id      string
	state   State
	conn    Conn
	handles map[*Handle]Handler
	timer   *time.Timer
	cancel  context.CancelFunc
	gen     uint64
	delay   time.Duration
}

// Manager is the registry of push connections keyed by conversation id.
type Manager struct {
	dialer Dialer
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewManager creates a Manager. Zero config fields take DefaultConfig values.
func NewManager(dialer Dialer, cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Subscribe attaches handler to conversationID, opening the connection if
// this is the first subscriber. The handler immediately receives the current state.
func (m *Manager) Subscribe(conversationID string, handler Handler) *Handle {
	h := &Handle{conversationID: conversationID, m: m}

	m.mu.Lock()
	if m.closed {
		h.closed = true
		m.mu.Unlock()
		return h
	}
	e, ok := m.entries[conversationID]
	if !ok {
		e = &entry{
			id:      conversationID,
			handles: make(map[*Handle]Handler),
			delay:   m.cfg.ReconnectDelay,
		}
		m.entries[conversationID] = e
		m.connectLocked(e)
		m.logger.Info("Push channel opened", "conversation_id", conversationID)
	}
	e.handles[h] = handler
	state := e.state
	m.mu.Unlock()

	h.deliver(func() { handler.StateChanged(conversationID, state) })
	return h
}

// Unsubscribe releases h. The last release closes the connection and cancels
// any pending reconnect.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	m.mu.Lock()
	e, ok := m.entries[h.conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(e.handles, h)
	if len(e.handles) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, e.id)
	conn := m.teardownLocked(e)
	m.mu.Unlock()

	closeQuietly(conn, m.logger, e.id)
	m.logger.Info("Push channel released", "conversation_id", e.id)
}

// Send writes payload on the conversation's connection.
func (m *Manager) Send(ctx context.Context, conversationID string, payload wire.Outbound) error {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	if !ok || e.state != StateConnected || e.conn == nil {
		state := StateIdle
		if ok {
			state = e.state
		}
		m.mu.Unlock()
		return &ConnectionError{ConversationID: conversationID, State: state, Err: ErrNotConnected}
	}
	conn := e.conn
	m.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return &ConnectionError{ConversationID: conversationID, State: StateConnected, Err: err}
	}
	return nil
}

// State returns the connectivity of conversationID; StateIdle when unobserved.
func (m *Manager) State(conversationID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[conversationID]; ok {
		return e.state
	}
	return StateIdle
}

// Subscribers returns the number of live handles for conversationID.
func (m *Manager) Subscribers(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[conversationID]; ok {
		return len(e.handles)
	}
	return 0
}

// Close tears down every connection. Further subscriptions are inert.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make(map[string]Conn, len(m.entries))
	for id, e := range m.entries {
		for h := range e.handles {
			h.mu.Lock()
			h.closed = true
			h.mu.Unlock()
		}
		conns[id] = m.teardownLocked(e)
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for id, c := range conns {
		closeQuietly(c, m.logger, id)
	}
}

// teardownLocked invalidates every goroutine of e and returns its connection.
func (m *Manager) teardownLocked(e *entry) Conn {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	conn := e.conn
	e.conn = nil
	e.state = StateIdle
	return conn
}

func (m *Manager) connectLocked(e *entry) {
	e.gen++
	e.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go m.run(ctx, e, e.gen)
}

// current reports whether gen is still the live generation of e.
// Must be called with m.mu held.
func (m *Manager) current(e *entry, gen uint64) bool {
	return !m.closed && e.gen == gen && m.entries[e.id] == e
}

func (m *Manager) run(ctx context.Context, e *entry, gen uint64) {
	m.notifyState(e, gen, StateConnecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.dialer.Dial(dialCtx, e.id)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("Push channel connect failed", "conversation_id", e.id, "error", err)
		m.disconnected(e, gen)
		return
	}

	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		closeQuietly(conn, m.logger, e.id)
		return
	}
	e.conn = conn
	e.delay = m.cfg.ReconnectDelay
	m.mu.Unlock()

	m.notifyState(e, gen, StateConnected)
	m.logger.Debug("Push channel connected", "conversation_id", e.id)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Push channel dropped", "conversation_id", e.id, "error", err)
			m.disconnected(e, gen)
			return
		}
		kind, err := wire.PeekKind(data)
		if err != nil {
			m.logger.Debug("Ignoring malformed payload", "conversation_id", e.id, "error", err)
			continue
		}
		m.dispatch(e, gen, kind, data)
	}
}

// disconnected records the drop and schedules the next attempt.
func (m *Manager) disconnected(e *entry, gen uint64) {
	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		return
	}
	conn := e.conn
	e.conn = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.state = StateDisconnected
	delay := e.delay
	if m.cfg.MaxReconnectDelay > m.cfg.ReconnectDelay {
		e.delay = min(e.delay*2, m.cfg.MaxReconnectDelay)
	}
	e.timer = time.AfterFunc(delay, func() { m.reconnect(e, gen) })
	handles := snapshot(e)
	m.mu.Unlock()

	closeQuietly(conn, m.logger, e.id)
	m.logger.Info("Push channel reconnect scheduled", "conversation_id", e.id, "delay", delay)
	for h, handler := range handles {
		h.deliver(func() { handler.StateChanged(e.id, StateDisconnected) })
	}
}

func (m *Manager) reconnect(e *entry, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(e, gen) {
		return
	}
	e.timer = nil
	m.connectLocked(e)
}

func (m *Manager) notifyState(e *entry, gen uint64, state State) {
	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		return
	}
	e.state = state
	handles := snapshot(e)
	m.mu.Unlock()

	for h, handler := range handles {
		h.deliver(func() { handler.StateChanged(e.id, state) })
	}
}

func (m *Manager) dispatch(e *entry, gen uint64, kind wire.Kind, data []byte) {
	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		return
	}
	handles := snapshot(e)
	m.mu.Unlock()

	for h, handler := range handles {
		h.deliver(func() { handler.Dispatch(e.id, kind, data) })
	}
}

// snapshot copies the handle set. Must be called with m.mu held.
func snapshot(e *entry) map[*Handle]Handler {
	out := make(map[*Handle]Handler, len(e.handles))
	for h, handler := range e.handles {
		out[h] = handler
	}
	return out
}

func closeQuietly(c Conn, logger *slog.Logger, conversationID string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Debug("Push channel close", "conversation_id", conversationID, "error", err)
	}
}
