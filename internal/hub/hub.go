// Package hub serves the push channel: one websocket per subscriber, fanned
// out per conversation.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/casedesk/internal/wire"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	relayTimeout = 2 * time.Second
)

// Backplane relays payloads to the other server instances.
type Backplane interface {
	Publish(ctx context.Context, conversationID string, payload []byte) error
}

type subscriber struct {
	conn   *websocket.Conn
	role   wire.Role
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func newSubscriber(conn *websocket.Conn, role wire.Role) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscriber{
		conn:   conn,
		role:   role,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// enqueue queues data, reporting false when the subscriber cannot keep up.
func (s *subscriber) enqueue(data []byte) bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *subscriber) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal push payload", "error", err)
		return
	}
	if !s.enqueue(data) {
		s.cancel()
	}
}

func (s *subscriber) writePump() {
	defer func() { _ = s.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

// Hub tracks the live subscribers of every conversation on this instance.
type Hub struct {
	mu        sync.RWMutex
	active    map[string]map[*subscriber]struct{}
	backplane Backplane
	logger    *slog.Logger
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// SetBackplane makes Publish relay to other instances as well.
func (h *Hub) SetBackplane(b Backplane) {
	h.mu.Lock()
	h.backplane = b
	h.mu.Unlock()
}

func (h *Hub) register(conversationID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.active[conversationID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.active[conversationID] = subs
	}
	subs[s] = struct{}{}
	h.logger.Info("Push subscriber registered", "conversation_id", conversationID, "role", s.role, "subscribers", len(subs))
}

func (h *Hub) unregister(conversationID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.active[conversationID]
	if !ok {
		return
	}
	if _, exists := subs[s]; !exists {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.active, conversationID)
	}
	s.cancel()
	h.logger.Info("Push subscriber unregistered", "conversation_id", conversationID, "role", s.role)
}

// Count returns the number of local subscribers of conversationID.
func (h *Hub) Count(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[conversationID])
}

// Publish sends payload to every subscriber of conversationID, here and,
// with a backplane, on the other instances.
func (h *Hub) Publish(conversationID string, payload wire.Inbound) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", "conversation_id", conversationID, "error", err)
		return
	}
	h.Deliver(conversationID, data)

	h.mu.RLock()
	b := h.backplane
	h.mu.RUnlock()
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := b.Publish(ctx, conversationID, data); err != nil {
		h.logger.Warn("Backplane publish failed", "conversation_id", conversationID, "error", err)
	}
}

// Deliver fans data out to the local subscribers only. A subscriber whose
// queue is full is disconnected; it resyncs when it reconnects.
func (h *Hub) Deliver(conversationID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.active[conversationID] {
		if !s.enqueue(data) {
			h.logger.Warn("Dropping slow push subscriber", "conversation_id", conversationID, "role", s.role)
			s.cancel()
		}
	}
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, subs := range h.active {
		for s := range subs {
			s.cancel()
		}
		delete(h.active, id)
	}
	h.logger.Info("All push subscribers closed")
}
