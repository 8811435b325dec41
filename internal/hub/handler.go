package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/casedesk/internal/conversation"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/wire"
)

const appendTimeout = 10 * time.Second

var (
	errBadRequest = errors.New("bad request")
	errWrongRole  = errors.New("message type not allowed on this path")
)

// Appender is the authoritative write path for push messages.
type Appender interface {
	Append(ctx context.Context, conversationID string, m domain.Message) (conversation.AppendResult, error)
}

// Handler upgrades /ws/client/{id} and /ws/admin/{id}.
type Handler struct {
	hub            *Hub
	app            Appender
	originPatterns []string
	logger         *slog.Logger
	now            func() time.Time
}

// NewHandler creates a Handler. Empty originPatterns only admits same-origin browsers.
func NewHandler(h *Hub, app Appender, originPatterns []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:            h,
		app:            app,
		originPatterns: originPatterns,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts both push paths on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws/client/{id}", h.ServeClient)
	r.Get("/ws/admin/{id}", h.ServeAdmin)
}

// ServeClient serves the customer-side connection.
func (h *Handler) ServeClient(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, wire.RoleClient)
}

// ServeAdmin serves the operator-side connection.
func (h *Handler) ServeAdmin(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, wire.RoleAdmin)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, role wire.Role) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "conversation id is required", http.StatusBadRequest)
		return
	}
	h.logger.Info("WebSocket connection request", "conversation_id", id, "role", role, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "conversation_id", id)
		return
	}

	sub := newSubscriber(ws, role)
	h.hub.register(id, sub)
	defer h.hub.unregister(id, sub)

	go sub.writePump()
	h.readLoop(sub, id)
	h.logger.Info("Push session ended", "conversation_id", id, "role", role)
}

func (h *Handler) readLoop(sub *subscriber, id string) {
	for {
		_, data, err := sub.conn.Read(sub.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || sub.ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "conversation_id", id, "role", sub.role)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "conversation_id", id)
			}
			return
		}

		var out wire.Outbound
		if err := json.Unmarshal(data, &out); err != nil {
			sub.sendJSON(errorPayload(fmt.Errorf("%w: %v", errBadRequest, err), "", h.now()))
			continue
		}

		if out.Type == wire.KindPing {
			sub.sendJSON(wire.Inbound{Type: wire.KindPong, Timestamp: h.now()})
			continue
		}

		m, err := h.message(sub.role, out)
		if err == nil {
			ctx, cancel := context.WithTimeout(sub.ctx, appendTimeout)
			_, err = h.app.Append(ctx, id, m)
			cancel()
		}
		if err != nil {
			h.logger.Debug("Push message refused", "conversation_id", id, "local_id", out.LocalID, "error", err)
			sub.sendJSON(errorPayload(err, out.LocalID, h.now()))
		}
	}
}

// message maps an outbound payload to the message it posts. The client path
// posts customer, agent or system messages; the admin path posts operator
// messages.
func (h *Handler) message(role wire.Role, out wire.Outbound) (domain.Message, error) {
	m := domain.Message{Content: out.Content, LocalID: out.LocalID, Timestamp: h.now()}
	switch {
	case role == wire.RoleClient && (out.Type == wire.KindMessage || out.Type == wire.KindClientMessage):
		m.Origin = domain.OriginCustomer
		if out.Origin != "" {
			m.Origin = out.Origin
		}
		if m.Origin == domain.OriginOperator || !m.Origin.Valid() {
			return m, fmt.Errorf("%w: origin %q", domain.ErrInvalidMessage, out.Origin)
		}
	case role == wire.RoleAdmin && out.Type == wire.KindAdminMessage:
		m.Origin = domain.OriginOperator
		m.SenderLabel = out.AdminUser
	default:
		return m, fmt.Errorf("%w: %q on %s path", errWrongRole, out.Type, role)
	}
	return m, nil
}

func errorPayload(err error, localID string, now time.Time) wire.Inbound {
	code := wire.CodeFor(err)
	if code == wire.CodeInternal && (errors.Is(err, errBadRequest) || errors.Is(err, errWrongRole)) {
		code = wire.CodeBadRequest
	}
	return wire.Inbound{
		Type:      wire.KindError,
		Content:   err.Error(),
		Code:      code,
		LocalID:   localID,
		Timestamp: now,
	}
}
