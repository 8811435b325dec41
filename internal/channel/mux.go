package channel

import (
	"log/slog"
	"sync"

	"github.com/ashureev/casedesk/internal/wire"
)

// Handler receives payloads and connectivity changes for a subscription.
// Calls for one handle are serialized; a handler must not close its own
// handle from inside a callback.
type Handler interface {
	Dispatch(conversationID string, kind wire.Kind, payload []byte)
	StateChanged(conversationID string, state State)
}

// PayloadFunc handles one payload kind.
type PayloadFunc func(conversationID string, payload []byte)

// Mux routes payloads to per-kind functions without looking at their content.
type Mux struct {
	mu      sync.RWMutex
	byKind  map[wire.Kind]PayloadFunc
	onState func(conversationID string, state State)
	logger  *slog.Logger
}

// NewMux returns an empty Mux.
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{byKind: make(map[wire.Kind]PayloadFunc), logger: logger}
}

// Handle registers fn for kind, replacing any previous registration.
func (m *Mux) Handle(kind wire.Kind, fn PayloadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKind[kind] = fn
}

// OnState registers the connectivity callback.
func (m *Mux) OnState(fn func(conversationID string, state State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// Dispatch implements Handler.
func (m *Mux) Dispatch(conversationID string, kind wire.Kind, payload []byte) {
	m.mu.RLock()
	fn := m.byKind[kind]
	m.mu.RUnlock()
	if fn == nil {
		m.logger.Debug("No handler for payload kind", "conversation_id", conversationID, "kind", kind)
		return
	}
	fn(conversationID, payload)
}

// StateChanged implements Handler.
func (m *Mux) StateChanged(conversationID string, state State) {
	m.mu.RLock()
	fn := m.onState
	m.mu.RUnlock()
	if fn != nil {
		fn(conversationID, state)
	}
}
