package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/casedesk/internal/domain"
)

// history is the turn store shared by every Session implementation.
type history struct {
	mu         sync.Mutex
	turns      []Turn
	terminated bool
}

func (h *history) add(origin domain.Origin, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Origin: origin, Content: content, At: time.Now()})
}

func (h *history) snapshot() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *history) isTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *history) terminate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	was := h.terminated
	h.terminated = true
	return !was
}

// History implements Session.
func (h *history) History() []Turn { return h.snapshot() }

// ClearHistory implements Session.
func (h *history) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// RemoveTurn implements Session.
func (h *history) RemoveTurn(i int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.turns) {
		return fmt.Errorf("remove turn %d: out of range (%d turns)", i, len(h.turns))
	}
	h.turns = append(h.turns[:i], h.turns[i+1:]...)
	return nil
}

// RemoveOrigin implements Session.
func (h *history) RemoveOrigin(origin domain.Origin) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.turns[:0]
	removed := 0
	for _, t := range h.turns {
		if t.Origin == origin {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	h.turns = kept
	return removed
}
