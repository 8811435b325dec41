// Package domain contains core domain types for the case desk.
package domain

import (
	"fmt"
	"time"
)

// SystemOperator is the placeholder handoff admin recorded when the
// automated agent requests a human and no operator has claimed yet.
const SystemOperator = "system"

// Conversation is a single customer interaction with its ordered message log.
type Conversation struct {
	ID             string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	CustomerLabel  string    `json:"customer_name"`
	ProblemLabel   string    `json:"problem_type"`
	Messages       []Message `json:"messages"`
	CreatedAt      time.Time `json:"created_at"`
	LastUpdated    time.Time `json:"last_updated"`
	HandoffAdminID string    `json:"admin_user,omitempty"`
}

// NewConversation returns an OPEN conversation with no messages.
func NewConversation(id, customerLabel, problemLabel string, now time.Time) *Conversation {
	return &Conversation{
		ID:            id,
		Status:        StatusOpen,
		CustomerLabel: customerLabel,
		ProblemLabel:  problemLabel,
		Messages:      []Message{},
		CreatedAt:     now,
		LastUpdated:   now,
	}
}

// RequiresHuman reports whether the conversation is waiting on or held by an operator.
func (c *Conversation) RequiresHuman() bool {
	return c.Status == StatusRequiresHuman
}

// UpdateLabels replaces the descriptive labels. Labels freeze once the
// first message has been recorded.
func (c *Conversation) UpdateLabels(customerLabel, problemLabel string, now time.Time) error {
	if len(c.Messages) > 0 {
		return ErrLabelsFrozen
	}
	if customerLabel != "" {
		c.CustomerLabel = customerLabel
	}
	if problemLabel != "" {
		c.ProblemLabel = problemLabel
	}
	c.LastUpdated = now
	return nil
}

// Transition moves the conversation to the requested status on behalf of actor.
//
// Moving to REQUIRES_HUMAN records actor as the handoff admin. A takeover of a
// conversation that already requires a human is treated as a claim: it succeeds
// when the current handoff admin is the system placeholder or actor itself.
func (c *Conversation) Transition(to Status, actor string, now time.Time) error {
	if c.Status == StatusRequiresHuman && to == StatusRequiresHuman {
		return c.claim(actor, now)
	}
	if !c.Status.CanTransition(to) {
		return &InvalidTransitionError{From: c.Status, To: to}
	}
	if to == StatusRequiresHuman {
		if actor == "" {
			actor = SystemOperator
		}
		c.HandoffAdminID = actor
	}
	c.Status = to
	c.LastUpdated = now
	return nil
}

func (c *Conversation) claim(actor string, now time.Time) error {
	if actor == "" || actor == SystemOperator {
		// Re-requesting a human while one is already requested is idempotent.
		return nil
	}
	switch c.HandoffAdminID {
	case actor:
		return nil
	case "", SystemOperator:
		c.HandoffAdminID = actor
		c.LastUpdated = now
		return nil
	default:
		return &InvalidTransitionError{
			From:   c.Status,
			To:     StatusRequiresHuman,
			Reason: fmt.Sprintf("already claimed by %s", c.HandoffAdminID),
		}
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}
