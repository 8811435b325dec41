package domain

import (
	"fmt"
	"strings"
	"time"
)

// Origin is the logical source of a message.
type Origin string

const (
	OriginCustomer Origin = "customer"
	OriginAgent    Origin = "agent"
	OriginOperator Origin = "operator"
	OriginSystem   Origin = "system"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	switch o {
	case OriginCustomer, OriginAgent, OriginOperator, OriginSystem:
		return true
	}
	return false
}

// ParseOrigin maps the wire names used by the original clients ("user",
// "admin") as well as the canonical names onto an Origin.
func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "customer", "user", "client":
		return OriginCustomer, nil
	case "agent":
		return OriginAgent, nil
	case "operator", "admin":
		return OriginOperator, nil
	case "system":
		return OriginSystem, nil
	}
	return "", fmt.Errorf("%w: unknown origin %q", ErrInvalidMessage, s)
}

// Message is one entry of a conversation transcript.
type Message struct {
	ID          int64     `json:"id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Origin      Origin    `json:"type"`
	Content     string    `json:"content"`
	SenderLabel string    `json:"sender,omitempty"`
	// LocalID correlates an optimistic local append with its echo. It is not
	// an identity; other observers never key on it.
	LocalID string `json:"local_id,omitempty"`
}

// Validate checks the structural requirements of a message.
func (m Message) Validate() error {
	if !m.Origin.Valid() {
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidMessage, m.Origin)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	if m.Origin == OriginOperator && strings.TrimSpace(m.SenderLabel) == "" {
		return fmt.Errorf("%w: operator messages need a sender label", ErrInvalidMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidMessage)
	}
	return nil
}
