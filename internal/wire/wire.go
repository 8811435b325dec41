// Package wire defines the JSON payloads exchanged on the push channel.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/casedesk/internal/domain"
)

// Kind tags every push payload.
type Kind string

const (
	KindClientMessage Kind = "client_message"
	KindAdminMessage  Kind = "admin_message"
	KindAgentMessage  Kind = "agent_message"
	KindSystemMessage Kind = "system_message"
	KindStatus        Kind = "status"
	KindError         Kind = "error"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	// KindMessage is what the client role sends to post a message.
	KindMessage Kind = "message"
)

// Role selects the push path of a conversation.
type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// Inbound is a payload received from the server.
type Inbound struct {
	Type      Kind          `json:"type"`
	Content   string        `json:"content,omitempty"`
	Sender    string        `json:"sender,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	ID        int64         `json:"id,omitempty"`
	LocalID   string        `json:"local_id,omitempty"`
	Status    domain.Status `json:"status,omitempty"`
	AdminUser string        `json:"admin_user,omitempty"`
	// Code accompanies KindError with one of the mutation API error codes.
	Code string `json:"code,omitempty"`
}

// Outbound is a payload sent to the server.
type Outbound struct {
	Type      Kind   `json:"type"`
	Content   string `json:"content,omitempty"`
	AdminUser string `json:"admin_user,omitempty"`
	LocalID   string `json:"local_id,omitempty"`
	// Origin lets the client role post agent or system messages on behalf of
	// the customer's session; empty means customer.
	Origin domain.Origin `json:"origin,omitempty"`
}

// KindForOrigin maps a message origin to its broadcast kind.
func KindForOrigin(o domain.Origin) Kind {
	switch o {
	case domain.OriginOperator:
		return KindAdminMessage
	case domain.OriginAgent:
		return KindAgentMessage
	case domain.OriginSystem:
		return KindSystemMessage
	default:
		return KindClientMessage
	}
}

// OriginForKind is the inverse of KindForOrigin. ok is false for control kinds.
func OriginForKind(k Kind) (domain.Origin, bool) {
	switch k {
	case KindClientMessage:
		return domain.OriginCustomer, true
	case KindAdminMessage:
		return domain.OriginOperator, true
	case KindAgentMessage:
		return domain.OriginAgent, true
	case KindSystemMessage:
		return domain.OriginSystem, true
	}
	return "", false
}

// FromMessage builds the broadcast payload for a stored message.
func FromMessage(m domain.Message) Inbound {
	return Inbound{
		Type:      KindForOrigin(m.Origin),
		Content:   m.Content,
		Sender:    m.SenderLabel,
		Timestamp: m.Timestamp,
		ID:        m.ID,
		LocalID:   m.LocalID,
	}
}

// Message converts a message-kind payload back into a domain message.
func (in Inbound) Message() (domain.Message, error) {
	origin, ok := OriginForKind(in.Type)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %q is not a message kind", domain.ErrInvalidMessage, in.Type)
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.Message{
		ID:          in.ID,
		Timestamp:   ts,
		Origin:      origin,
		Content:     in.Content,
		SenderLabel: in.Sender,
		LocalID:     in.LocalID,
	}, nil
}

// StatusPayload builds the broadcast for a confirmed transition.
func StatusPayload(c domain.Conversation) Inbound {
	return Inbound{
		Type:      KindStatus,
		Status:    c.Status,
		AdminUser: c.HandoffAdminID,
		Timestamp: c.LastUpdated,
	}
}

// PeekKind decodes only the envelope kind of a raw payload.
func PeekKind(data []byte) (Kind, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("decode envelope: missing type")
	}
	return env.Type, nil
}
