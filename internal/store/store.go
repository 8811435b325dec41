// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/casedesk/internal/domain"
)

// Repository defines the interface for persisting conversations and their messages.
type Repository interface {
	// CreateConversation inserts a new conversation. It returns
	// domain.ErrAlreadyExists when the id is taken.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation with its messages in log order.
	// It returns domain.ErrNotFound when the id is unknown.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations retrieves every conversation with its messages.
	ListConversations(ctx context.Context) ([]domain.Conversation, error)

	// UpdateConversation writes status, labels, handoff admin and last_updated.
	UpdateConversation(ctx context.Context, conv *domain.Conversation) error

	// AppendMessage stores m and bumps the conversation's last_updated.
	AppendMessage(ctx context.Context, conversationID string, m domain.Message, lastUpdated int64) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
