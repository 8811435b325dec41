package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConversationClosed rejects appends to a CLOSED conversation.
	ErrConversationClosed = errors.New("conversation is closed")
	ErrNotFound           = errors.New("conversation not found")
	ErrAlreadyExists      = errors.New("conversation already exists")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrLabelsFrozen       = errors.New("labels cannot change after the first message")
	ErrClaimNotFound      = errors.New("claim not found")
)

// InvalidTransitionError reports a status change requested from a state that forbids it.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid status transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
