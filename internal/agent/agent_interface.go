package agent

import (
	"context"

	"github.com/ashureev/casedesk/internal/domain"
)

// Session is one conversation with the automated agent.
type Session interface {
	// Say sends a customer utterance and returns the agent's reply. Tool calls
	// made by the model are executed before Say returns.
	Say(ctx context.Context, utterance string) (string, error)

	// Terminate ends the session; later Say calls return ErrTerminated.
	Terminate(ctx context.Context) error

	// History returns a copy of the ordered turns.
	History() []Turn

	// ClearHistory drops every turn.
	ClearHistory()

	// RemoveTurn drops the turn at index i.
	RemoveTurn(i int) error

	// RemoveOrigin drops every turn of origin and returns how many were removed.
	RemoveOrigin(origin domain.Origin) int
}

var (
	_ Session = (*OpenAISession)(nil)
	_ Session = (*RemoteSession)(nil)
	_ Session = (*ScriptedSession)(nil)
)
