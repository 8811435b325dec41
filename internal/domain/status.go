package domain

// Status is the lifecycle state of a conversation.
type Status string

const (
	// StatusOpen is a conversation handled by the automated agent.
	StatusOpen Status = "OPEN"
	// StatusRequiresHuman is a conversation handed off to, or claimed by, an operator.
	StatusRequiresHuman Status = "REQUIRES_HUMAN"
	// StatusClosed is terminal.
	StatusClosed Status = "CLOSED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusRequiresHuman, StatusClosed:
		return true
	}
	return false
}

// CanTransition reports whether s may move to the given status.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusOpen:
		return to == StatusRequiresHuman || to == StatusClosed
	case StatusRequiresHuman:
		return to == StatusClosed
	default:
		return false
	}
}

// Statuses lists every status in board order.
func Statuses() []Status {
	return []Status{StatusOpen, StatusRequiresHuman, StatusClosed}
}
