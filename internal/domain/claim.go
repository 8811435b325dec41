package domain

import "time"

// Outcomes of processing a completed intake.
const (
	ClaimDispatched = "dispatched"
	ClaimNotCovered = "not_covered"
	ClaimDenied     = "denied"
	ClaimFailed     = "failed"
	ClaimCancelled  = "cancelled"
)

// ClaimStatus is the lifecycle state of a stored claim.
type ClaimStatus string

const (
	ClaimStatusOpen       ClaimStatus = "OPEN"
	ClaimStatusDispatched ClaimStatus = "DISPATCHED"
	ClaimStatusResolved   ClaimStatus = "RESOLVED"
	ClaimStatusCancelled  ClaimStatus = "CANCELLED"
	ClaimStatusTakenOver  ClaimStatus = "TAKEN_OVER"
)

// ClaimRequest asks for roadside help on behalf of a conversation.
type ClaimRequest struct {
	ConversationID string `json:"conversation_id"`
	CustomerName   string `json:"customer_name"`
	ProblemType    string `json:"problem_type"`
	Issue          string `json:"problem_description,omitempty"`
	Location       string `json:"location_description,omitempty"`
}

// ClaimResult is the outcome of processing a completed intake.
type ClaimResult struct {
	ConversationID string    `json:"conversation_id"`
	ClaimID        string    `json:"claim_id,omitempty"`
	ProblemType    string    `json:"problem_type"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	ServiceType    string    `json:"service_type,omitempty"`
	ETAMinutes     int       `json:"eta_minutes,omitempty"`
	DistanceKM     float64   `json:"distance_km,omitempty"`
	Notifications  []string  `json:"notifications,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// ClaimEvent is one entry of a claim's history.
type ClaimEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Status    ClaimStatus       `json:"status"`
	Details   map[string]string `json:"details,omitempty"`
}

// Claim is a stored roadside claim.
type Claim struct {
	ID             string       `json:"claim_id"`
	ConversationID string       `json:"conversation_id"`
	PolicyHolder   string       `json:"policy_holder"`
	PolicyNumber   string       `json:"policy_number"`
	ProblemType    string       `json:"problem_type"`
	Status         ClaimStatus  `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	History        []ClaimEvent `json:"history"`
}

// Clone returns a deep copy of c.
func (c Claim) Clone() Claim {
	out := c
	out.History = make([]ClaimEvent, len(c.History))
	for i, e := range c.History {
		out.History[i] = e
		if e.Details != nil {
			d := make(map[string]string, len(e.Details))
			for k, v := range e.Details {
				d[k] = v
			}
			out.History[i].Details = d
		}
	}
	return out
}
