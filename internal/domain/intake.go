package domain

import "time"

// CollectedInfo is what the automated agent has learned about a case so far.
type CollectedInfo struct {
	ConversationID string    `json:"conversation_id"`
	Location       string    `json:"location,omitempty"`
	Issue          string    `json:"issue,omitempty"`
	ProblemType    string    `json:"problem_type,omitempty"`
	CustomerName   string    `json:"customer_name,omitempty"`
	Covered        bool      `json:"covered"`
	Ready          bool      `json:"ready"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Missing lists the fields still needed before a claim can be processed.
func (c *CollectedInfo) Missing() []string {
	var missing []string
	if c.Location == "" {
		missing = append(missing, "location")
	}
	if c.Issue == "" {
		missing = append(missing, "issue")
	}
	return missing
}

// Complete returns true when every field is known and the agent marked it ready.
func (c *CollectedInfo) Complete() bool {
	return c.Ready && len(c.Missing()) == 0
}
