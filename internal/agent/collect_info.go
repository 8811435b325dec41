package agent

import "encoding/json"

// CollectInfoTool is the single tool exposed to the model.
const CollectInfoTool = "collect_info"

// CollectInfoDescription is shown to the model.
const CollectInfoDescription = "Record what the customer said about their location and vehicle issue. " +
	"Pass the customer's words as they said them; include requests to reach a person."

// CollectInfoArgs are the collect_info tool parameters.
type CollectInfoArgs struct {
	Location string `json:"location,omitempty" jsonschema:"description=Where the customer is, in their own words"`
	Issue    string `json:"issue,omitempty" jsonschema:"description=What is wrong with the vehicle or what the customer is asking for"`
	Name     string `json:"customer_name,omitempty" jsonschema:"description=The customer's full name as it appears on their policy"`
	Ready    bool   `json:"ready,omitempty" jsonschema:"description=True once both location and issue are known"`
}

// Tool result statuses.
const (
	ToolStatusRecorded = "recorded"
	ToolStatusHandoff  = "handoff"
	ToolStatusClosed   = "closed"
)

// ToolResult is the JSON string collect_info returns to the model.
type ToolResult struct {
	Status      string   `json:"status"`
	Message     string   `json:"message,omitempty"`
	ProblemType string   `json:"problem_type,omitempty"`
	Covered     bool     `json:"covered,omitempty"`
	Missing     []string `json:"missing,omitempty"`
}

// String encodes r for the model.
func (r ToolResult) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error"}`
	}
	return string(data)
}
