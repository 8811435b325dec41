// Package agent implements the automated dialogue agent collaborator.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/casedesk/internal/domain"
)

// ErrTerminated is returned by Say after Terminate.
var ErrTerminated = errors.New("agent session terminated")

// Turn is one entry of the agent's own history. Origin is customer, agent,
// or system.
type Turn struct {
	Origin  domain.Origin `json:"origin"`
	Content string        `json:"content"`
	At      time.Time     `json:"at"`
}

// ToolFunc executes a tool call. args is the raw JSON produced by the model.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a function the agent may call. Parameters is a value whose type is
// reflected into the tool's JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  any
	Call        ToolFunc
}

// Config holds agent configuration.
type Config struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	RemoteAddr    string
	SystemPrompt  string
	MaxToolRounds int
}

// DefaultSystemPrompt instructs the model for roadside intake.
const DefaultSystemPrompt = `You are a roadside assistance intake agent. Greet the customer, find out what is wrong with the vehicle and where they are.
Call the collect_info tool whenever the customer tells you their location or their issue, and set ready once both are known.
If the customer asks for a person, pass their request in the issue field of collect_info.
Keep replies short and calm.`

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		Provider:      "scripted",
		Model:         "gpt-4o-mini",
		SystemPrompt:  DefaultSystemPrompt,
		MaxToolRounds: 4,
	}
}

// ParseToolArguments unmarshals tool arguments into the target struct.
func ParseToolArguments[T any](arguments json.RawMessage) (T, error) {
	var result T
	if len(arguments) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(arguments, &result); err != nil {
		return result, fmt.Errorf("parse tool arguments: %w", err)
	}
	return result, nil
}

func findTool(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
