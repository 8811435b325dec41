package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ashureev/casedesk/internal/domain"
)

// OpenAISession talks to a chat-completions model with tool calling.
type OpenAISession struct {
	history

	client    openai.Client
	model     string
	prompt    string
	tools     []Tool
	maxRounds int
	logger    *slog.Logger
}

// NewOpenAISession creates a session. extra request options are appended
// after the ones derived from cfg.
func NewOpenAISession(cfg Config, tools []Tool, logger *slog.Logger, extra ...option.RequestOption) (*OpenAISession, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai session: api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)

	def := DefaultConfig()
	model := cfg.Model
	if model == "" {
		model = def.Model
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = def.SystemPrompt
	}
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = def.MaxToolRounds
	}

	return &OpenAISession{
		client:    openai.NewClient(opts...),
		model:     model,
		prompt:    prompt,
		tools:     tools,
		maxRounds: rounds,
		logger:    logger,
	}, nil
}

// Say implements Session.
func (s *OpenAISession) Say(ctx context.Context, utterance string) (string, error) {
	if s.isTerminated() {
		return "", ErrTerminated
	}
	s.add(domain.OriginCustomer, utterance)

	messages := s.convertHistory()
	tools := convertTools(s.tools)

	for round := 0; round <= s.maxRounds; round++ {
		params := openai.ChatCompletionNewParams{
			Model:    s.model,
			Messages: messages,
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		start := time.Now()
		resp, err := s.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("openai chat: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("openai chat: no choices in response")
		}
		choice := resp.Choices[0]

		s.logger.DebugContext(ctx, "agent chat completed",
			"model", s.model,
			"round", round,
			"duration_ms", time.Since(start).Milliseconds(),
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
			"finish_reason", choice.FinishReason)

		if len(choice.Message.ToolCalls) == 0 {
			reply := choice.Message.Content
			s.add(domain.OriginAgent, reply)
			return reply, nil
		}

		toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(choice.Message.ToolCalls))
		for i, tc := range choice.Message.ToolCalls {
			toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
				ID:   tc.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(choice.Message.Content)},
				ToolCalls: toolCalls,
			},
		})

		for _, tc := range choice.Message.ToolCalls {
			result := s.callTool(ctx, tc.Function.Name, tc.Function.Arguments)
			messages = append(messages, openai.ToolMessage(result, tc.ID))
		}
	}

	return "", fmt.Errorf("openai chat: exceeded %d tool rounds", s.maxRounds)
}

func (s *OpenAISession) callTool(ctx context.Context, name, arguments string) string {
	tool, ok := findTool(s.tools, name)
	if !ok || tool.Call == nil {
		s.logger.Warn("Model called unknown tool", "tool", name)
		return fmt.Sprintf("error: unknown tool %q", name)
	}
	result, err := tool.Call(ctx, json.RawMessage(arguments))
	if err != nil {
		s.logger.Warn("Tool call failed", "tool", name, "error", err)
		return "error: " + err.Error()
	}
	return result
}

// Terminate implements Session. The model has no server-side session, so
// this only blocks further turns.
func (s *OpenAISession) Terminate(context.Context) error {
	if s.terminate() {
		s.logger.Info("Agent session terminated", "model", s.model)
	}
	return nil
}

func (s *OpenAISession) convertHistory() []openai.ChatCompletionMessageParamUnion {
	turns := s.snapshot()
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	result = append(result, openai.SystemMessage(s.prompt))
	for _, t := range turns {
		switch t.Origin {
		case domain.OriginCustomer:
			result = append(result, openai.UserMessage(t.Content))
		case domain.OriginAgent:
			result = append(result, openai.AssistantMessage(t.Content))
		default:
			result = append(result, openai.SystemMessage(t.Content))
		}
	}
	return result
}

func convertTools(tools []Tool) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		var params shared.FunctionParameters
		if t.Parameters != nil {
			data, _ := json.Marshal(GenerateSchema(t.Parameters))
			_ = json.Unmarshal(data, &params)
		}
		result[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		}
	}
	return result
}

// GenerateSchema reflects v into a closed JSON schema.
func GenerateSchema(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(v)
}
