package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/casedesk/internal/domain"
)

// ScriptedSession is the rule-based agent used when no model is configured.
// It asks for the issue, then the location, feeding each answer to
// collect_info exactly like a model would.
type ScriptedSession struct {
	history

	tools  []Tool
	logger *slog.Logger

	sayMu sync.Mutex
	step  int
}

// Greeting opens every scripted conversation.
const Greeting = "Hello! I'm here to help with your roadside assistance request. Can you briefly describe what's happening with your vehicle?"

// NewScriptedSession creates a scripted session.
func NewScriptedSession(tools []Tool, logger *slog.Logger) *ScriptedSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptedSession{tools: tools, logger: logger}
}

// Say implements Session.
func (s *ScriptedSession) Say(ctx context.Context, utterance string) (string, error) {
	s.sayMu.Lock()
	defer s.sayMu.Unlock()
	if s.isTerminated() {
		return "", ErrTerminated
	}
	s.add(domain.OriginCustomer, utterance)

	var reply string
	switch s.step {
	case 0:
		res, err := s.collect(ctx, CollectInfoArgs{Issue: utterance})
		if err != nil {
			return "", err
		}
		if reply = handoffReply(res); reply == "" {
			reply = fmt.Sprintf("I understand you're having a %s issue. Can you describe where you are? (Street name, nearby landmarks, etc.)", res.ProblemType)
			s.step = 1
		}
	case 1:
		res, err := s.collect(ctx, CollectInfoArgs{Location: utterance, Ready: true})
		if err != nil {
			return "", err
		}
		if reply = handoffReply(res); reply == "" {
			reply = "Perfect! I have all the information needed. Let me find the best service provider for your situation and dispatch them to your location."
			if res.Message != "" {
				reply += " " + res.Message
			}
			s.step = 2
		}
	default:
		res, err := s.collect(ctx, CollectInfoArgs{Issue: utterance, Ready: true})
		if err != nil {
			return "", err
		}
		if reply = handoffReply(res); reply == "" {
			reply = "Your request has been processed. You should receive updates shortly!"
		}
	}

	s.add(domain.OriginAgent, reply)
	return reply, nil
}

func handoffReply(res ToolResult) string {
	if res.Status == ToolStatusHandoff || res.Status == ToolStatusClosed {
		return res.Message
	}
	return ""
}

func (s *ScriptedSession) collect(ctx context.Context, args CollectInfoArgs) (ToolResult, error) {
	tool, ok := findTool(s.tools, CollectInfoTool)
	if !ok || tool.Call == nil {
		return ToolResult{Status: ToolStatusRecorded, ProblemType: "general roadside assistance"}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ToolResult{}, fmt.Errorf("encode tool arguments: %w", err)
	}
	out, err := tool.Call(ctx, raw)
	if err != nil {
		return ToolResult{}, fmt.Errorf("%s: %w", CollectInfoTool, err)
	}
	var res ToolResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		s.logger.Debug("Tool returned non-JSON result", "tool", CollectInfoTool, "result", out)
		return ToolResult{Status: ToolStatusRecorded, Message: out}, nil
	}
	return res, nil
}

// Terminate implements Session.
func (s *ScriptedSession) Terminate(context.Context) error {
	if s.terminate() {
		s.logger.Info("Scripted agent session terminated")
	}
	return nil
}
