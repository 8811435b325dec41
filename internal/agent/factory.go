package agent

import (
	"fmt"
	"log/slog"
)

// Provider names accepted in Config.Provider.
const (
	ProviderScripted = "scripted"
	ProviderOpenAI   = "openai"
	ProviderRemote   = "remote"
)

// Factory creates one Session per conversation.
type Factory struct {
	cfg    Config
	remote *GrpcClient
	logger *slog.Logger
}

// NewFactory creates a factory. remote is required only for ProviderRemote.
func NewFactory(cfg Config, remote *GrpcClient, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case "", ProviderScripted:
		cfg.Provider = ProviderScripted
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("agent provider %s: api key is required", cfg.Provider)
		}
	case ProviderRemote:
		if remote == nil {
			return nil, fmt.Errorf("agent provider %s: remote client is required", cfg.Provider)
		}
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
	}
	return &Factory{cfg: cfg, remote: remote, logger: logger}, nil
}

// Provider returns the configured provider name.
func (f *Factory) Provider() string { return f.cfg.Provider }

// New opens a session for conversationID.
func (f *Factory) New(conversationID string, tools []Tool) (Session, error) {
	logger := f.logger.With("conversation_id", conversationID)
	switch f.cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAISession(f.cfg, tools, logger)
	case ProviderRemote:
		return f.remote.NewSession(conversationID, tools, f.cfg.MaxToolRounds), nil
	default:
		return NewScriptedSession(tools, logger), nil
	}
}
