// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration.
type Config struct {
	Port           string
	DBPath         string
	NodeID         int64
	AllowedOrigins []string
	DedupWindow    time.Duration
	HealthTimeout  time.Duration
	RedisURL       string
	RedisStream    string
	RateLimit      RateLimitConfig
	Transcript     TranscriptConfig
}

// RateLimitConfig bounds message posts per conversation and client address.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// TranscriptConfig controls the NDJSON transcript audit log.
type TranscriptConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ClientConfig holds the configuration of the customer and operator tools.
type ClientConfig struct {
	ServerURL         string
	OperatorID        string
	SnapshotDir       string
	DedupWindow       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ConnectTimeout    time.Duration
	HandoffDelay      time.Duration
	Agent             AgentConfig
}

// AgentConfig selects and configures the automated agent.
type AgentConfig struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	RemoteAddr    string
	MaxToolRounds int
}

// Load reads the server configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/casedesk.db"),
		NodeID:         int64(getEnvInt("NODE_ID", 1)),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		DedupWindow:    getEnvDuration("DEDUP_WINDOW", 3*time.Second),
		HealthTimeout:  getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		RedisURL:       getEnv("REDIS_URL", ""),
		RedisStream:    getEnv("REDIS_STREAM", "casedesk:push"),
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("MESSAGE_RATE_LIMIT", 60),
			Window:   getEnvDuration("MESSAGE_RATE_WINDOW", time.Minute),
		},
		Transcript: TranscriptConfig{
			Enabled:       getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:           getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("TRANSCRIPT_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("TRANSCRIPT_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023")
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("DEDUP_WINDOW must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("MESSAGE_RATE_LIMIT and MESSAGE_RATE_WINDOW must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.Transcript.GlobalEnabled && c.Transcript.GlobalPath == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// LoadClient reads the client tool configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:         getEnv("SERVER_URL", "http://localhost:8080"),
		OperatorID:        getEnv("OPERATOR_ID", ""),
		SnapshotDir:       getEnv("SNAPSHOT_DIR", "./data/snapshots"),
		DedupWindow:       getEnvDuration("DEDUP_WINDOW", 3*time.Second),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 3*time.Second),
		MaxReconnectDelay: getEnvDuration("MAX_RECONNECT_DELAY", 0),
		ConnectTimeout:    getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		HandoffDelay:      getEnvDuration("HANDOFF_DELAY", 2*time.Second),
		Agent: AgentConfig{
			Provider:      getEnv("AGENT_PROVIDER", "scripted"),
			Model:         getEnv("AGENT_MODEL", "gpt-4o-mini"),
			APIKey:        getEnv("OPENAI_API_KEY", ""),
			BaseURL:       getEnv("OPENAI_BASE_URL", ""),
			RemoteAddr:    getEnv("AGENT_ADDR", ""),
			MaxToolRounds: getEnvInt("AGENT_MAX_TOOL_ROUNDS", 4),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required client configuration fields are set.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL cannot be empty")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be > 0")
	}
	if c.HandoffDelay < 0 {
		return fmt.Errorf("HANDOFF_DELAY cannot be negative")
	}
	switch c.Agent.Provider {
	case "scripted":
	case "openai":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for AGENT_PROVIDER=openai")
		}
	case "remote":
		if c.Agent.RemoteAddr == "" {
			return fmt.Errorf("AGENT_ADDR is required for AGENT_PROVIDER=remote")
		}
	default:
		return fmt.Errorf("unknown AGENT_PROVIDER %q", c.Agent.Provider)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
