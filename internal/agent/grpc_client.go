package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/casedesk/internal/domain"
)

// Methods of the remote agent service. Requests and responses are
// google.protobuf.Struct values.
const (
	ConverseMethod  = "/roadside.v1.AgentService/Converse"
	TerminateMethod = "/roadside.v1.AgentService/Terminate"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClient is a connection to a remote agent service.
type GrpcClient struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the remote agent and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("remote agent address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote agent at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt so a bad endpoint fails at startup.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("remote agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to remote agent service", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func (c *GrpcClient) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

// NewSession opens a session for conversationID. The remote agent may ask
// for tools by name; they run in this process.
func (c *GrpcClient) NewSession(conversationID string, tools []Tool, maxToolRounds int) *RemoteSession {
	if maxToolRounds <= 0 {
		maxToolRounds = DefaultConfig().MaxToolRounds
	}
	return &RemoteSession{
		client:         c,
		conversationID: conversationID,
		tools:          tools,
		maxRounds:      maxToolRounds,
	}
}

// RemoteSession is a Session served by a remote agent process.
type RemoteSession struct {
	history

	client         *GrpcClient
	conversationID string
	tools          []Tool
	maxRounds      int
}

// Say implements Session.
func (s *RemoteSession) Say(ctx context.Context, utterance string) (string, error) {
	if s.isTerminated() {
		return "", ErrTerminated
	}
	s.add(domain.OriginCustomer, utterance)

	turns := s.snapshot()
	hist := make([]any, 0, len(turns))
	for _, t := range turns {
		hist = append(hist, map[string]any{"origin": string(t.Origin), "content": t.Content})
	}
	req := map[string]any{
		"conversation_id": s.conversationID,
		"utterance":       utterance,
		"history":         hist,
	}

	for round := 0; round <= s.maxRounds; round++ {
		resp, err := s.client.invoke(ctx, ConverseMethod, req)
		if err != nil {
			return "", err
		}

		calls := resp.GetFields()["tool_calls"].GetListValue().GetValues()
		if len(calls) == 0 {
			reply := resp.GetFields()["reply"].GetStringValue()
			s.add(domain.OriginAgent, reply)
			return reply, nil
		}

		results := make([]any, 0, len(calls))
		for _, v := range calls {
			call := v.GetStructValue().GetFields()
			id := call["id"].GetStringValue()
			name := call["name"].GetStringValue()
			output := s.callTool(ctx, name, call["arguments"].GetStringValue())
			results = append(results, map[string]any{"id": id, "output": output})
		}
		req = map[string]any{
			"conversation_id": s.conversationID,
			"tool_results":    results,
		}
	}
	return "", fmt.Errorf("remote agent: exceeded %d tool rounds", s.maxRounds)
}

func (s *RemoteSession) callTool(ctx context.Context, name, arguments string) string {
	tool, ok := findTool(s.tools, name)
	if !ok || tool.Call == nil {
		s.client.logger.Warn("Remote agent called unknown tool", "tool", name, "conversation_id", s.conversationID)
		return fmt.Sprintf("error: unknown tool %q", name)
	}
	out, err := tool.Call(ctx, []byte(arguments))
	if err != nil {
		s.client.logger.Warn("Tool call failed", "tool", name, "conversation_id", s.conversationID, "error", err)
		return "error: " + err.Error()
	}
	return out
}

// Terminate implements Session. The local session is closed even when the
// remote call fails.
func (s *RemoteSession) Terminate(ctx context.Context) error {
	if !s.terminate() {
		return nil
	}
	if _, err := s.client.invoke(ctx, TerminateMethod, map[string]any{"conversation_id": s.conversationID}); err != nil {
		return fmt.Errorf("terminate remote session %s: %w", s.conversationID, err)
	}
	s.client.logger.Info("Remote agent session terminated", "conversation_id", s.conversationID)
	return nil
}
