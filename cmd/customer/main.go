// Customer console: chats with the automated agent and is handed to a human
// operator on request.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashureev/casedesk/internal/agent"
	"github.com/ashureev/casedesk/internal/channel"
	"github.com/ashureev/casedesk/internal/config"
	"github.com/ashureev/casedesk/internal/console"
	"github.com/ashureev/casedesk/internal/desk"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/handoff"
	"github.com/ashureev/casedesk/internal/mutation"
	"github.com/ashureev/casedesk/internal/projector"
	"github.com/ashureev/casedesk/internal/snapshot"
	"github.com/ashureev/casedesk/internal/wire"
)

const greeting = "Hi, this is Roadside Assistance. What's going on with your vehicle, and where are you?"

func main() {
	var conversationID, name, problem string
	flag.StringVar(&conversationID, "id", "", "Conversation id to resume (default: a new one)")
	flag.StringVar(&name, "name", "", "Customer name shown to operators")
	flag.StringVar(&problem, "problem", "", "Problem label shown to operators")
	flag.Parse()

	// stdout carries the chat; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	resumed := conversationID != ""
	if !resumed {
		conversationID = uuid.NewString()
	}
	if name == "" {
		name = "Customer"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, conversationID, name, problem, resumed, logger); err != nil {
		slog.Error("Customer session failed", "error", err, "conversation_id", conversationID)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, id, name, problem string, resumed bool, logger *slog.Logger) error {
	snapshots := snapshot.NewOS(cfg.SnapshotDir)

	channels := channel.NewManager(channel.NewWebsocketDialer(cfg.ServerURL, wire.RoleClient), channel.Config{
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		ConnectTimeout:    cfg.ConnectTimeout,
	}, logger)
	defer channels.Close()

	client := mutation.NewHTTPClient(cfg.ServerURL, nil)
	d := desk.New(client, channels, desk.Config{DedupWindow: cfg.DedupWindow}, logger)
	defer d.Shutdown()

	proj := projector.New(d, logger)
	defer proj.Close()

	printer := console.NewTranscriptPrinter(os.Stdout, id)
	if resumed {
		if cached, err := snapshots.LoadConversation(id); err == nil {
			printer.Seed(cached)
		} else if !errors.Is(err, snapshot.ErrNotFound) {
			slog.Warn("Failed to load cached conversation", "conversation_id", id, "error", err)
		}
	}
	proj.Attach(printer)

	if err := d.EnsureConversation(ctx, id, name, problem); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	obs := d.Observe(id)
	defer obs.Close()

	var remote *agent.GrpcClient
	if cfg.Agent.Provider == agent.ProviderRemote {
		client, err := agent.NewGrpcClient(agent.DefaultGrpcClientConfig(cfg.Agent.RemoteAddr), logger)
		if err != nil {
			return fmt.Errorf("connect agent: %w", err)
		}
		defer client.Close()
		remote = client
	}
	factory, err := agent.NewFactory(agentConfig(cfg.Agent), remote, logger)
	if err != nil {
		return err
	}

	hcfg := handoff.DefaultConfig()
	hcfg.Delay = cfg.HandoffDelay
	hcfg.Claims = client
	coord := handoff.New(d, snapshots, hcfg, logger)
	defer coord.Close()

	session, err := factory.New(id, []agent.Tool{coord.ToolFor(id)})
	if err != nil {
		return err
	}
	coord.Attach(id, session)
	go func() {
		select {
		case <-coord.HandoffDone(id):
			if err := coord.HandoffErr(id); err != nil {
				fmt.Fprintf(os.Stderr, "Could not reach a human operator (%v). Send another message to try again.\n", err)
			}
		case <-ctx.Done():
		}
	}()
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = session.Terminate(tctx)
	}()

	fmt.Fprintf(os.Stderr, "Conversation %s (agent: %s). Type 'quit' to leave.\n", id, factory.Provider())
	if conv, ok := d.Conversation(id); ok && len(conv.Messages) == 0 {
		if err := coord.AgentReply(ctx, id, greeting); err != nil {
			slog.Warn("Failed to send greeting", "conversation_id", id, "error", err)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return saveSnapshot(d, snapshots, id)
		case line, ok = <-lines:
		}
		if !ok {
			break
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			break
		}

		if conv, ok := d.Conversation(id); ok && conv.Status == domain.StatusClosed {
			fmt.Fprintln(os.Stderr, "This conversation has been closed.")
			break
		}
		if _, err := coord.Converse(ctx, id, text, name); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return saveSnapshot(d, snapshots, id)
}

func saveSnapshot(d *desk.Desk, snapshots *snapshot.Store, id string) error {
	conv, ok := d.Conversation(id)
	if !ok {
		return nil
	}
	if err := snapshots.SaveConversation(conv); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func agentConfig(c config.AgentConfig) agent.Config {
	cfg := agent.DefaultConfig()
	cfg.Provider = c.Provider
	cfg.Model = c.Model
	cfg.APIKey = c.APIKey
	cfg.BaseURL = c.BaseURL
	cfg.RemoteAddr = c.RemoteAddr
	if c.MaxToolRounds > 0 {
		cfg.MaxToolRounds = c.MaxToolRounds
	}
	return cfg
}
