// Operator console: watches the board, takes over conversations and replies
// as a human.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashureev/casedesk/internal/channel"
	"github.com/ashureev/casedesk/internal/config"
	"github.com/ashureev/casedesk/internal/console"
	"github.com/ashureev/casedesk/internal/desk"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/mutation"
	"github.com/ashureev/casedesk/internal/projector"
	"github.com/ashureev/casedesk/internal/snapshot"
	"github.com/ashureev/casedesk/internal/wire"
)

const help = `Commands:
  list            show the board
  open <id>       follow a conversation
  take [id]       take over (defaults to the open conversation)
  say <text>      reply in the open conversation
  close [id]      close a conversation
  quit`

func main() {
	var operatorID string
	flag.StringVar(&operatorID, "operator", "", "Operator id (default: OPERATOR_ID)")
	flag.Parse()

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
	if operatorID == "" {
		operatorID = cfg.OperatorID
	}
	if operatorID == "" {
		slog.Error("Operator id is required (-operator or OPERATOR_ID)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, operatorID, logger); err != nil {
		slog.Error("Operator session failed", "error", err)
		os.Exit(1)
	}
}

// session is the operator's console state.
type session struct {
	ctx       context.Context
	operator  string
	desk      *desk.Desk
	proj      *projector.Projector
	snapshots *snapshot.Store

	mu       sync.Mutex
	observed map[string]*desk.Observation
	focus    string
	detach   func()
}

func run(ctx context.Context, cfg *config.ClientConfig, operatorID string, logger *slog.Logger) error {
	channels := channel.NewManager(channel.NewWebsocketDialer(cfg.ServerURL, wire.RoleAdmin), channel.Config{
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		ConnectTimeout:    cfg.ConnectTimeout,
	}, logger)
	defer channels.Close()

	d := desk.New(mutation.NewHTTPClient(cfg.ServerURL, nil), channels, desk.Config{DedupWindow: cfg.DedupWindow}, logger)
	defer d.Shutdown()

	proj := projector.New(d, logger)
	defer proj.Close()

	s := &session{
		ctx:       ctx,
		operator:  operatorID,
		desk:      d,
		proj:      proj,
		snapshots: snapshot.NewOS(cfg.SnapshotDir),
		observed:  make(map[string]*desk.Observation),
	}
	defer s.release()

	proj.Attach(newHandoffAlert(os.Stdout))
	if err := s.sync(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Signed in as %s.\n%s\n", operatorID, help)
	fmt.Print(console.FormatBoard(proj.Board()))

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
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			return nil
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		arg = strings.TrimSpace(arg)
		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		if err := s.dispatch(cmd, arg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func (s *session) dispatch(cmd, arg string) error {
	switch cmd {
	case "":
		return nil
	case "list":
		if err := s.sync(); err != nil {
			return err
		}
		fmt.Print(console.FormatBoard(s.proj.Board()))
	case "open":
		if arg == "" {
			return errors.New("usage: open <id>")
		}
		return s.open(arg)
	case "take":
		id, err := s.target(arg)
		if err != nil {
			return err
		}
		return s.desk.Takeover(s.ctx, id, s.operator)
	case "say":
		id, err := s.target("")
		if err != nil {
			return err
		}
		if arg == "" {
			return errors.New("usage: say <text>")
		}
		_, err = s.desk.Send(s.ctx, id, domain.Message{Origin: domain.OriginOperator, SenderLabel: s.operator, Content: arg})
		return err
	case "close":
		id, err := s.target(arg)
		if err != nil {
			return err
		}
		return s.desk.Close(s.ctx, id)
	default:
		fmt.Fprintln(os.Stderr, help)
	}
	return nil
}

// sync reloads the conversation set and follows every conversation not yet observed.
func (s *session) sync() error {
	if err := s.desk.Load(s.ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.desk.All() {
		if _, ok := s.observed[c.ID]; !ok {
			s.observed[c.ID] = s.desk.Observe(c.ID)
		}
	}
	return nil
}

func (s *session) open(id string) error {
	if err := s.desk.Refresh(s.ctx, id); err != nil {
		return err
	}
	conv, _ := s.desk.Conversation(id)
	printer := console.NewTranscriptPrinter(os.Stdout, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detach != nil {
		s.detach()
	}
	if _, ok := s.observed[id]; !ok {
		s.observed[id] = s.desk.Observe(id)
	}
	s.focus = id
	fmt.Printf("--- %s (%s) ---\n", id, conv.CustomerLabel)
	printer.Seed(conv)
	s.detach = s.proj.Attach(printer)
	return nil
}

func (s *session) target(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focus == "" {
		return "", errors.New("no conversation open")
	}
	return s.focus, nil
}

func (s *session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focus != "" {
		if conv, ok := s.desk.Conversation(s.focus); ok {
			if err := s.snapshots.SaveConversation(conv); err != nil {
				slog.Warn("Failed to save snapshot", "conversation_id", s.focus, "error", err)
			}
		}
	}
	for id, o := range s.observed {
		o.Close()
		delete(s.observed, id)
	}
}

// handoffAlert announces each conversation that starts waiting for a human.
type handoffAlert struct {
	mu      sync.Mutex
	out     io.Writer
	alerted map[string]bool
}

func newHandoffAlert(out io.Writer) *handoffAlert {
	return &handoffAlert{out: out, alerted: make(map[string]bool)}
}

func (a *handoffAlert) Refresh(p *projector.Projector, _ desk.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range p.Board().RequiresHuman {
		if c.HandoffAdminID != domain.SystemOperator || a.alerted[c.ID] {
			continue
		}
		a.alerted[c.ID] = true
		fmt.Fprintf(a.out, "!! %s (%s) is waiting for a human: take %s\n", c.ID, c.CustomerLabel, c.ID)
	}
}
