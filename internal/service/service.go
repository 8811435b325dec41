// Package service is the authoritative conversation state behind the
// mutation API and the push endpoints.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/casedesk/internal/conversation"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/id"
	"github.com/ashureev/casedesk/internal/store"
	"github.com/ashureev/casedesk/internal/transcript"
	"github.com/ashureev/casedesk/internal/wire"
)

// Broadcaster fans accepted changes out to push subscribers.
type Broadcaster interface {
	Publish(conversationID string, payload wire.Inbound)
}

// Config tunes the service.
type Config struct {
	DedupWindow time.Duration
}

type entry struct {
	mu    sync.Mutex
	log   *conversation.Log
	stale bool
}

// persistError marks a failure after the in-memory log already changed; the
// cached log is discarded and reloaded from the store.
type persistError struct{ err error }

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// Service serializes mutations per conversation, persists them, and then
// broadcasts them.
type Service struct {
	repo   store.Repository
	ids    id.Generator
	bus    Broadcaster
	audit  transcript.Logger
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Service. bus and audit may be nil.
func New(repo store.Repository, ids id.Generator, bus Broadcaster, audit transcript.Logger, cfg Config, logger *slog.Logger) *Service {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = conversation.DefaultWindow
	}
	if audit == nil {
		audit = transcript.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		ids:     ids,
		bus:     bus,
		audit:   audit,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
}

func (s *Service) newLog(conv domain.Conversation) *conversation.Log {
	return conversation.New(conv, conversation.WithWindow(s.cfg.DedupWindow), conversation.WithClock(s.now))
}

// entry returns the cached log for id, loading it from the store. With lazy
// set, an unknown conversation is created with empty labels.
func (s *Service) entry(ctx context.Context, id string, lazy bool) (*entry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	conv, err := s.repo.GetConversation(ctx, id)
	if errors.Is(err, domain.ErrNotFound) && lazy {
		created := domain.NewConversation(id, "", "", s.now())
		if err = s.repo.CreateConversation(ctx, created); err == nil {
			s.logger.Info("Conversation created on first message", "conversation_id", id)
			conv = created
		} else if errors.Is(err, domain.ErrAlreadyExists) {
			conv, err = s.repo.GetConversation(ctx, id)
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e, nil
	}
	e = &entry{log: s.newLog(*conv)}
	s.entries[id] = e
	return e, nil
}

func (s *Service) withLog(ctx context.Context, id string, lazy bool, fn func(*conversation.Log) error) error {
	for {
		e, err := s.entry(ctx, id, lazy)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.stale {
			e.mu.Unlock()
			continue
		}
		err = fn(e.log)
		var pe *persistError
		if errors.As(err, &pe) {
			e.stale = true
			s.mu.Lock()
			if s.entries[id] == e {
				delete(s.entries, id)
			}
			s.mu.Unlock()
			s.logger.Error("Persist failed, dropping cached conversation", "conversation_id", id, "error", pe.err)
		}
		e.mu.Unlock()
		return err
	}
}

func (s *Service) publish(id string, payload wire.Inbound) {
	if s.bus != nil {
		s.bus.Publish(id, payload)
	}
}

// Create registers a conversation. It returns domain.ErrAlreadyExists when
// the id is taken.
func (s *Service) Create(ctx context.Context, id, customerLabel, problemLabel string) (domain.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Conversation{}, fmt.Errorf("%w: conversation id is required", domain.ErrInvalidMessage)
	}
	conv := domain.NewConversation(id, customerLabel, problemLabel, s.now())
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, err
	}
	s.logger.Info("Conversation created", "conversation_id", id)
	return *conv, nil
}

// Get returns the current state of id.
func (s *Service) Get(ctx context.Context, id string) (domain.Conversation, error) {
	e, err := s.entry(ctx, id, false)
	if err != nil {
		return domain.Conversation{}, err
	}
	return e.log.Snapshot(), nil
}

// List returns every conversation grouped by status.
func (s *Service) List(ctx context.Context) (wire.Grouped, error) {
	convs, err := s.repo.ListConversations(ctx)
	if err != nil {
		return wire.Grouped{}, fmt.Errorf("list conversations: %w", err)
	}
	return wire.Group(convs), nil
}

// UpdateLabels changes the labels of id while it has no messages.
func (s *Service) UpdateLabels(ctx context.Context, id, customerLabel, problemLabel string) (domain.Conversation, error) {
	var out domain.Conversation
	err := s.withLog(ctx, id, false, func(l *conversation.Log) error {
		if err := l.UpdateLabels(customerLabel, problemLabel); err != nil {
			return err
		}
		out = l.Snapshot()
		if err := s.repo.UpdateConversation(ctx, &out); err != nil {
			return &persistError{err: err}
		}
		return nil
	})
	return out, err
}

// Append reconciles m into id. Rejections are returned as errors; a
// duplicate returns the stored entry with a nil error. Accepted messages get
// a server id, are persisted, and are broadcast.
func (s *Service) Append(ctx context.Context, id string, m domain.Message) (conversation.AppendResult, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	if m.ID == 0 {
		m.ID = s.ids.Next()
	}

	var res conversation.AppendResult
	err := s.withLog(ctx, id, true, func(l *conversation.Log) error {
		res = l.Append(m)
		switch res.Outcome {
		case conversation.Rejected:
			return res.Reason
		case conversation.Duplicate:
			return nil
		}
		if err := s.repo.AppendMessage(ctx, id, res.Message, l.Snapshot().LastUpdated.UnixNano()); err != nil {
			return &persistError{err: err}
		}
		s.publish(id, wire.FromMessage(res.Message))
		s.audit.Log(transcript.MessageEvent(id, res.Message))
		return nil
	})
	if err != nil {
		return res, err
	}
	if res.Outcome == conversation.Duplicate {
		s.logger.Debug("Duplicate message suppressed", "conversation_id", id, "local_id", m.LocalID)
	}
	return res, nil
}

// SyncHistory merges msgs into id through Append. Nothing is ever removed.
func (s *Service) SyncHistory(ctx context.Context, id string, msgs []domain.Message) (wire.SyncHistoryResponse, error) {
	var out wire.SyncHistoryResponse
	for _, m := range msgs {
		res, err := s.Append(ctx, id, m)
		var pe *persistError
		switch {
		case errors.As(err, &pe):
			return out, err
		case err != nil:
			out.Rejected++
		case res.Outcome == conversation.Duplicate:
			out.Duplicates++
		default:
			out.Accepted++
		}
	}
	return out, nil
}

// Takeover moves id to REQUIRES_HUMAN for adminUser, or claims it when an
// automated handoff left it waiting.
func (s *Service) Takeover(ctx context.Context, id, adminUser string) (domain.Conversation, error) {
	return s.transition(ctx, id, domain.StatusRequiresHuman, adminUser)
}

// Close moves id to CLOSED.
func (s *Service) Close(ctx context.Context, id string) (domain.Conversation, error) {
	return s.transition(ctx, id, domain.StatusClosed, "")
}

func (s *Service) transition(ctx context.Context, id string, to domain.Status, actor string) (domain.Conversation, error) {
	var out domain.Conversation
	err := s.withLog(ctx, id, false, func(l *conversation.Log) error {
		before := l.Snapshot()
		if err := l.Transition(to, actor); err != nil {
			return err
		}
		out = l.Snapshot()
		if out.Status == before.Status && out.HandoffAdminID == before.HandoffAdminID {
			return nil
		}
		if err := s.repo.UpdateConversation(ctx, &out); err != nil {
			return &persistError{err: err}
		}
		s.publish(id, wire.StatusPayload(out))
		s.audit.Log(transcript.StatusEvent(out))
		s.logger.Info("Conversation status changed", "conversation_id", id, "status", out.Status, "admin_user", out.HandoffAdminID)
		return nil
	})
	return out, err
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
