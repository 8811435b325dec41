// Package transcript writes an append-only NDJSON audit trail of every
// accepted message and status change, one file per conversation.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/casedesk/internal/domain"
)

// Event kinds.
const (
	EventMessage = "message"
	EventStatus  = "status"
)

// Event is one line of a transcript file.
type Event struct {
	Time           time.Time     `json:"time"`
	ConversationID string        `json:"conversation_id"`
	Kind           string        `json:"kind"`
	MessageID      int64         `json:"message_id,omitempty"`
	Origin         domain.Origin `json:"origin,omitempty"`
	Sender         string        `json:"sender,omitempty"`
	Content        string        `json:"content,omitempty"`
	Status         domain.Status `json:"status,omitempty"`
	AdminUser      string        `json:"admin_user,omitempty"`
}

// MessageEvent describes an accepted message.
func MessageEvent(conversationID string, m domain.Message) Event {
	return Event{
		Time:           m.Timestamp,
		ConversationID: conversationID,
		Kind:           EventMessage,
		MessageID:      m.ID,
		Origin:         m.Origin,
		Sender:         m.SenderLabel,
		Content:        m.Content,
	}
}

// StatusEvent describes a confirmed status change.
func StatusEvent(conv domain.Conversation) Event {
	return Event{
		Time:           conv.LastUpdated,
		ConversationID: conv.ID,
		Kind:           EventStatus,
		Status:         conv.Status,
		AdminUser:      conv.HandoffAdminID,
	}
}

// Logger records transcript events.
type Logger interface {
	Log(Event)
	Close() error
}

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Nop discards every event.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

// FileLogger writes events from a bounded queue on one goroutine. Events are
// dropped, with a warning, when the queue is full.
type FileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	dropped   int
}

// NewLogger returns a Nop when cfg is disabled.
func NewLogger(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if cfg.GlobalPath == "" {
			return nil, errors.New("global transcript path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
	}

	l := &FileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log implements Logger.
func (l *FileLogger) Log(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped++
		l.logger.Warn("Transcript queue full, dropping event", "conversation_id", ev.ConversationID, "dropped", l.dropped)
	}
}

// Close drains the queue and stops the writer.
func (l *FileLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("Failed to encode transcript event", "error", err)
			continue
		}
		line = append(line, '\n')
		if err := appendLine(l.path(ev.ConversationID), line); err != nil {
			l.logger.Warn("Failed to write transcript", "conversation_id", ev.ConversationID, "error", err)
		}
		if l.cfg.GlobalEnabled {
			if err := appendLine(l.cfg.GlobalPath, line); err != nil {
				l.logger.Warn("Failed to write global transcript", "error", err)
			}
		}
	}
}

func (l *FileLogger) path(conversationID string) string {
	return filepath.Join(l.cfg.Dir, url.PathEscape(conversationID)+".ndjson")
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
