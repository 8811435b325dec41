package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/shared"
)

// SQLiteStore implements Repository and the claims ledger using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		problem_type TEXT NOT NULL DEFAULT '',
		admin_user TEXT,
		created_at INTEGER NOT NULL,
		last_updated INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, last_updated);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		position INTEGER NOT NULL,
		origin TEXT NOT NULL,
		content TEXT NOT NULL,
		sender TEXT,
		local_id TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp, position);

	CREATE TABLE IF NOT EXISTS claims (
		claim_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL DEFAULT '',
		policy_holder TEXT NOT NULL,
		policy_number TEXT NOT NULL,
		problem_type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS claim_events (
		claim_id TEXT NOT NULL REFERENCES claims(claim_id),
		position INTEGER NOT NULL,
		status TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (claim_id, position)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
	INSERT INTO conversations (conversation_id, status, customer_name, problem_type, admin_user, created_at, last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO NOTHING`

	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, "create conversation", func() error {
		result, err := s.db.ExecContext(ctx, query,
			conv.ID, string(conv.Status), conv.CustomerLabel, conv.ProblemLabel,
			nullable(conv.HandoffAdminID), conv.CreatedAt.UnixNano(), conv.LastUpdated.UnixNano(),
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", conv.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT conversation_id, status, customer_name, problem_type, admin_user, created_at, last_updated
		FROM conversations WHERE conversation_id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	msgs, err := s.messages(ctx, `WHERE conversation_id = ?`, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs[id]
	if conv.Messages == nil {
		conv.Messages = []domain.Message{}
	}
	return conv, nil
}

// ListConversations retrieves every conversation, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	query := `
		SELECT conversation_id, status, customer_name, problem_type, admin_user, created_at, last_updated
		FROM conversations ORDER BY last_updated DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	msgs, err := s.messages(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Messages = msgs[convs[i].ID]
		if convs[i].Messages == nil {
			convs[i].Messages = []domain.Message{}
		}
	}
	return convs, nil
}

// UpdateConversation writes the mutable conversation fields.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
	UPDATE conversations
	SET status = ?, customer_name = ?, problem_type = ?, admin_user = ?, last_updated = ?
	WHERE conversation_id = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, "update conversation", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(conv.Status), conv.CustomerLabel, conv.ProblemLabel,
			nullable(conv.HandoffAdminID), conv.LastUpdated.UnixNano(), conv.ID,
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateConversation affected 0 rows", "conversation_id", conv.ID)
		return fmt.Errorf("%s: %w", conv.ID, domain.ErrNotFound)
	}
	return nil
}

// AppendMessage stores m in a transaction with the conversation's new last_updated.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, m domain.Message, lastUpdated int64) error {
	return shared.RetryOnConflict(ctx, s.retry, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		result, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_updated = ? WHERE conversation_id = ?`,
			lastUpdated, conversationID)
		if err != nil {
			return fmt.Errorf("bump last_updated: %w", err)
		}
		if rows, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if rows == 0 {
			return fmt.Errorf("%s: %w", conversationID, domain.ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, position, origin, content, sender, local_id, timestamp)
			VALUES (?, ?, (SELECT COUNT(*) FROM messages WHERE conversation_id = ?), ?, ?, ?, ?, ?)`,
			m.ID, conversationID, conversationID, string(m.Origin), m.Content,
			nullable(m.SenderLabel), nullable(m.LocalID), m.Timestamp.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Commit()
	})
}

// messages loads messages grouped by conversation, ordered by timestamp and
// then arrival position so ties keep their original order.
func (s *SQLiteStore) messages(ctx context.Context, where string, args ...any) (map[string][]domain.Message, error) {
	query := `SELECT conversation_id, id, origin, content, sender, local_id, timestamp FROM messages ` +
		where + ` ORDER BY conversation_id, timestamp, position`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	out := make(map[string][]domain.Message)
	for rows.Next() {
		var (
			convID         string
			m              domain.Message
			origin         string
			sender, local  sql.NullString
			timestampNanos int64
		)
		if err := rows.Scan(&convID, &m.ID, &origin, &m.Content, &sender, &local, &timestampNanos); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Origin = domain.Origin(origin)
		m.SenderLabel = sender.String
		m.LocalID = local.String
		m.Timestamp = time.Unix(0, timestampNanos).UTC()
		out[convID] = append(out[convID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		conv                   domain.Conversation
		status                 string
		admin                  sql.NullString
		createdAt, lastUpdated int64
	)
	if err := row.Scan(&conv.ID, &status, &conv.CustomerLabel, &conv.ProblemLabel, &admin, &createdAt, &lastUpdated); err != nil {
		return nil, err
	}
	conv.Status = domain.Status(status)
	conv.HandoffAdminID = admin.String
	conv.CreatedAt = time.Unix(0, createdAt).UTC()
	conv.LastUpdated = time.Unix(0, lastUpdated).UTC()
	return &conv, nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
