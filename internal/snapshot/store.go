// Package snapshot persists the last known local state of a conversation so
// a client can repaint after a restart. It is never read back as a source of
// truth for synchronization.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/ashureev/casedesk/internal/domain"
)

const (
	conversationFile = "conversation.json"
	infoFile         = "collected_info.json"
	claimFile        = "claim.json"
)

// ErrNotFound is returned when nothing was saved yet.
var ErrNotFound = errors.New("snapshot not found")

// Store writes one directory per conversation under root.
type Store struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// New creates a Store on fsys rooted at root.
func New(fsys afero.Fs, root string) *Store {
	return &Store{fs: fsys, root: root}
}

// NewOS creates a Store on the local disk.
func NewOS(root string) *Store {
	return New(afero.NewOsFs(), root)
}

func (s *Store) path(id, name string) string {
	return filepath.Join(s.root, url.PathEscape(id), name)
}

func (s *Store) save(id, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	target := s.path(id, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) load(id, name string, v any) error {
	s.mu.Lock()
	data, err := afero.ReadFile(s.fs, s.path(id, name))
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s for %s: %w", name, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// SaveConversation stores the last known snapshot of conv.
func (s *Store) SaveConversation(conv domain.Conversation) error {
	return s.save(conv.ID, conversationFile, conv)
}

// LoadConversation returns the last saved snapshot of id.
func (s *Store) LoadConversation(id string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := s.load(id, conversationFile, &conv)
	return conv, err
}

// SaveCollectedInfo stores the last collected-info snapshot.
func (s *Store) SaveCollectedInfo(info domain.CollectedInfo) error {
	return s.save(info.ConversationID, infoFile, info)
}

// LoadCollectedInfo returns the last collected-info snapshot of id.
func (s *Store) LoadCollectedInfo(id string) (domain.CollectedInfo, error) {
	var info domain.CollectedInfo
	err := s.load(id, infoFile, &info)
	return info, err
}

// SaveClaim stores the last claim-processing result.
func (s *Store) SaveClaim(res domain.ClaimResult) error {
	return s.save(res.ConversationID, claimFile, res)
}

// LoadClaim returns the last claim-processing result of id.
func (s *Store) LoadClaim(id string) (domain.ClaimResult, error) {
	var res domain.ClaimResult
	err := s.load(id, claimFile, &res)
	return res, err
}
