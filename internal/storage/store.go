// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/util"
)

// =============================================================================
// STORED CONVERSATION TYPE
// =============================================================================

// StoredConversation is one flat, pre-replication conversation file.
type StoredConversation struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []StoredMessage `json:"messages"`
}

// StoredMessage is one message of a StoredConversation. An empty ParentID
// links the message to the one before it.
type StoredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ParentID  string    `json:"parent_id,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Summary      string    `json:"summary"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
}

// Preview returns the first user message, truncated.
func (c *StoredConversation) Preview() string {
	for _, msg := range c.Messages {
		if msg.Role == string(model.RoleUser) && msg.Content != "" {
			return util.TruncateRunes(msg.Content, 80)
		}
	}
	return ""
}

// Legacy converts the conversation into the record imported by the store.
// Messages without an id get a stable one derived from the conversation id
// and their position, so importing the same file twice is a no-op.
func (c *StoredConversation) Legacy() model.LegacyChat {
	lc := model.LegacyChat{
		ID:       c.ID,
		Title:    c.Summary,
		Messages: make([]model.LegacyMessage, 0, len(c.Messages)),
	}
	for i, msg := range c.Messages {
		id := msg.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", c.ID, i)
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = c.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		}
		m := msg.Model
		if m == "" && msg.Role == string(model.RoleAssistant) {
			m = c.Model
		}
		lc.Messages = append(lc.Messages, model.LegacyMessage{
			ID:        id,
			Role:      model.Role(msg.Role),
			Content:   msg.Content,
			Timestamp: ts,
			ParentID:  msg.ParentID,
			Model:     m,
		})
	}
	return lc
}

// =============================================================================
// STORE
// =============================================================================

// DefaultMaxConversations bounds a store created by NewStore.
const DefaultMaxConversations = 100

// Store is a directory of conversation files, one <id>.json each.
type Store struct {
	// BaseDir holds the conversation files.
	BaseDir string

	// MaxConversations limits stored conversations (0 = unlimited).
	MaxConversations int
}

// NewStore creates a store rooted at baseDir, creating the directory.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create legacy dir: %w", err)
	}
	return &Store{
		BaseDir:          baseDir,
		MaxConversations: DefaultMaxConversations,
	}, nil
}

// OpenStore returns a store over baseDir without creating it. Reads from a
// missing directory yield no conversations.
func OpenStore(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// IdentityDir returns the legacy directory for one identity under base.
func IdentityDir(base, identity string) (string, error) {
	if identity == "" {
		return "", ErrInvalidIdentity
	}
	if identity == "." || identity == ".." || strings.ContainsAny(identity, `/\`) {
		return "", ErrInvalidIdentity
	}
	return filepath.Join(base, identity), nil
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save persists a conversation and returns its ID.
func (s *Store) Save(conv *StoredConversation) (string, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Summary == "" {
		conv.Summary = summarize(conv)
	}

	conv.UpdatedAt = time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", err
	}
	if err := util.AtomicWriteFile(s.filePath(conv.ID), data, 0o600); err != nil {
		return "", err
	}

	if s.MaxConversations > 0 {
		s.enforceLimit()
	}
	return conv.ID, nil
}

// summarize uses the first user message, flattened to one line.
func summarize(conv *StoredConversation) string {
	for _, msg := range conv.Messages {
		if msg.Role == string(model.RoleUser) && msg.Content != "" {
			content := strings.ReplaceAll(msg.Content, "\r", "")
			content = strings.ReplaceAll(content, "\n", " ")
			return util.TruncateRunes(content, 50)
		}
	}
	return "New conversation"
}

// enforceLimit removes the oldest conversations while over the limit.
func (s *Store) enforceLimit() {
	metas, err := s.List()
	if err != nil || len(metas) <= s.MaxConversations {
		return
	}
	// List is newest first.
	for _, m := range metas[s.MaxConversations:] {
		_ = s.Delete(m.ID)
	}
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation by ID.
func (s *Store) Load(id string) (*StoredConversation, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, ErrConversationNotFound
	}
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	var conv StoredConversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	if conv.ID == "" {
		conv.ID = id
	}
	return &conv, nil
}

// loadAll reads every readable conversation. Corrupt files are skipped.
func (s *Store) loadAll() ([]*StoredConversation, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var convs []*StoredConversation
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, util.TempPrefix) {
			continue
		}
		conv, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		convs = append(convs, conv)
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// List returns all saved conversations, most recent first.
func (s *Store) List() ([]ConversationMeta, error) {
	convs, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	metas := make([]ConversationMeta, 0, len(convs))
	for _, conv := range convs {
		metas = append(metas, ConversationMeta{
			ID:           conv.ID,
			Summary:      conv.Summary,
			Model:        conv.Model,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
			MessageCount: len(conv.Messages),
			Preview:      conv.Preview(),
		})
	}
	return metas, nil
}

// Search finds conversations whose summary, preview or message content
// contains query, case-insensitively. An empty query matches everything.
func (s *Store) Search(query string) ([]ConversationMeta, error) {
	all, err := s.List()
	if err != nil || query == "" {
		return all, err
	}
	query = strings.ToLower(query)

	var results []ConversationMeta
	for _, meta := range all {
		if strings.Contains(strings.ToLower(meta.Summary), query) ||
			strings.Contains(strings.ToLower(meta.Preview), query) {
			results = append(results, meta)
			continue
		}
		conv, err := s.Load(meta.ID)
		if err != nil {
			continue
		}
		for _, msg := range conv.Messages {
			if strings.Contains(strings.ToLower(msg.Content), query) {
				results = append(results, meta)
				break
			}
		}
	}
	return results, nil
}

// LegacyChats returns every conversation in import form. It satisfies
// replication.LegacySource.
func (s *Store) LegacyChats(ctx context.Context) ([]model.LegacyChat, error) {
	convs, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	chats := make([]model.LegacyChat, 0, len(convs))
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chats = append(chats, conv.Legacy())
	}
	return chats, nil
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation by ID.
func (s *Store) Delete(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return ErrConversationNotFound
	}
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// Clear removes all saved conversations.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			if err := os.Remove(filepath.Join(s.BaseDir, entry.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned when a conversation doesn't exist.
	ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

	// ErrInvalidIdentity is returned for identities that cannot name a directory.
	ErrInvalidIdentity = &ConversationError{Message: "invalid identity"}
)

// ConversationError represents a storage error. Compare with errors.Is.
type ConversationError struct {
	Message string
}

func (e *ConversationError) Error() string {
	return e.Message
}

// Is matches errors with the same message.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
