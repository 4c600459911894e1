// Package store persists conversations and messages in SQLite and fans out
// ordered snapshots to subscribers after every mutation.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"relaychat/internal/chat"
	"relaychat/internal/logging"
)

// SQLiteStore implements chat.MessageStore and chat.ConversationStore on a
// local SQLite database. Snapshot subscribers are notified asynchronously
// after every mutation with a full ordered snapshot of the conversation.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string

	mu          sync.RWMutex
	subscribers map[string]map[int]func([]chat.Message)
	nextSubID   int

	wg sync.WaitGroup
}

// NewSQLiteStore opens (creating if necessary) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; serialize access through the pool.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:          db,
		dbPath:      path,
		subscribers: make(map[string]map[int]func([]chat.Message)),
	}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("opened message store at %s", path)
	return store, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		reasoning_json TEXT,
		attachments_json TEXT,
		usage_json TEXT,
		status TEXT NOT NULL DEFAULT 'sent',
		is_placeholder INTEGER NOT NULL DEFAULT 0,
		was_stopped INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close waits for in-flight notifications and closes the database.
func (s *SQLiteStore) Close() error {
	s.wg.Wait()
	return s.db.Close()
}

// ============================================================================
// chat.MessageStore
// ============================================================================

// Snapshot returns every message of a conversation ordered by creation time.
func (s *SQLiteStore) Snapshot(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, reasoning_json, attachments_json, usage_json,
		       status, is_placeholder, was_stopped, created_at, updated_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Subscribe registers a snapshot listener for a conversation. The returned
// function removes the subscription.
func (s *SQLiteStore) Subscribe(conversationID string, onSnapshot func([]chat.Message)) func() {
	s.mu.Lock()
	if s.subscribers[conversationID] == nil {
		s.subscribers[conversationID] = make(map[int]func([]chat.Message))
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[conversationID][id] = onSnapshot
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers[conversationID], id)
		s.mu.Unlock()
	}
}

// Insert stores a message, replacing any existing row with the same id.
func (s *SQLiteStore) Insert(ctx context.Context, msg chat.Message) error {
	reasoning, err := marshalJSON(msg.ReasoningSegments)
	if err != nil {
		return err
	}
	attachments, err := marshalJSON(msg.Attachments)
	if err != nil {
		return err
	}
	usage, err := marshalJSON(msg.Usage)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages
		(id, conversation_id, role, content, reasoning_json, attachments_json, usage_json,
		 status, is_placeholder, was_stopped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, reasoning, attachments, usage,
		string(msg.Status), boolToInt(msg.IsPlaceholder), boolToInt(msg.WasStopped),
		msg.CreatedAt.UTC(), msg.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	s.touchConversation(ctx, msg.ConversationID)
	s.notify(msg.ConversationID)
	return nil
}

// Update applies a partial patch to one message.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch chat.MessagePatch) error {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.ReasoningSegments != nil {
		reasoning, err := marshalJSON(patch.ReasoningSegments)
		if err != nil {
			return err
		}
		sets = append(sets, "reasoning_json = ?")
		args = append(args, reasoning)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.IsPlaceholder != nil {
		sets = append(sets, "is_placeholder = ?")
		args = append(args, boolToInt(*patch.IsPlaceholder))
	}
	if patch.WasStopped != nil {
		sets = append(sets, "was_stopped = ?")
		args = append(args, boolToInt(*patch.WasStopped))
	}
	updatedAt := time.Now().UTC()
	if patch.UpdatedAt != nil {
		updatedAt = patch.UpdatedAt.UTC()
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, updatedAt)
	args = append(args, id)

	var conversationID string
	if err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, id).Scan(&conversationID); err != nil {
		if err == sql.ErrNoRows {
			return chat.ErrMessageNotFound
		}
		return fmt.Errorf("failed to locate message: %w", err)
	}

	query := "UPDATE messages SET " + joinSets(sets) + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}

	s.notify(conversationID)
	return nil
}

// Delete removes one message. Deleting an absent id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	var conversationID string
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, id).Scan(&conversationID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to locate message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	s.notify(conversationID)
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// UpsertConversation stores conversation metadata, preserving created_at on
// replace.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv chat.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			mode = excluded.mode,
			updated_at = excluded.updated_at`,
		conv.ID, conv.Title, conv.Mode, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// RenameConversation updates a conversation's title.
func (s *SQLiteStore) RenameConversation(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// GetConversation returns one conversation's metadata.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, mode, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.Mode, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return conv, fmt.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return conv, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, mode, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		var conv chat.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.Mode, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and all of its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.notify(id)
	return nil
}

// touchConversation bumps updated_at so listings sort by recency.
func (s *SQLiteStore) touchConversation(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		logging.StoreError("failed to touch conversation %s: %v", id, err)
	}
}

// ============================================================================
// Helpers
// ============================================================================

// notify delivers a fresh snapshot to every subscriber of the conversation
// on a background goroutine, matching the async contract of the interface.
func (s *SQLiteStore) notify(conversationID string) {
	s.mu.RLock()
	listeners := make([]func([]chat.Message), 0, len(s.subscribers[conversationID]))
	for _, fn := range s.subscribers[conversationID] {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		snapshot, err := s.Snapshot(context.Background(), conversationID)
		if err != nil {
			logging.StoreError("snapshot for notification failed: %v", err)
			return
		}
		for _, fn := range listeners {
			fn(snapshot)
		}
	}()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg                           chat.Message
		role, status                  string
		reasoning, attachments, usage sql.NullString
		isPlaceholder, wasStopped     int
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &reasoning, &attachments, &usage,
		&status, &isPlaceholder, &wasStopped, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return msg, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Role = chat.Role(role)
	msg.Status = chat.Status(status)
	msg.IsPlaceholder = isPlaceholder != 0
	msg.WasStopped = wasStopped != 0
	if reasoning.Valid && reasoning.String != "" {
		if err := json.Unmarshal([]byte(reasoning.String), &msg.ReasoningSegments); err != nil {
			logging.StoreError("corrupt reasoning payload for %s: %v", msg.ID, err)
		}
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
			logging.StoreError("corrupt attachments payload for %s: %v", msg.ID, err)
		}
	}
	if usage.Valid && usage.String != "" {
		if err := json.Unmarshal([]byte(usage.String), &msg.Usage); err != nil {
			logging.StoreError("corrupt usage payload for %s: %v", msg.ID, err)
		}
	}
	return msg, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal field: %w", err)
	}
	if string(raw) == "null" || string(raw) == "[]" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinSets(sets []string) string {
	return strings.Join(sets, ", ")
}
