package memory

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists chat logs in a SQLite database. Ordering comes
// from the messages table's rowid, not timestamps, so rapid turns never
// interleave.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open chat-log db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("chat-log migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT NOT NULL PRIMARY KEY,
			system_prompt   TEXT NOT NULL DEFAULT '',
			updated_at      TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id);
	`)
	return err
}

func (s *SQLiteStore) Append(conversationID string, msg Message) error {
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, msg.Role, msg.Content, created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(conversationID string) ([]Message, error) {
	var out []Message

	var prompt string
	err := s.db.QueryRow(`
		SELECT system_prompt FROM conversations WHERE conversation_id = ?
	`, conversationID).Scan(&prompt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load system prompt: %w", err)
	}
	if prompt != "" {
		out = append(out, Message{Role: "system", Content: prompt})
	}

	rows, err := s.db.Query(`
		SELECT role, content, created_at FROM messages
		WHERE conversation_id = ? ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetSystemPrompt(conversationID, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (conversation_id, system_prompt, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			updated_at = excluded.updated_at
	`, conversationID, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set system prompt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TruncateClear(conversationID string) error {
	// Keep the trailing user message so the next relay still has its
	// anchor; the system prompt lives in conversations and is untouched.
	_, err := s.db.Exec(`
		DELETE FROM messages
		WHERE conversation_id = ?
		  AND id < (
			SELECT COALESCE(MAX(id), 0) FROM messages
			WHERE conversation_id = ? AND role = 'user'
		  )
	`, conversationID, conversationID)
	if err != nil {
		return fmt.Errorf("truncate conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(conversationID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
