package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds so the stored text
// sorts lexicographically in timestamp order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the MessageStore implementation backing a single process.
type SQLite struct {
	conn *sql.DB
}

var _ MessageStore = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s := &SQLite{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			attachment_ref TEXT NOT NULL DEFAULT '',
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.Body == "" && msg.AttachmentRef == "" {
		return fmt.Errorf("message %s has neither body nor attachment", msg.ID)
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, body, attachment_ref, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Body, msg.AttachmentRef,
		boolToInt(msg.IsRead), msg.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLite) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, sender_id, receiver_id, body, attachment_ref, is_read, created_at
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *SQLite) MarkMessageRead(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) MarkConversationRead(ctx context.Context, readerID, otherUserID string) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE messages SET is_read = 1
		 WHERE sender_id = ? AND receiver_id = ? AND is_read = 0`,
		otherUserID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) ListConversation(ctx context.Context, userID, withUserID string) ([]*Message, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, body, attachment_ref, is_read, created_at
		 FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY created_at ASC, id ASC`,
		userID, withUserID, withUserID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLite) DeleteConversation(ctx context.Context, userID, withUserID string) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		userID, withUserID, withUserID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var isRead int
	var createdAt string
	err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Body,
		&msg.AttachmentRef, &isRead, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.IsRead = isRead != 0
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("message %s has malformed timestamp: %w", msg.ID, err)
	}
	msg.CreatedAt = ts
	return &msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
