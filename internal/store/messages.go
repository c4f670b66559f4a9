package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/taskchat/internal/chat"
)

// ReplaceMessages stores msgs as the newest window of a conversation,
// dropping anything stored for it before. Placeholders are never stored.
func (db *DB) ReplaceMessages(conversationID string, msgs []chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i := range msgs {
		if err := upsertMessage(tx, &msgs[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func upsertMessage(ex execer, m *chat.Message) error {
	if m.Pending() {
		return nil
	}
	var readAt sql.NullInt64
	if m.ReadAt != nil {
		readAt = sql.NullInt64{Int64: toMillis(*m.ReadAt), Valid: true}
	}
	_, err := ex.Exec(`
		INSERT INTO messages (conversation_id, id, sender_id, sender_name, body, read, read_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			read = excluded.read,
			read_at = excluded.read_at,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Body, m.Read, readAt,
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns the newest limit messages of a conversation in
// ascending order.
func (db *DB) ListMessages(conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT conversation_id, id, sender_id, sender_name, body, read, read_at, created_at, updated_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m                    chat.Message
			readAt               sql.NullInt64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.SenderName, &m.Body, &m.Read, &readAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := fromMillis(readAt.Int64)
			m.ReadAt = &t
		}
		m.CreatedAt = fromMillis(createdAt)
		m.UpdatedAt = fromMillis(updatedAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
