package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/taskchat/internal/chat"
)

// ReplaceConversations swaps the stored conversation list for snapshot.
// Messages of conversations no longer present are removed with them.
func (db *DB) ReplaceConversations(snapshot []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TEMP TABLE IF NOT EXISTS keep_ids (id TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create keep set: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM keep_ids`); err != nil {
		return fmt.Errorf("clear keep set: %w", err)
	}
	for i := range snapshot {
		if err := upsertConversation(tx, &snapshot[i]); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO keep_ids (id) VALUES (?)`, snapshot[i].ID); err != nil {
			return fmt.Errorf("mark %s: %w", snapshot[i].ID, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id NOT IN (SELECT id FROM keep_ids)`); err != nil {
		return fmt.Errorf("prune conversations: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id NOT IN (SELECT id FROM keep_ids)`); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversations: %w", err)
	}
	return nil
}

// UpsertConversation inserts or updates one conversation.
func (db *DB) UpsertConversation(c *chat.Conversation) error {
	return upsertConversation(db, c)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertConversation(ex execer, c *chat.Conversation) error {
	var (
		lastID, lastBody, lastSender sql.NullString
		lastAt                       sql.NullInt64
	)
	if lm := c.LastMessage; lm != nil {
		lastID = sql.NullString{String: lm.ID, Valid: true}
		lastBody = sql.NullString{String: lm.Body, Valid: true}
		lastSender = sql.NullString{String: lm.SenderID, Valid: true}
		lastAt = sql.NullInt64{Int64: toMillis(lm.CreatedAt), Valid: true}
	}
	_, err := ex.Exec(`
		INSERT INTO conversations (id, task_id, peer_id, peer_name, peer_online,
			last_message_id, last_message_body, last_message_sender_id, last_message_at,
			unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			peer_id = excluded.peer_id,
			peer_name = excluded.peer_name,
			peer_online = excluded.peer_online,
			last_message_id = excluded.last_message_id,
			last_message_body = excluded.last_message_body,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.TaskID, c.OtherParticipant.ID, c.OtherParticipant.Name, c.OtherParticipant.Online,
		lastID, lastBody, lastSender, lastAt,
		c.UnreadCount, toMillis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// ListConversations returns stored conversations, most recently updated first.
func (db *DB) ListConversations() ([]chat.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, task_id, peer_id, peer_name, peer_online,
			last_message_id, last_message_body, last_message_sender_id, last_message_at,
			unread_count, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Conversation
	for rows.Next() {
		var (
			c                            chat.Conversation
			lastID, lastBody, lastSender sql.NullString
			lastAt                       sql.NullInt64
			updatedAt                    int64
		)
		if err := rows.Scan(&c.ID, &c.TaskID, &c.OtherParticipant.ID, &c.OtherParticipant.Name, &c.OtherParticipant.Online,
			&lastID, &lastBody, &lastSender, &lastAt, &c.UnreadCount, &updatedAt); err != nil {
			return nil, err
		}
		if lastAt.Valid {
			c.LastMessage = &chat.LastMessage{
				ID:        lastID.String,
				Body:      lastBody.String,
				SenderID:  lastSender.String,
				CreatedAt: fromMillis(lastAt.Int64),
			}
		}
		c.UpdatedAt = fromMillis(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
