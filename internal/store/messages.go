package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AppendMessage stores a message. It returns once the row is written; the
// returned message carries no sender display info.
func (s *SQLite) AppendMessage(ctx context.Context, chatID, senderID, content string) (Message, error) {
	m := Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: fromMillis(millis(s.now())),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.Content, millis(m.CreatedAt))
	if err != nil {
		return Message{}, errors.Wrapf(err, "append message to chat %s", chatID)
	}
	return m, nil
}

// ListMessages returns the messages of chatID, oldest first, joined with
// each sender's display info.
func (s *SQLite) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.created_at, u.username, u.avatar_color
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &ts, &m.Username, &m.AvatarColor); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.CreatedAt = fromMillis(ts)
		messages = append(messages, m)
	}
	return messages, errors.Wrap(rows.Err(), "iterate messages")
}

// MarkRead records that userID has read every message in chatID sent by
// someone else. It returns the number of newly read messages.
func (s *SQLite) MarkRead(ctx context.Context, chatID, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages WHERE chat_id = ? AND sender_id != ?`,
		userID, millis(s.now()), chatID, userID)
	if err != nil {
		return 0, errors.Wrap(err, "mark read")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "mark read rows")
	}
	return int(n), nil
}
