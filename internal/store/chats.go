package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CreateChat creates a chat and adds participants in one transaction.
func (s *SQLite) CreateChat(ctx context.Context, name, chatType string, participants ...string) (Chat, error) {
	if chatType == "" {
		chatType = ChatPrivate
	}
	c := Chat{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      chatType,
		CreatedAt: fromMillis(millis(s.now())),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Chat{}, errors.Wrap(err, "begin create chat")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, name, type, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.Type, millis(c.CreatedAt)); err != nil {
		return Chat{}, errors.Wrap(err, "insert chat")
	}
	for _, userID := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_participants (chat_id, user_id) VALUES (?, ?)`,
			c.ID, userID); err != nil {
			return Chat{}, errors.Wrapf(err, "add participant %s", userID)
		}
	}
	if err := tx.Commit(); err != nil {
		return Chat{}, errors.Wrap(err, "commit create chat")
	}
	return c, nil
}

// FindExistingPrivateChat returns the private chat both users take part in.
func (s *SQLite) FindExistingPrivateChat(ctx context.Context, userA, userB string) (Chat, error) {
	var (
		c  Chat
		ts int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, COALESCE(c.name, ''), c.type, c.created_at
		FROM chats c
		JOIN chat_participants cp1 ON c.id = cp1.chat_id
		JOIN chat_participants cp2 ON c.id = cp2.chat_id
		WHERE c.type = 'private' AND cp1.user_id = ? AND cp2.user_id = ?
		ORDER BY c.created_at
		LIMIT 1`, userA, userB).Scan(&c.ID, &c.Name, &c.Type, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, errors.Wrap(ErrNotFound, "private chat")
	}
	if err != nil {
		return Chat{}, errors.Wrap(err, "find private chat")
	}
	c.CreatedAt = fromMillis(ts)
	return c, nil
}

// ListChatsForUser lists userID's chats with their last message and the
// number of messages from others that userID has not read, newest first.
func (s *SQLite) ListChatsForUser(ctx context.Context, userID string) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id,
			COALESCE(c.name, ''),
			c.type,
			c.created_at,
			(SELECT content FROM messages WHERE chat_id = c.id ORDER BY created_at DESC, rowid DESC LIMIT 1),
			(SELECT created_at FROM messages WHERE chat_id = c.id ORDER BY created_at DESC, rowid DESC LIMIT 1) AS last_message_time,
			(SELECT COUNT(*) FROM messages m
				WHERE m.chat_id = c.id AND m.sender_id != ?
				AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?))
		FROM chats c
		JOIN chat_participants cp ON c.id = cp.chat_id
		WHERE cp.user_id = ?
		ORDER BY last_message_time DESC, c.created_at DESC`, userID, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list chats")
	}

	chats := []ChatSummary{}
	for rows.Next() {
		var (
			cs       ChatSummary
			created  int64
			lastText sql.NullString
			lastTime sql.NullInt64
		)
		if err := rows.Scan(&cs.ID, &cs.Name, &cs.Type, &created, &lastText, &lastTime, &cs.UnreadCount); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan chat")
		}
		cs.CreatedAt = fromMillis(created)
		if lastText.Valid {
			cs.LastMessage = &lastText.String
		}
		if lastTime.Valid {
			t := fromMillis(lastTime.Int64)
			cs.LastMessageTime = &t
		}
		chats = append(chats, cs)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "iterate chats")
	}

	// The connection is free again; resolve the other side of private chats.
	for i := range chats {
		if chats[i].Type != ChatPrivate {
			continue
		}
		other, err := s.otherParticipant(ctx, chats[i].ID, userID)
		if err != nil {
			return nil, err
		}
		chats[i].Participant = other
	}
	return chats, nil
}

func (s *SQLite) otherParticipant(ctx context.Context, chatID, userID string) (*User, error) {
	var (
		u  User
		ts int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.avatar_color, u.created_at
		FROM users u
		JOIN chat_participants cp ON u.id = cp.user_id
		WHERE cp.chat_id = ? AND u.id != ?
		LIMIT 1`, chatID, userID).Scan(&u.ID, &u.Username, &u.AvatarColor, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find chat participant")
	}
	u.CreatedAt = fromMillis(ts)
	return &u, nil
}

// ListParticipants returns the members of chatID.
func (s *SQLite) ListParticipants(ctx context.Context, chatID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.avatar_color, u.created_at
		FROM users u
		JOIN chat_participants cp ON u.id = cp.user_id
		WHERE cp.chat_id = ?
		ORDER BY u.username`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}
	defer rows.Close()
	return scanUsers(rows)
}
