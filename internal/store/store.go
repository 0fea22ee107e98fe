// Package store is the durable record of users, chats, participants and
// messages consumed by the relay.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a user or chat does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUsernameTaken is returned by CreateUser for a duplicate username.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrInvalidCredentials is returned when a username/password pair does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Chat types.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	AvatarColor string    `json:"avatar_color"`
	CreatedAt   time.Time `json:"created_at"`
}

type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSummary is a chat as listed for one user.
type ChatSummary struct {
	Chat
	LastMessage     *string    `json:"last_message"`
	LastMessageTime *time.Time `json:"last_message_time"`
	UnreadCount     int        `json:"unread_count"`
	// Participant is the other member of a private chat, nil for group chats.
	Participant *User `json:"-"`
}

// Message is a stored chat message joined with its sender's display info.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	Username    string    `json:"username"`
	AvatarColor string    `json:"avatar_color"`
}

// Gateway is everything the relay and its HTTP API need from persistence.
type Gateway interface {
	CreateUser(ctx context.Context, username, password, avatarColor string) (User, error)
	FindUserByCredentials(ctx context.Context, username, password string) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	CreateChat(ctx context.Context, name, chatType string, participants ...string) (Chat, error)
	FindExistingPrivateChat(ctx context.Context, userA, userB string) (Chat, error)
	ListChatsForUser(ctx context.Context, userID string) ([]ChatSummary, error)
	ListParticipants(ctx context.Context, chatID string) ([]User, error)

	AppendMessage(ctx context.Context, chatID, senderID, content string) (Message, error)
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	MarkRead(ctx context.Context, chatID, userID string) (int, error)

	Close() error
}
