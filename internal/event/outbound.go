package event

import (
	"encoding/json"
	"time"
)

// Outbound event names. NameIceCandidate is shared with the inbound set.
const (
	NameUserStatus     = "user_status"
	NameNewMessage     = "new_message"
	NameMessageFailed  = "message_failed"
	NameUserTyping     = "user_typing"
	NameUserStopTyping = "user_stop_typing"
	NameIncomingCall   = "incoming-call"
	NameCallAnswered   = "call-answered"
	NameCallRejected   = "call-rejected"
	NameCallEnded      = "call-ended"
)

// Outbound is a server-to-client event.
type Outbound interface {
	Name() string
	outbound()
}

// UserStatus is broadcast to every connection on each presence change.
type UserStatus struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ChatMessage is a stored message enriched with the sender's display info.
type ChatMessage struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	Username    string    `json:"username"`
	AvatarColor string    `json:"avatar_color"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMessage delivers a persisted message to the members of its chat room.
type NewMessage struct {
	ChatMessage
}

// MessageFailed tells the sender that its message was not stored and was not delivered.
type MessageFailed struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
	Error   string `json:"error"`
}

type UserTyping struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserStopTyping struct {
	UserID string `json:"userId"`
}

type IncomingCall struct {
	CallerID     string          `json:"callerId"`
	CallerName   string          `json:"callerName"`
	CallerAvatar string          `json:"callerAvatar"`
	Offer        json.RawMessage `json:"offer,omitempty"`
}

type CallAnswered struct {
	Answer     json.RawMessage `json:"answer,omitempty"`
	AnswererID string          `json:"answererId"`
}

type CallRejected struct {
	RejecterName string `json:"rejecterName"`
}

// CandidateRelay forwards an ICE candidate to the other call party.
type CandidateRelay struct {
	Candidate  json.RawMessage `json:"candidate"`
	FromUserID string          `json:"fromUserId"`
}

type CallEnded struct{}

func (UserStatus) Name() string     { return NameUserStatus }
func (NewMessage) Name() string     { return NameNewMessage }
func (MessageFailed) Name() string  { return NameMessageFailed }
func (UserTyping) Name() string     { return NameUserTyping }
func (UserStopTyping) Name() string { return NameUserStopTyping }
func (IncomingCall) Name() string   { return NameIncomingCall }
func (CallAnswered) Name() string   { return NameCallAnswered }
func (CallRejected) Name() string   { return NameCallRejected }
func (CandidateRelay) Name() string { return NameIceCandidate }
func (CallEnded) Name() string      { return NameCallEnded }

func (UserStatus) outbound()     {}
func (NewMessage) outbound()     {}
func (MessageFailed) outbound()  {}
func (UserTyping) outbound()     {}
func (UserStopTyping) outbound() {}
func (IncomingCall) outbound()   {}
func (CallAnswered) outbound()   {}
func (CallRejected) outbound()   {}
func (CandidateRelay) outbound() {}
func (CallEnded) outbound()      {}
