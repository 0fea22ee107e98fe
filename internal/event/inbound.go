package event

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Inbound event names.
const (
	NameAuth         = "auth"
	NameJoinChat     = "join_chat"
	NameLeaveChat    = "leave_chat"
	NameSendMessage  = "send_message"
	NameTyping       = "typing"
	NameStopTyping   = "stop_typing"
	NameCallUser     = "call-user"
	NameAnswerCall   = "answer-call"
	NameRejectCall   = "reject-call"
	NameIceCandidate = "ice-candidate"
	NameHangUp       = "hang-up"
)

// Inbound is a client-to-server event. The set of implementations is closed
// to this package.
type Inbound interface {
	Name() string
	Validate() error
	inbound()
}

func newInbound(name string) (Inbound, error) {
	switch name {
	case NameAuth:
		return &Auth{}, nil
	case NameJoinChat:
		return &JoinChat{}, nil
	case NameLeaveChat:
		return &LeaveChat{}, nil
	case NameSendMessage:
		return &SendMessage{}, nil
	case NameTyping:
		return &Typing{}, nil
	case NameStopTyping:
		return &StopTyping{}, nil
	case NameCallUser:
		return &CallUser{}, nil
	case NameAnswerCall:
		return &AnswerCall{}, nil
	case NameRejectCall:
		return &RejectCall{}, nil
	case NameIceCandidate:
		return &IceCandidate{}, nil
	case NameHangUp:
		return &HangUp{}, nil
	default:
		return nil, errors.Wrap(ErrUnknownEvent, name)
	}
}

// Auth binds the connection to a user identity. The payload is either a bare
// JSON string or {"userId": "..."}.
type Auth struct {
	UserID string `json:"userId"`
}

func (e *Auth) UnmarshalJSON(b []byte) error {
	return unmarshalID(b, &e.UserID, func(b []byte) error {
		type plain Auth
		return json.Unmarshal(b, (*plain)(e))
	})
}

// JoinChat subscribes the connection to a chat room. Payload: bare string or {"chatId": "..."}.
type JoinChat struct {
	ChatID string `json:"chatId"`
}

func (e *JoinChat) UnmarshalJSON(b []byte) error {
	return unmarshalID(b, &e.ChatID, func(b []byte) error {
		type plain JoinChat
		return json.Unmarshal(b, (*plain)(e))
	})
}

// LeaveChat unsubscribes the connection from a chat room.
type LeaveChat struct {
	ChatID string `json:"chatId"`
}

func (e *LeaveChat) UnmarshalJSON(b []byte) error {
	return unmarshalID(b, &e.ChatID, func(b []byte) error {
		type plain LeaveChat
		return json.Unmarshal(b, (*plain)(e))
	})
}

// SendMessage asks the server to persist and fan out a chat message.
type SendMessage struct {
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// Typing announces that a user started typing in a chat.
type Typing struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type StopTyping struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// CallUser starts ringing TargetUserID. Offer is relayed untouched.
type CallUser struct {
	TargetUserID string          `json:"targetUserId"`
	CallerID     string          `json:"callerId"`
	CallerName   string          `json:"callerName"`
	CallerAvatar string          `json:"callerAvatar"`
	Offer        json.RawMessage `json:"offer,omitempty"`
}

// AnswerCall is sent by the callee. TargetUserID is the caller and CallerID
// carries the answering user's id, matching the browser client's field names.
type AnswerCall struct {
	TargetUserID string          `json:"targetUserId"`
	CallerID     string          `json:"callerId"`
	Answer       json.RawMessage `json:"answer,omitempty"`
}

type RejectCall struct {
	CallerID     string `json:"callerId"`
	RejecterID   string `json:"rejecterId"`
	RejecterName string `json:"rejecterName"`
}

// IceCandidate carries one network candidate between call parties.
type IceCandidate struct {
	TargetUserID string          `json:"targetUserId"`
	FromUserID   string          `json:"fromUserId"`
	Candidate    json.RawMessage `json:"candidate"`
}

type HangUp struct {
	UserID1 string `json:"userId1"`
	UserID2 string `json:"userId2"`
}

func (*Auth) Name() string         { return NameAuth }
func (*JoinChat) Name() string     { return NameJoinChat }
func (*LeaveChat) Name() string    { return NameLeaveChat }
func (*SendMessage) Name() string  { return NameSendMessage }
func (*Typing) Name() string       { return NameTyping }
func (*StopTyping) Name() string   { return NameStopTyping }
func (*CallUser) Name() string     { return NameCallUser }
func (*AnswerCall) Name() string   { return NameAnswerCall }
func (*RejectCall) Name() string   { return NameRejectCall }
func (*IceCandidate) Name() string { return NameIceCandidate }
func (*HangUp) Name() string       { return NameHangUp }

func (*Auth) inbound()         {}
func (*JoinChat) inbound()     {}
func (*LeaveChat) inbound()    {}
func (*SendMessage) inbound()  {}
func (*Typing) inbound()       {}
func (*StopTyping) inbound()   {}
func (*CallUser) inbound()     {}
func (*AnswerCall) inbound()   {}
func (*RejectCall) inbound()   {}
func (*IceCandidate) inbound() {}
func (*HangUp) inbound()       {}

func (e *Auth) Validate() error      { return required("userId", e.UserID) }
func (e *JoinChat) Validate() error  { return required("chatId", e.ChatID) }
func (e *LeaveChat) Validate() error { return required("chatId", e.ChatID) }

func (e *SendMessage) Validate() error {
	if err := required("chatId", e.ChatID, "senderId", e.SenderID); err != nil {
		return err
	}
	if strings.TrimSpace(e.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

func (e *Typing) Validate() error {
	return required("chatId", e.ChatID, "userId", e.UserID)
}

func (e *StopTyping) Validate() error {
	return required("chatId", e.ChatID, "userId", e.UserID)
}

func (e *CallUser) Validate() error {
	if err := required("targetUserId", e.TargetUserID, "callerId", e.CallerID); err != nil {
		return err
	}
	if e.TargetUserID == e.CallerID {
		return errors.New("cannot call yourself")
	}
	return nil
}

func (e *AnswerCall) Validate() error {
	return required("targetUserId", e.TargetUserID, "callerId", e.CallerID)
}

func (e *RejectCall) Validate() error {
	return required("callerId", e.CallerID, "rejecterId", e.RejecterID)
}

func (e *IceCandidate) Validate() error {
	if err := required("targetUserId", e.TargetUserID, "fromUserId", e.FromUserID); err != nil {
		return err
	}
	if !present(e.Candidate) {
		return errors.New("candidate is required")
	}
	return nil
}

func (e *HangUp) Validate() error {
	return required("userId1", e.UserID1, "userId2", e.UserID2)
}

// required takes field/value pairs and fails on the first blank value.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return errors.Errorf("%s is required", pairs[i])
		}
	}
	return nil
}

// unmarshalID accepts a bare JSON string for single-id payloads and falls
// back to the object form otherwise.
func unmarshalID(b []byte, dst *string, object func([]byte) error) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*dst = s
		return nil
	}
	return object(b)
}
