// Package session dispatches inbound relay events against the presence
// registry, the room router and the call broker.
//
// Each connection feeds its events through Handle from its own goroutine;
// the registries carry their own locks so unrelated chats never serialize
// behind one another.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/call"
	"github.com/Tyrowin/relaychat/internal/conn"
	"github.com/Tyrowin/relaychat/internal/event"
	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/presence"
	"github.com/Tyrowin/relaychat/internal/rooms"
	"github.com/Tyrowin/relaychat/internal/store"
)

const defaultPersistTimeout = 5 * time.Second

// MessageStore is the part of the store gateway the coordinator writes to.
type MessageStore interface {
	AppendMessage(ctx context.Context, chatID, senderID, content string) (store.Message, error)
	FindUserByID(ctx context.Context, id string) (store.User, error)
}

// Broadcaster delivers a payload to every live connection.
type Broadcaster interface {
	BroadcastAll(payload []byte) int
}

// MessageObserver is told about every message after it was stored and fanned out.
type MessageObserver interface {
	MessageStored(msg event.ChatMessage)
}

// Coordinator owns no state of its own; it routes between the registries.
type Coordinator struct {
	presence  *presence.Registry
	rooms     *rooms.Router
	calls     *call.Broker
	store     MessageStore
	everyone  Broadcaster
	observers []MessageObserver

	persistTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMessageObserver registers o for stored messages.
func WithMessageObserver(o MessageObserver) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithPersistTimeout bounds each store call made for send_message.
func WithPersistTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.persistTimeout = d
		}
	}
}

// New wires a Coordinator and subscribes it to presence changes so every
// change is announced to all connections.
func New(reg *presence.Registry, router *rooms.Router, broker *call.Broker, ms MessageStore, everyone Broadcaster, opts ...Option) *Coordinator {
	c := &Coordinator{
		presence:       reg,
		rooms:          router,
		calls:          broker,
		store:          ms,
		everyone:       everyone,
		persistTimeout: defaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	reg.Subscribe(c)
	return c
}

// Handle applies one decoded event from connection h. It never panics and
// never reports errors back to the caller: failures are logged and, where
// the sender must know, answered on h.
func (c *Coordinator) Handle(ctx context.Context, h conn.Handle, in event.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic while handling event",
				zap.String("conn", h.ID()), zap.String("event", in.Name()), zap.Any("panic", r))
		}
	}()

	switch ev := in.(type) {
	case *event.Auth:
		c.presence.SetOnline(ev.UserID, h)
		logger.Info("User authenticated", zap.String("user", ev.UserID), zap.String("conn", h.ID()))

	case *event.JoinChat:
		c.rooms.Join(ev.ChatID, h)
		logger.Debug("Joined chat", zap.String("chat", ev.ChatID), zap.String("conn", h.ID()))

	case *event.LeaveChat:
		c.rooms.Leave(ev.ChatID, h)
		logger.Debug("Left chat", zap.String("chat", ev.ChatID), zap.String("conn", h.ID()))

	case *event.SendMessage:
		c.sendMessage(ctx, h, ev)

	case *event.Typing:
		c.toRoom(ev.ChatID, event.UserTyping{UserID: ev.UserID, Username: ev.Username}, h)

	case *event.StopTyping:
		c.toRoom(ev.ChatID, event.UserStopTyping{UserID: ev.UserID}, h)

	case *event.CallUser:
		c.logCall(h, ev, c.calls.Call(ev, h))

	case *event.AnswerCall:
		c.logCall(h, ev, c.calls.Answer(ev, h))

	case *event.RejectCall:
		c.logCall(h, ev, c.calls.Reject(ev))

	case *event.IceCandidate:
		c.logCall(h, ev, c.calls.Candidate(ev))

	case *event.HangUp:
		existed := c.calls.HangUp(ev)
		logger.Info("Call hung up", zap.String("user1", ev.UserID1), zap.String("user2", ev.UserID2), zap.Bool("had_session", existed))

	default:
		logger.Warn("Unhandled event", zap.String("conn", h.ID()), zap.String("event", in.Name()))
	}
}

// sendMessage persists first and fans out only after the write succeeded.
func (c *Coordinator) sendMessage(ctx context.Context, h conn.Handle, ev *event.SendMessage) {
	ctx, cancel := context.WithTimeout(ctx, c.persistTimeout)
	defer cancel()

	stored, err := c.store.AppendMessage(ctx, ev.ChatID, ev.SenderID, ev.Content)
	if err != nil {
		logger.Error("Failed to persist message",
			zap.String("chat", ev.ChatID), zap.String("user", ev.SenderID), zap.String("conn", h.ID()), zap.Error(err))
		c.reply(h, event.MessageFailed{ChatID: ev.ChatID, Content: ev.Content, Error: "message could not be saved"})
		return
	}

	msg := event.ChatMessage{
		ID:        stored.ID,
		ChatID:    stored.ChatID,
		SenderID:  stored.SenderID,
		Content:   stored.Content,
		CreatedAt: stored.CreatedAt,
	}
	if sender, err := c.store.FindUserByID(ctx, ev.SenderID); err == nil {
		msg.Username = sender.Username
		msg.AvatarColor = sender.AvatarColor
	} else {
		logger.Warn("Sender lookup failed; delivering without display info",
			zap.String("user", ev.SenderID), zap.String("message", stored.ID), zap.Error(err))
	}

	n := c.toRoom(ev.ChatID, event.NewMessage{ChatMessage: msg}, nil)
	logger.Debug("Message delivered", zap.String("chat", ev.ChatID), zap.String("message", msg.ID), zap.Int("recipients", n))

	for _, o := range c.observers {
		o.MessageStored(msg)
	}
}

// Disconnect runs the cleanup for a closed connection: its rooms, the call
// sessions bound to it and its presence entry. It must run exactly once per
// connection, whatever closed it.
func (c *Coordinator) Disconnect(h conn.Handle) {
	left := c.rooms.LeaveAll(h)
	ended := c.calls.DropConnection(h.ID())
	userID, wasCurrent := c.presence.RemoveByConnection(h)

	logger.Info("Connection cleaned up",
		zap.String("conn", h.ID()),
		zap.String("user", userID),
		zap.Bool("went_offline", wasCurrent),
		zap.Int("rooms_left", len(left)),
		zap.Int("calls_ended", len(ended)))
}

// PresenceChanged announces every presence change to all connections.
func (c *Coordinator) PresenceChanged(userID string, online bool) {
	if c.everyone == nil {
		return
	}
	payload, err := event.Encode(event.UserStatus{UserID: userID, Online: online})
	if err != nil {
		logger.Error("Failed to encode user status", zap.String("user", userID), zap.Error(err))
		return
	}
	c.everyone.BroadcastAll(payload)
}

func (c *Coordinator) toRoom(chatID string, o event.Outbound, exclude conn.Handle) int {
	payload, err := event.Encode(o)
	if err != nil {
		logger.Error("Failed to encode room event", zap.String("chat", chatID), zap.String("event", o.Name()), zap.Error(err))
		return 0
	}
	return c.rooms.Broadcast(chatID, payload, exclude)
}

func (c *Coordinator) reply(h conn.Handle, o event.Outbound) {
	payload, err := event.Encode(o)
	if err != nil {
		logger.Error("Failed to encode reply", zap.String("event", o.Name()), zap.Error(err))
		return
	}
	if !h.Deliver(payload) {
		logger.Warn("Reply dropped, send buffer full", zap.String("conn", h.ID()), zap.String("event", o.Name()))
	}
}

// logCall records the broker outcome. Offline targets and phase conflicts
// are expected and stay at debug level.
func (c *Coordinator) logCall(h conn.Handle, in event.Inbound, err error) {
	fields := []zap.Field{zap.String("conn", h.ID()), zap.String("event", in.Name())}
	switch {
	case err == nil:
		logger.Debug("Call signaling relayed", fields...)
	case errors.Is(err, call.ErrCalleeOffline),
		errors.Is(err, call.ErrNoSession),
		errors.Is(err, call.ErrWrongPhase),
		errors.Is(err, call.ErrCallInProgress):
		logger.Debug("Call signaling dropped", append(fields, zap.Error(err))...)
	default:
		logger.Warn("Call signaling failed", append(fields, zap.Error(err))...)
	}
}

// String describes the coordinator's live state, for diagnostics.
func (c *Coordinator) String() string {
	return fmt.Sprintf("online=%d rooms=%d calls=%d", c.presence.Len(), c.rooms.Len(), len(c.calls.Active()))
}
