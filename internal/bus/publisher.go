// Package bus publishes relay activity to NATS so that other services can
// follow stored messages and presence changes without polling the database.
//
// Subjects:
//
//	chat.<chatId>.message   one per stored message
//	presence.<userId>       one per presence change
package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/event"
	"github.com/Tyrowin/relaychat/internal/logger"
)

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Notice is the body of every published message.
type Notice struct {
	Node  string          `json:"node"`
	Event string          `json:"event"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// Publisher forwards stored messages and presence changes to NATS. Publish
// failures are logged and never reach the relay.
type Publisher struct {
	nc     conn
	nodeID string
	now    func() time.Time
}

// Connect dials url and returns a Publisher for nodeID. The connection keeps
// reconnecting forever once established.
func Connect(url, nodeID string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("relaychat-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", url)
	}
	logger.Info("Connected to NATS", zap.String("url", url), zap.String("node", nodeID))
	return newPublisher(nc, nodeID), nil
}

func newPublisher(nc conn, nodeID string) *Publisher {
	return &Publisher{nc: nc, nodeID: nodeID, now: time.Now}
}

// MessageSubject is the subject a chat's messages are published on.
func MessageSubject(chatID string) string {
	return "chat." + token(chatID) + ".message"
}

// PresenceSubject is the subject a user's presence changes are published on.
func PresenceSubject(userID string) string {
	return "presence." + token(userID)
}

// MessageStored publishes msg on its chat subject.
func (p *Publisher) MessageStored(msg event.ChatMessage) {
	p.publish(MessageSubject(msg.ChatID), event.NameNewMessage, msg)
}

// PresenceChanged publishes a user_status notice for userID.
func (p *Publisher) PresenceChanged(userID string, online bool) {
	p.publish(PresenceSubject(userID), event.NameUserStatus, event.UserStatus{UserID: userID, Online: online})
}

func (p *Publisher) publish(subject, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode bus notice", zap.String("subject", subject), zap.Error(err))
		return
	}
	body, err := json.Marshal(Notice{Node: p.nodeID, Event: name, At: p.now().UTC(), Data: data})
	if err != nil {
		logger.Error("Failed to encode bus notice", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, body); err != nil {
		logger.Warn("Failed to publish to NATS", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	return errors.Wrap(p.nc.Drain(), "drain NATS connection")
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
