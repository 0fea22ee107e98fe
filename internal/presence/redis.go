package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/logger"
)

const mirrorQueue = 1024

// Source lists the users that are online on this node.
type Source interface {
	OnlineUsers() []string
}

type change struct {
	userID string
	online bool
}

// RedisMirror copies local presence into Redis so other nodes and tools can
// answer "is user X online" without talking to this process.
//
// Key layout: im:presence:<user> = node id, expiring after ttl. Online users
// are refreshed every ttl/2 while the node is alive.
type RedisMirror struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	source Source

	changes chan change
	done    chan struct{}
	stopped chan struct{}
}

// NewRedisMirror pings Redis and starts the mirror worker.
func NewRedisMirror(ctx context.Context, client *redis.Client, nodeID string, ttl time.Duration, source Source) (*RedisMirror, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}

	m := &RedisMirror{
		client:  client,
		nodeID:  nodeID,
		ttl:     ttl,
		source:  source,
		changes: make(chan change, mirrorQueue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// PresenceKey is the Redis key holding userID's presence.
func PresenceKey(userID string) string { return "im:presence:" + userID }

// PresenceChanged queues the change; it never blocks the registry.
func (m *RedisMirror) PresenceChanged(userID string, online bool) {
	select {
	case m.changes <- change{userID: userID, online: online}:
	default:
		logger.Warn("presence mirror queue full; dropping change", zap.String("user", userID), zap.Bool("online", online))
	}
}

// Close stops the worker after draining queued changes.
func (m *RedisMirror) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	<-m.stopped
	return m.client.Close()
}

func (m *RedisMirror) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case c := <-m.changes:
			m.apply(c)
		case <-ticker.C:
			m.refresh()
		case <-m.done:
			for {
				select {
				case c := <-m.changes:
					m.apply(c)
				default:
					return
				}
			}
		}
	}
}

func (m *RedisMirror) apply(c change) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	if c.online {
		err = m.client.Set(ctx, PresenceKey(c.userID), m.nodeID, m.ttl).Err()
	} else {
		err = m.client.Del(ctx, PresenceKey(c.userID)).Err()
	}
	if err != nil {
		logger.Warn("presence mirror write failed", zap.String("user", c.userID), zap.Bool("online", c.online), zap.Error(err))
	}
}

func (m *RedisMirror) refresh() {
	if m.source == nil {
		return
	}
	users := m.source.OnlineUsers()
	if len(users) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := m.client.Pipeline()
	for _, u := range users {
		pipe.Set(ctx, PresenceKey(u), m.nodeID, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("presence mirror refresh failed", zap.Int("users", len(users)), zap.Error(err))
	}
}

// Lookup reads the mirrored presence of userID: the node it is online on.
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error) {
	val, err := m.client.Get(ctx, PresenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get presence")
	}
	return val, true, nil
}
