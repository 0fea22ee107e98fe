package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/relaychat/internal/conn/conntest"
)

// newTestMirror connects to the Redis named by REDIS_TEST_ADDR and skips the
// test when it is not set.
func newTestMirror(t *testing.T, source Source) *RedisMirror {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	m, err := NewRedisMirror(context.Background(), client, "node-test", 10*time.Second, source)
	if err != nil {
		t.Fatalf("NewRedisMirror() error = %v", err)
	}
	return m
}

func waitMirrored(t *testing.T, m *RedisMirror, userID string, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		node, online, err := m.Lookup(context.Background(), userID)
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if online == want {
			if want && node != "node-test" {
				t.Errorf("Expected node-test, got %q", node)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s online=%v", userID, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestRedisMirrorFollowsRegistry tests that registry changes reach Redis.
func TestRedisMirrorFollowsRegistry(t *testing.T) {
	r := New()
	m := newTestMirror(t, r)
	r.Subscribe(m)

	h := conntest.New("c1")
	r.SetOnline("mirror-u1", h)
	waitMirrored(t, m, "mirror-u1", true)

	r.RemoveByConnection(h)
	waitMirrored(t, m, "mirror-u1", false)

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// TestRedisMirrorUnreachable tests that a dead Redis is reported at construction.
func TestRedisMirrorUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	if _, err := NewRedisMirror(context.Background(), client, "n", time.Minute, nil); err == nil {
		t.Error("Expected an error for an unreachable Redis")
	}
}
