package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Tyrowin/relaychat/internal/conn/conntest"
)

var ping = []byte(`{"event":"user_typing","data":{"userId":"u1","username":"alice"}}`)

// TestJoinBroadcastLeave tests the basic membership lifecycle.
// It verifies that a joined connection receives a broadcast exactly once and
// nothing after leaving.
func TestJoinBroadcastLeave(t *testing.T) {
	r := New()
	c := conntest.New("c1")

	r.Join("chat-1", c)
	r.Join("chat-1", c)

	if n := r.Broadcast("chat-1", ping, nil); n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
	if got := c.Count("user_typing"); got != 1 {
		t.Errorf("Expected exactly one frame, got %d", got)
	}

	r.Leave("chat-1", c)
	c.Reset()

	if n := r.Broadcast("chat-1", ping, nil); n != 0 {
		t.Errorf("Expected 0 deliveries after leave, got %d", n)
	}
	if len(c.Frames()) != 0 {
		t.Error("Expected no frames after leave")
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty room to be removed, got %d rooms", r.Len())
	}
}

// TestLeaveIsIdempotent tests that leaving without joining never fails.
func TestLeaveIsIdempotent(t *testing.T) {
	r := New()
	c := conntest.New("c1")

	r.Leave("chat-1", c)
	r.Leave("chat-1", c)
	r.Leave("", c)
	r.Leave("chat-1", nil)

	if r.Len() != 0 {
		t.Errorf("Expected no rooms, got %d", r.Len())
	}
}

// TestBroadcastExclude tests that the excluded connection is skipped.
func TestBroadcastExclude(t *testing.T) {
	r := New()
	sender := conntest.New("sender")
	peer := conntest.New("peer")
	r.Join("chat-1", sender)
	r.Join("chat-1", peer)

	n := r.Broadcast("chat-1", ping, sender)

	if n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
	if len(sender.Frames()) != 0 {
		t.Error("Excluded connection received the broadcast")
	}
	if peer.Count("user_typing") != 1 {
		t.Error("Peer did not receive the broadcast")
	}
}

// TestBroadcastSkipsFullConnections tests that a slow member does not block
// delivery to the others.
func TestBroadcastSkipsFullConnections(t *testing.T) {
	r := New()
	slow := conntest.New("slow")
	fast := conntest.New("fast")
	slow.SetFull(true)
	r.Join("chat-1", slow)
	r.Join("chat-1", fast)

	if n := r.Broadcast("chat-1", ping, nil); n != 1 {
		t.Errorf("Expected 1 accepted delivery, got %d", n)
	}
	if fast.Count("user_typing") != 1 {
		t.Error("Fast member missed the broadcast")
	}
}

// TestLeaveAll tests disconnect cleanup across several rooms.
func TestLeaveAll(t *testing.T) {
	r := New()
	c := conntest.New("c1")
	other := conntest.New("c2")
	r.Join("a", c)
	r.Join("b", c)
	r.Join("b", other)

	left := r.LeaveAll(c)

	if fmt.Sprint(left) != "[a b]" {
		t.Errorf("Expected to leave [a b], got %v", left)
	}
	if len(r.RoomsOf(c)) != 0 {
		t.Errorf("Expected no rooms for c1, got %v", r.RoomsOf(c))
	}
	if got := r.Members("b"); fmt.Sprint(got) != "[c2]" {
		t.Errorf("Expected room b to keep c2, got %v", got)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 remaining room, got %d", r.Len())
	}
	if left := r.LeaveAll(c); len(left) != 0 {
		t.Errorf("Expected second LeaveAll to be a no-op, got %v", left)
	}
}

// TestConcurrentJoinBroadcast tests the router under concurrent use.
func TestConcurrentJoinBroadcast(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := conntest.New(fmt.Sprintf("c%d", i))
			r.Join("chat", c)
			r.Broadcast("chat", ping, c)
			r.LeaveAll(c)
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Expected all rooms to be empty, got %d", r.Len())
	}
}
