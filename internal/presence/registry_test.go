package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Tyrowin/relaychat/internal/conn/conntest"
)

type notice struct {
	userID string
	online bool
}

type recordingListener struct {
	mu      sync.Mutex
	changes []notice
}

func (l *recordingListener) PresenceChanged(userID string, online bool) {
	l.mu.Lock()
	l.changes = append(l.changes, notice{userID, online})
	l.mu.Unlock()
}

func (l *recordingListener) all() []notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notice(nil), l.changes...)
}

// TestSetOnlineAndLookup tests basic registration and lookup.
func TestSetOnlineAndLookup(t *testing.T) {
	l := &recordingListener{}
	r := New(l)
	c1 := conntest.New("c1")

	if _, ok := r.Lookup("u1"); ok {
		t.Fatal("Expected u1 to be unknown before auth")
	}

	r.SetOnline("u1", c1)

	h, ok := r.Lookup("u1")
	if !ok || h.ID() != "c1" {
		t.Fatalf("Expected u1 on c1, got %v (found=%v)", h, ok)
	}
	if !r.IsOnline("u1") {
		t.Error("Expected IsOnline(u1) to be true")
	}

	got := l.all()
	if len(got) != 1 || got[0] != (notice{"u1", true}) {
		t.Errorf("Expected one online notification, got %v", got)
	}
}

// TestLastAuthWins tests that a second auth supersedes the first and that a
// stale disconnect does not clear the newer mapping.
func TestLastAuthWins(t *testing.T) {
	l := &recordingListener{}
	r := New(l)
	c1 := conntest.New("c1")
	c2 := conntest.New("c2")

	r.SetOnline("u", c1)
	r.SetOnline("u", c2)

	h, _ := r.Lookup("u")
	if h.ID() != "c2" {
		t.Fatalf("Expected u on c2, got %s", h.ID())
	}
	if len(c1.Frames()) != 0 {
		t.Error("Superseded connection must not be notified")
	}

	userID, wasCurrent := r.RemoveByConnection(c1)
	if userID != "u" {
		t.Errorf("Expected stale connection to report user u, got %q", userID)
	}
	if wasCurrent {
		t.Error("Expected stale connection not to be current")
	}
	if h, ok := r.Lookup("u"); !ok || h.ID() != "c2" {
		t.Error("Stale disconnect cleared the newer mapping")
	}

	for _, c := range l.all() {
		if !c.online {
			t.Errorf("Unexpected offline notification %v", c)
		}
	}

	if _, wasCurrent := r.RemoveByConnection(c2); !wasCurrent {
		t.Error("Expected c2 to be current")
	}
	if r.IsOnline("u") {
		t.Error("Expected u offline after its current connection left")
	}
	got := l.all()
	if last := got[len(got)-1]; last != (notice{"u", false}) {
		t.Errorf("Expected trailing offline notification, got %v", last)
	}
}

// TestReauthAsDifferentUser tests that a connection re-authenticating as
// another user releases the first identity.
func TestReauthAsDifferentUser(t *testing.T) {
	l := &recordingListener{}
	r := New(l)
	c := conntest.New("c1")

	r.SetOnline("alice", c)
	r.SetOnline("bob", c)

	if r.IsOnline("alice") {
		t.Error("Expected alice to be released")
	}
	if u, _ := r.UserOf(c); u != "bob" {
		t.Errorf("Expected connection bound to bob, got %q", u)
	}

	want := []notice{{"alice", true}, {"alice", false}, {"bob", true}}
	got := l.all()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// TestRemoveUnknownConnection tests that removing a connection that never
// authenticated is a no-op.
func TestRemoveUnknownConnection(t *testing.T) {
	l := &recordingListener{}
	r := New(l)

	userID, wasCurrent := r.RemoveByConnection(conntest.New("ghost"))
	if userID != "" || wasCurrent {
		t.Errorf("Expected no-op, got user=%q current=%v", userID, wasCurrent)
	}
	if len(l.all()) != 0 {
		t.Error("Expected no notifications")
	}
	if _, ok := r.RemoveByConnection(nil); ok {
		t.Error("Expected nil handle to be ignored")
	}
}

// TestOnlineUsersSorted tests the snapshot of online users.
func TestOnlineUsersSorted(t *testing.T) {
	r := New()
	r.SetOnline("u3", conntest.New("c3"))
	r.SetOnline("u1", conntest.New("c1"))
	r.SetOnline("u2", conntest.New("c2"))

	got := r.OnlineUsers()
	if fmt.Sprint(got) != "[u1 u2 u3]" {
		t.Errorf("Expected [u1 u2 u3], got %v", got)
	}
	if r.Len() != 3 {
		t.Errorf("Expected 3 online users, got %d", r.Len())
	}
}

// TestConcurrentAccess tests that concurrent auth, lookup and disconnect
// never leave a torn mapping behind.
func TestConcurrentAccess(t *testing.T) {
	r := New(ListenerFunc(func(string, bool) {}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := conntest.New(fmt.Sprintf("c%d", i))
			user := fmt.Sprintf("u%d", i%5)
			r.SetOnline(user, c)
			if h, ok := r.Lookup(user); ok && h == nil {
				t.Error("Lookup returned a nil handle")
			}
			r.RemoveByConnection(c)
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %v", r.OnlineUsers())
	}
}
