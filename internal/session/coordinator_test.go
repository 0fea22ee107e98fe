package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/relaychat/internal/call"
	"github.com/Tyrowin/relaychat/internal/conn"
	"github.com/Tyrowin/relaychat/internal/conn/conntest"
	"github.com/Tyrowin/relaychat/internal/event"
	"github.com/Tyrowin/relaychat/internal/presence"
	"github.com/Tyrowin/relaychat/internal/rooms"
	"github.com/Tyrowin/relaychat/internal/store"
)

// fakeStore keeps messages in memory and can be told to fail.
type fakeStore struct {
	mu        sync.Mutex
	messages  []store.Message
	users     map[string]store.User
	failWrite bool
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]store.User{
		"u1": {ID: "u1", Username: "alice", AvatarColor: "#3390ec"},
		"u2": {ID: "u2", Username: "bob", AvatarColor: "#4caf50"},
	}}
}

func (s *fakeStore) AppendMessage(_ context.Context, chatID, senderID, content string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return store.Message{}, errors.New("disk full")
	}
	s.seq++
	m := store.Message{
		ID:        fmt.Sprintf("m%d", s.seq),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *fakeStore) FindUserByID(_ context.Context, id string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

// allConns stands in for the hub: it broadcasts to every registered recorder.
type allConns struct {
	mu    sync.Mutex
	conns []*conntest.Recorder
}

func (a *allConns) add(r *conntest.Recorder) *conntest.Recorder {
	a.mu.Lock()
	a.conns = append(a.conns, r)
	a.mu.Unlock()
	return r
}

func (a *allConns) BroadcastAll(payload []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.conns {
		if c.Deliver(payload) {
			n++
		}
	}
	return n
}

type recordingObserver struct {
	mu   sync.Mutex
	msgs []event.ChatMessage
}

func (o *recordingObserver) MessageStored(m event.ChatMessage) {
	o.mu.Lock()
	o.msgs = append(o.msgs, m)
	o.mu.Unlock()
}

type fixture struct {
	coord    *Coordinator
	registry *presence.Registry
	router   *rooms.Router
	broker   *call.Broker
	store    *fakeStore
	everyone *allConns
	observer *recordingObserver
}

func newFixture() *fixture {
	f := &fixture{
		registry: presence.New(),
		router:   rooms.New(),
		store:    newFakeStore(),
		everyone: &allConns{},
		observer: &recordingObserver{},
	}
	f.broker = call.New(f.registry)
	f.coord = New(f.registry, f.router, f.broker, f.store, f.everyone, WithMessageObserver(f.observer))
	return f
}

// send decodes raw like the transport does and hands it to the coordinator.
func (f *fixture) send(t *testing.T, h conn.Handle, raw string) {
	t.Helper()
	in, err := event.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", raw, err)
	}
	f.coord.Handle(context.Background(), h, in)
}

// TestCallScenario tests the two-user call flow end to end.
// It verifies incoming-call, call-answered and call-ended reach the right
// connections with the right payloads.
func TestCallScenario(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	b := f.everyone.add(conntest.New("conn-b"))

	f.send(t, a, `{"event":"auth","data":"u1"}`)
	f.send(t, b, `{"event":"auth","data":"u2"}`)

	f.send(t, a, `{"event":"call-user","data":{"targetUserId":"u2","callerId":"u1","callerName":"alice","callerAvatar":"#3390ec","offer":{"sdp":"x"}}}`)
	incoming := b.Named(event.NameIncomingCall)
	if len(incoming) != 1 {
		t.Fatalf("Expected B to receive incoming-call, got %d", len(incoming))
	}
	var ic event.IncomingCall
	_ = incoming[0].Decode(&ic)
	if ic.CallerID != "u1" {
		t.Errorf("Expected callerId u1, got %q", ic.CallerID)
	}

	f.send(t, b, `{"event":"answer-call","data":{"targetUserId":"u1","callerId":"u2","answer":{"sdp":"y"}}}`)
	answered := a.Named(event.NameCallAnswered)
	if len(answered) != 1 {
		t.Fatalf("Expected A to receive call-answered, got %d", len(answered))
	}
	var ca event.CallAnswered
	_ = answered[0].Decode(&ca)
	if ca.AnswererID != "u2" || string(ca.Answer) != `{"sdp":"y"}` {
		t.Errorf("Unexpected call-answered %+v", ca)
	}
	if f.broker.Phase("u1", "u2") != call.Connected {
		t.Errorf("Expected Connected, got %s", f.broker.Phase("u1", "u2"))
	}

	f.send(t, b, `{"event":"hang-up","data":{"userId1":"u1","userId2":"u2"}}`)
	if a.Count(event.NameCallEnded) != 1 || b.Count(event.NameCallEnded) != 1 {
		t.Errorf("Expected call-ended on both sides, got a=%d b=%d", a.Count(event.NameCallEnded), b.Count(event.NameCallEnded))
	}
	if f.broker.Phase("u1", "u2") != call.Idle {
		t.Error("Expected Idle after hang-up")
	}
}

// TestSendMessageEcho tests that a sender joined to the chat gets its own
// message back with a generated id and timestamp.
func TestSendMessageEcho(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	f.send(t, a, `{"event":"auth","data":"u1"}`)
	f.send(t, a, `{"event":"join_chat","data":"c1"}`)

	f.send(t, a, `{"event":"send_message","data":{"chatId":"c1","senderId":"u1","content":"hi"}}`)

	frames := a.Named(event.NameNewMessage)
	if len(frames) != 1 {
		t.Fatalf("Expected one new_message echo, got %d", len(frames))
	}
	var msg event.ChatMessage
	if err := frames[0].Decode(&msg); err != nil {
		t.Fatalf("Failed to decode new_message: %v", err)
	}
	if msg.Content != "hi" || msg.ChatID != "c1" || msg.SenderID != "u1" {
		t.Errorf("Unexpected message %+v", msg)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Errorf("Expected generated id and timestamp, got %+v", msg)
	}
	if msg.Username != "alice" || msg.AvatarColor != "#3390ec" {
		t.Errorf("Expected sender display info, got %+v", msg)
	}
	if len(f.observer.msgs) != 1 {
		t.Errorf("Expected observer to see 1 message, got %d", len(f.observer.msgs))
	}
}

// TestSendMessagePersistFailure tests that a failed write is not broadcast
// and is reported to the sender only.
func TestSendMessagePersistFailure(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	b := f.everyone.add(conntest.New("conn-b"))
	f.send(t, a, `{"event":"join_chat","data":"c1"}`)
	f.send(t, b, `{"event":"join_chat","data":"c1"}`)
	f.store.failWrite = true

	f.send(t, a, `{"event":"send_message","data":{"chatId":"c1","senderId":"u1","content":"lost?"}}`)

	if a.Count(event.NameNewMessage)+b.Count(event.NameNewMessage) != 0 {
		t.Error("Unpersisted message was broadcast")
	}
	failed := a.Named(event.NameMessageFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected message_failed to sender, got %d", len(failed))
	}
	var mf event.MessageFailed
	_ = failed[0].Decode(&mf)
	if mf.ChatID != "c1" || mf.Content != "lost?" || mf.Error == "" {
		t.Errorf("Unexpected message_failed %+v", mf)
	}
	if b.Count(event.NameMessageFailed) != 0 {
		t.Error("Other members must not see message_failed")
	}
}

// TestSendMessageUnknownSender tests delivery without display info when the
// sender cannot be looked up after a successful write.
func TestSendMessageUnknownSender(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	f.send(t, a, `{"event":"join_chat","data":"c1"}`)

	f.send(t, a, `{"event":"send_message","data":{"chatId":"c1","senderId":"ghost","content":"boo"}}`)

	frames := a.Named(event.NameNewMessage)
	if len(frames) != 1 {
		t.Fatalf("Expected new_message, got %d", len(frames))
	}
	var msg event.ChatMessage
	_ = frames[0].Decode(&msg)
	if msg.Username != "" || msg.Content != "boo" {
		t.Errorf("Unexpected message %+v", msg)
	}
}

// TestTypingExcludesSender tests typing indicators.
func TestTypingExcludesSender(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	b := f.everyone.add(conntest.New("conn-b"))
	f.send(t, a, `{"event":"join_chat","data":"c1"}`)
	f.send(t, b, `{"event":"join_chat","data":"c1"}`)

	f.send(t, a, `{"event":"typing","data":{"chatId":"c1","userId":"u1","username":"alice"}}`)
	f.send(t, a, `{"event":"stop_typing","data":{"chatId":"c1","userId":"u1"}}`)

	if len(a.Frames()) != 0 {
		t.Errorf("Sender received its own typing events: %v", a.Frames())
	}
	typing := b.Named(event.NameUserTyping)
	if len(typing) != 1 {
		t.Fatalf("Expected user_typing at peer, got %d", len(typing))
	}
	var ut event.UserTyping
	_ = typing[0].Decode(&ut)
	if ut.UserID != "u1" || ut.Username != "alice" {
		t.Errorf("Unexpected user_typing %+v", ut)
	}
	if b.Count(event.NameUserStopTyping) != 1 {
		t.Error("Expected user_stop_typing at peer")
	}
}

// TestLeaveChatIdempotent tests repeated leave without join, then join/leave.
func TestLeaveChatIdempotent(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))

	f.send(t, a, `{"event":"leave_chat","data":"c1"}`)
	f.send(t, a, `{"event":"leave_chat","data":"c1"}`)

	f.send(t, a, `{"event":"join_chat","data":"c1"}`)
	f.send(t, a, `{"event":"leave_chat","data":{"chatId":"c1"}}`)
	f.send(t, a, `{"event":"send_message","data":{"chatId":"c1","senderId":"u1","content":"hi"}}`)

	if a.Count(event.NameNewMessage) != 0 {
		t.Error("Connection received a message after leaving")
	}
}

// TestPresenceBroadcast tests that every presence change reaches all connections.
func TestPresenceBroadcast(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	b := f.everyone.add(conntest.New("conn-b"))

	f.send(t, a, `{"event":"auth","data":"u1"}`)

	statuses := b.Named(event.NameUserStatus)
	if len(statuses) != 1 {
		t.Fatalf("Expected one user_status, got %d", len(statuses))
	}
	var us event.UserStatus
	_ = statuses[0].Decode(&us)
	if us.UserID != "u1" || !us.Online {
		t.Errorf("Unexpected user_status %+v", us)
	}

	f.coord.Disconnect(a)
	statuses = b.Named(event.NameUserStatus)
	_ = statuses[len(statuses)-1].Decode(&us)
	if us.UserID != "u1" || us.Online {
		t.Errorf("Expected offline status, got %+v", us)
	}
}

// TestStaleDisconnect tests that closing a superseded connection keeps the
// user online and announces nothing.
func TestStaleDisconnect(t *testing.T) {
	f := newFixture()
	old := f.everyone.add(conntest.New("tab-1"))
	current := f.everyone.add(conntest.New("tab-2"))
	watcher := f.everyone.add(conntest.New("watcher"))

	f.send(t, old, `{"event":"auth","data":"u1"}`)
	f.send(t, current, `{"event":"auth","data":"u1"}`)
	watcher.Reset()

	f.coord.Disconnect(old)

	if h, ok := f.registry.Lookup("u1"); !ok || h.ID() != "tab-2" {
		t.Error("Stale disconnect cleared the current connection")
	}
	if watcher.Count(event.NameUserStatus) != 0 {
		t.Error("Stale disconnect announced a presence change")
	}
}

// TestDisconnectDuringCall tests that the survivor learns the call ended and
// that the pair can call again.
func TestDisconnectDuringCall(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	b := f.everyone.add(conntest.New("conn-b"))
	f.send(t, a, `{"event":"auth","data":"u1"}`)
	f.send(t, b, `{"event":"auth","data":"u2"}`)
	f.send(t, a, `{"event":"join_chat","data":"c1"}`)
	f.send(t, a, `{"event":"call-user","data":{"targetUserId":"u2","callerId":"u1","offer":{"sdp":"x"}}}`)
	f.send(t, b, `{"event":"answer-call","data":{"targetUserId":"u1","callerId":"u2","answer":{"sdp":"y"}}}`)

	f.coord.Disconnect(a)

	if b.Count(event.NameCallEnded) != 1 {
		t.Errorf("Expected survivor to get one call-ended, got %d", b.Count(event.NameCallEnded))
	}
	if f.broker.Phase("u1", "u2") != call.Idle {
		t.Error("Expected Idle after disconnect")
	}
	if len(f.router.RoomsOf(a)) != 0 {
		t.Error("Expected rooms to be left on disconnect")
	}

	a2 := f.everyone.add(conntest.New("conn-a2"))
	f.send(t, a2, `{"event":"auth","data":"u1"}`)
	f.send(t, a2, `{"event":"call-user","data":{"targetUserId":"u2","callerId":"u1"}}`)
	if f.broker.Phase("u1", "u2") != call.Ringing {
		t.Error("Expected a fresh call to ring")
	}
}

// TestCallToOfflineUser tests that an unreachable callee leaves no trace.
func TestCallToOfflineUser(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	f.send(t, a, `{"event":"auth","data":"u1"}`)
	a.Reset()

	f.send(t, a, `{"event":"call-user","data":{"targetUserId":"u2","callerId":"u1","offer":{"sdp":"x"}}}`)

	if len(a.Frames()) != 0 {
		t.Errorf("Caller was told about the failed ring: %v", a.Frames())
	}
	if len(f.broker.Active()) != 0 {
		t.Error("Expected no session")
	}
}

// TestHandleRecoversFromPanic tests that a failing connection cannot take the
// coordinator down.
func TestHandleRecoversFromPanic(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	f.send(t, a, `{"event":"join_chat","data":"c1"}`)
	f.coord.store = panickingStore{}

	f.send(t, a, `{"event":"send_message","data":{"chatId":"c1","senderId":"u1","content":"hi"}}`)

	f.coord.store = f.store
	f.send(t, a, `{"event":"send_message","data":{"chatId":"c1","senderId":"u1","content":"again"}}`)
	if a.Count(event.NameNewMessage) != 1 {
		t.Error("Coordinator did not keep working after a panic")
	}
}

type panickingStore struct{}

func (panickingStore) AppendMessage(context.Context, string, string, string) (store.Message, error) {
	panic("boom")
}

func (panickingStore) FindUserByID(context.Context, string) (store.User, error) {
	panic("boom")
}

// TestCandidateRelayedVerbatim tests ice-candidate passthrough via the coordinator.
func TestCandidateRelayedVerbatim(t *testing.T) {
	f := newFixture()
	a := f.everyone.add(conntest.New("conn-a"))
	b := f.everyone.add(conntest.New("conn-b"))
	f.send(t, a, `{"event":"auth","data":"u1"}`)
	f.send(t, b, `{"event":"auth","data":"u2"}`)
	f.send(t, a, `{"event":"call-user","data":{"targetUserId":"u2","callerId":"u1"}}`)

	f.send(t, a, `{"event":"ice-candidate","data":{"targetUserId":"u2","fromUserId":"u1","candidate":{"candidate":"c","sdpMLineIndex":0}}}`)

	frames := b.Named(event.NameIceCandidate)
	if len(frames) != 1 {
		t.Fatalf("Expected one candidate, got %d", len(frames))
	}
	var relay struct {
		Candidate  json.RawMessage `json:"candidate"`
		FromUserID string          `json:"fromUserId"`
	}
	_ = frames[0].Decode(&relay)
	if string(relay.Candidate) != `{"candidate":"c","sdpMLineIndex":0}` || relay.FromUserID != "u1" {
		t.Errorf("Unexpected relay %+v", relay)
	}
}
