// Package call brokers the signaling handshake between two users.
//
// The broker keeps one session per unordered pair of users and relays offers,
// answers and network candidates between exactly those two parties. Payloads
// are opaque: they are forwarded byte for byte and never inspected.
//
//	Idle --call-user--> Ringing --answer-call--> Connected
//	  ^                    |                         |
//	  +----reject-call-----+                         |
//	  +----hang-up / disconnect / ring timeout-------+
package call

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/conn"
	"github.com/Tyrowin/relaychat/internal/event"
	"github.com/Tyrowin/relaychat/internal/logger"
)

var (
	// ErrCalleeOffline is returned when call-user targets a user without a live connection.
	ErrCalleeOffline = errors.New("callee is offline")
	// ErrCallInProgress is returned when the pair already has a session.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNoSession is returned for signaling that refers to a pair with no session.
	ErrNoSession = errors.New("no call session")
	// ErrWrongPhase is returned when an event does not fit the session's phase.
	ErrWrongPhase = errors.New("call session in wrong phase")
)

// Phase of a call session. Idle means no session exists.
type Phase int

const (
	Idle Phase = iota
	Ringing
	Connected
)

func (p Phase) String() string {
	switch p {
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	default:
		return "idle"
	}
}

// Locator resolves a user to its current connection.
type Locator interface {
	Lookup(userID string) (conn.Handle, bool)
}

// Session is one call attempt between Caller and Callee.
type Session struct {
	Caller     string
	Callee     string
	CallerConn string
	CalleeConn string
	Phase      Phase
	StartedAt  time.Time
	AnsweredAt time.Time

	timer *time.Timer
}

// pair is the canonical unordered key of a session.
type pair struct{ lo, hi string }

func pairOf(a, b string) pair {
	if b < a {
		a, b = b, a
	}
	return pair{lo: a, hi: b}
}

// Broker owns every call session of the process.
type Broker struct {
	locator     Locator
	ringTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[pair]*Session
}

// Option configures a Broker.
type Option func(*Broker)

// WithRingTimeout ends a session that stays Ringing longer than d. Zero disables it.
func WithRingTimeout(d time.Duration) Option {
	return func(b *Broker) { b.ringTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a Broker that finds call parties through locator.
func New(locator Locator, opts ...Option) *Broker {
	b := &Broker{
		locator:  locator,
		now:      time.Now,
		sessions: make(map[pair]*Session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call opens a Ringing session and relays incoming-call to the callee. A
// callee that is not online creates no session and nothing is sent back.
func (b *Broker) Call(req *event.CallUser, from conn.Handle) error {
	callee, ok := b.locator.Lookup(req.TargetUserID)
	if !ok {
		return errors.Wrap(ErrCalleeOffline, req.TargetUserID)
	}

	key := pairOf(req.CallerID, req.TargetUserID)
	b.mu.Lock()
	if s, exists := b.sessions[key]; exists {
		b.mu.Unlock()
		return errors.Wrapf(ErrCallInProgress, "%s and %s are %s", s.Caller, s.Callee, s.Phase)
	}
	s := &Session{
		Caller:     req.CallerID,
		Callee:     req.TargetUserID,
		CalleeConn: callee.ID(),
		Phase:      Ringing,
		StartedAt:  b.now(),
	}
	if from != nil {
		s.CallerConn = from.ID()
	}
	if b.ringTimeout > 0 {
		s.timer = time.AfterFunc(b.ringTimeout, func() { b.expire(key, s) })
	}
	b.sessions[key] = s
	b.mu.Unlock()

	b.deliver(callee, req.TargetUserID, event.IncomingCall{
		CallerID:     req.CallerID,
		CallerName:   req.CallerName,
		CallerAvatar: req.CallerAvatar,
		Offer:        req.Offer,
	})
	return nil
}

// Answer moves a Ringing session to Connected and relays call-answered to the
// caller. TargetUserID names the caller and CallerID the answering user.
func (b *Broker) Answer(req *event.AnswerCall, from conn.Handle) error {
	caller, answerer := req.TargetUserID, req.CallerID

	b.mu.Lock()
	s, ok := b.sessions[pairOf(caller, answerer)]
	if !ok {
		b.mu.Unlock()
		return ErrNoSession
	}
	if s.Phase != Ringing || s.Callee != answerer {
		phase := s.Phase
		b.mu.Unlock()
		return errors.Wrapf(ErrWrongPhase, "answer from %s while %s", answerer, phase)
	}
	s.Phase = Connected
	s.AnsweredAt = b.now()
	if from != nil {
		s.CalleeConn = from.ID()
	}
	stopTimer(s)
	b.mu.Unlock()

	b.send(caller, event.CallAnswered{Answer: req.Answer, AnswererID: answerer})
	return nil
}

// Reject ends a Ringing session and tells the caller only.
func (b *Broker) Reject(req *event.RejectCall) error {
	key := pairOf(req.CallerID, req.RejecterID)

	b.mu.Lock()
	s, ok := b.sessions[key]
	if !ok {
		b.mu.Unlock()
		return ErrNoSession
	}
	if s.Phase != Ringing || s.Callee != req.RejecterID {
		phase := s.Phase
		b.mu.Unlock()
		return errors.Wrapf(ErrWrongPhase, "reject from %s while %s", req.RejecterID, phase)
	}
	delete(b.sessions, key)
	stopTimer(s)
	b.mu.Unlock()

	b.send(req.CallerID, event.CallRejected{RejecterName: req.RejecterName})
	return nil
}

// Candidate relays a network candidate to the other party of an active session.
func (b *Broker) Candidate(req *event.IceCandidate) error {
	b.mu.Lock()
	_, ok := b.sessions[pairOf(req.FromUserID, req.TargetUserID)]
	b.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	b.send(req.TargetUserID, event.CandidateRelay{Candidate: req.Candidate, FromUserID: req.FromUserID})
	return nil
}

// HangUp ends whatever session the pair has and sends call-ended to both
// users that are reachable. It reports whether a session existed.
func (b *Broker) HangUp(req *event.HangUp) bool {
	key := pairOf(req.UserID1, req.UserID2)

	b.mu.Lock()
	s, existed := b.sessions[key]
	if existed {
		delete(b.sessions, key)
		stopTimer(s)
	}
	b.mu.Unlock()

	b.send(req.UserID1, event.CallEnded{})
	b.send(req.UserID2, event.CallEnded{})
	return existed
}

// DropConnection ends every session bound to connID and sends call-ended to
// the surviving party of each. It returns the ended sessions.
func (b *Broker) DropConnection(connID string) []Session {
	if connID == "" {
		return nil
	}

	type survivor struct {
		session Session
		userID  string
	}
	var ended []survivor

	b.mu.Lock()
	for key, s := range b.sessions {
		var other string
		switch connID {
		case s.CallerConn:
			other = s.Callee
		case s.CalleeConn:
			other = s.Caller
		default:
			continue
		}
		delete(b.sessions, key)
		stopTimer(s)
		ended = append(ended, survivor{session: *s, userID: other})
	}
	b.mu.Unlock()

	out := make([]Session, 0, len(ended))
	for _, e := range ended {
		b.send(e.userID, event.CallEnded{})
		out = append(out, e.session)
	}
	return out
}

// expire ends s if it is still the pair's Ringing session.
func (b *Broker) expire(key pair, s *Session) {
	b.mu.Lock()
	if b.sessions[key] != s || s.Phase != Ringing {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, key)
	b.mu.Unlock()

	logger.Info("Call ring timeout", zap.String("caller", s.Caller), zap.String("callee", s.Callee))
	b.send(s.Caller, event.CallEnded{})
	b.send(s.Callee, event.CallEnded{})
}

// Phase returns the phase of the pair's session, Idle when none exists.
func (b *Broker) Phase(a, c string) Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[pairOf(a, c)]; ok {
		return s.Phase
	}
	return Idle
}

// Session returns a copy of the pair's session.
func (b *Broker) Session(a, c string) (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[pairOf(a, c)]
	if !ok {
		return Session{}, false
	}
	cp := *s
	cp.timer = nil
	return cp, true
}

// Active returns a copy of every session, ordered by caller then callee.
func (b *Broker) Active() []Session {
	b.mu.Lock()
	out := make([]Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		cp := *s
		cp.timer = nil
		out = append(out, cp)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Caller != out[j].Caller {
			return out[i].Caller < out[j].Caller
		}
		return out[i].Callee < out[j].Callee
	})
	return out
}

// Close stops ring timers and forgets every session without notifying anyone.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, s := range b.sessions {
		stopTimer(s)
		delete(b.sessions, key)
	}
}

func stopTimer(s *Session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// send relays o to userID's current connection. Unreachable targets are
// dropped silently.
func (b *Broker) send(userID string, o event.Outbound) {
	h, ok := b.locator.Lookup(userID)
	if !ok {
		logger.Debug("Call relay target offline", zap.String("user", userID), zap.String("event", o.Name()))
		return
	}
	b.deliver(h, userID, o)
}

func (b *Broker) deliver(h conn.Handle, userID string, o event.Outbound) {
	payload, err := event.Encode(o)
	if err != nil {
		logger.Error("Failed to encode call event", zap.String("event", o.Name()), zap.Error(err))
		return
	}
	if !h.Deliver(payload) {
		logger.Warn("Call relay dropped, send buffer full",
			zap.String("user", userID), zap.String("conn", h.ID()), zap.String("event", o.Name()))
	}
}
