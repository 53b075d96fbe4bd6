// Package call coordinates one-to-one calls between two peers that only
// ever talk through the relay: call records, the offer/answer/candidate
// exchange, and the local view of each call's status.
package call

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// Notice types surfaced to the UI.
const (
	NoticeIncoming    = "incoming"
	NoticeCancelled   = "cancelled"
	NoticeStatus      = "status"
	NoticeTransport   = "transport"
	NoticeRemoteTrack = "remote-track"
	NoticeRemoteVideo = "remote-video"
	NoticeRemoteAudio = "remote-audio"
	NoticeError       = "error"
)

// Notice is one UI-facing call notification.
type Notice struct {
	Type    string           `json:"type"`
	CallID  string           `json:"call_id"`
	PeerID  string           `json:"peer_id,omitempty"`
	Status  proto.CallStatus `json:"status,omitempty"`
	State   TransportState   `json:"state,omitempty"`
	Enabled *bool            `json:"enabled,omitempty"`
	Caller  *proto.Profile   `json:"caller,omitempty"`
	Track   *RemoteTrack     `json:"track,omitempty"`
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// PresenceChecker answers whether a user is worth calling.
type PresenceChecker interface {
	IsOnline(userID string) bool
}

type Options struct {
	SelfID     string
	Relay      relay.Relay
	Transports TransportFactory
	// Signals defaults to a signaling client for SelfID over Relay.
	Signals *signaling.Client
	// Presence is optional; without it every receiver is assumed reachable.
	Presence    PresenceChecker
	Constraints Constraints
}

// Manager owns the local user's call sessions.
type Manager struct {
	selfID      string
	relay       relay.Relay
	sig         *signaling.Client
	transports  TransportFactory
	presence    PresenceChecker
	constraints Constraints

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	subMu   sync.Mutex
	subs    map[int]chan Notice
	nextSub int

	incomingMu sync.RWMutex
	incoming   []func(IncomingCall)

	listener *IncomingListener
}

// NewManager creates a manager. Close releases every session.
func NewManager(opts Options) *Manager {
	sig := opts.Signals
	if sig == nil {
		sig = signaling.New(opts.Relay, opts.SelfID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		selfID:      opts.SelfID,
		relay:       opts.Relay,
		sig:         sig,
		transports:  opts.Transports,
		presence:    opts.Presence,
		constraints: opts.Constraints,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
		subs:        make(map[int]chan Notice),
	}
}

func (m *Manager) SelfID() string { return m.selfID }

// SetConstraints changes the capture constraints used by the next call.
func (m *Manager) SetConstraints(c Constraints) {
	m.mu.Lock()
	m.constraints = c
	m.mu.Unlock()
}

// SetTransports swaps the transport factory used by the next call.
func (m *Manager) SetTransports(f TransportFactory) {
	m.mu.Lock()
	m.transports = f
	m.mu.Unlock()
}

// StartCall creates a call record for receiverID and rings them. The
// negotiation starts once the receiver accepts.
func (m *Manager) StartCall(ctx context.Context, receiverID string) (*Session, error) {
	if receiverID == m.selfID {
		return nil, fmt.Errorf("cannot call yourself")
	}
	if m.presence != nil && !m.presence.IsOnline(receiverID) {
		return nil, ErrPeerOffline
	}

	rec, err := m.relay.CreateCall(ctx, m.selfID, receiverID)
	if err != nil {
		return nil, relayErr("create call", err)
	}
	s := newSession(m, rec, RoleCaller)
	m.addSession(s)

	begin, err := s.watchRecord(ctx)
	if err != nil {
		_ = s.end(ctx, proto.StatusEnded)
		return nil, err
	}
	if _, err := m.relay.UpdateCallStatus(ctx, rec.ID, proto.StatusRinging); err != nil {
		_ = s.end(ctx, proto.StatusEnded)
		return nil, relayErr("write ringing", err)
	}
	if s.sm.Observe(proto.StatusRinging) {
		m.emit(Notice{Type: NoticeStatus, CallID: rec.ID, PeerID: receiverID, Status: proto.StatusRinging})
	}
	begin()

	log.Printf("CALL [%s]: ringing %s", short(rec.ID), receiverID)
	return s, nil
}

// Accept answers an incoming call. Accepting a call twice returns the
// existing session.
func (m *Manager) Accept(ctx context.Context, callID string) (*Session, error) {
	if s, ok := m.Session(callID); ok {
		return s, nil
	}
	m.forgetIncoming(callID)
	rec, err := m.relay.GetCall(ctx, callID)
	if err != nil {
		return nil, relayErr("get call", err)
	}
	if rec.ReceiverID != m.selfID {
		return nil, ErrNotReceiver
	}
	if rec.Status.IsTerminal() {
		return nil, ErrCallOver
	}

	s := newSession(m, rec, RoleReceiver)
	if existing, ok := m.addSession(s); !ok {
		return existing, nil
	}
	begin, err := s.watchRecord(ctx)
	if err != nil {
		_ = s.end(ctx, proto.StatusEnded)
		return nil, err
	}
	begin()

	// Be listening for the offer before the caller learns we accepted.
	if err := s.negotiate(ctx); err != nil {
		return nil, err
	}
	if _, err := m.relay.MarkCallAccepted(ctx, callID); err != nil {
		return nil, s.abort(relayErr("accept", err))
	}
	log.Printf("CALL [%s]: accepted call from %s", short(callID), rec.CallerID)
	return s, nil
}

// Decline rejects an incoming call that has not connected.
func (m *Manager) Decline(ctx context.Context, callID string) error {
	if s, ok := m.Session(callID); ok {
		return s.decline(ctx)
	}
	m.forgetIncoming(callID)
	rec, err := m.relay.GetCall(ctx, callID)
	if err != nil {
		return relayErr("get call", err)
	}
	if rec.ReceiverID != m.selfID {
		return ErrNotReceiver
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	if _, err := m.relay.UpdateCallStatus(ctx, callID, proto.StatusDeclined); err != nil {
		return relayErr("write declined", err)
	}
	if _, err := m.sig.Append(ctx, callID, proto.SignalCallEnd, nil); err != nil {
		log.Printf("CALL [%s]: call-end after decline: %v", short(callID), err)
	}
	log.Printf("CALL [%s]: declined call from %s", short(callID), rec.CallerID)
	m.emit(Notice{Type: NoticeStatus, CallID: callID, PeerID: rec.CallerID, Status: proto.StatusDeclined})
	return nil
}

// Hangup ends a call this side is part of.
func (m *Manager) Hangup(ctx context.Context, callID string) error {
	s, ok := m.Session(callID)
	if !ok {
		return ErrUnknownCall
	}
	return s.Hangup(ctx)
}

func (m *Manager) ToggleAudio(callID string, enabled bool) error {
	s, ok := m.Session(callID)
	if !ok {
		return ErrUnknownCall
	}
	return s.ToggleAudio(enabled)
}

func (m *Manager) ToggleVideo(callID string, enabled bool) error {
	s, ok := m.Session(callID)
	if !ok {
		return ErrUnknownCall
	}
	return s.ToggleVideo(enabled)
}

// Session returns the live session for callID, if any.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

// Sessions lists live sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// addSession registers s unless a session for the same call exists.
func (m *Manager) addSession(s *Session) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.callID]; ok {
		return existing, false
	}
	m.sessions[s.callID] = s
	return s, true
}

func (m *Manager) removeSession(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

func (m *Manager) sessionParams() (TransportFactory, Constraints) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transports, m.constraints
}

// Listen starts the incoming-call listener for the local user. Incoming
// calls become NoticeIncoming notices and OnIncoming callbacks.
func (m *Manager) Listen(ctx context.Context) error {
	l := NewIncomingListener(m.relay, m.selfID, m)
	err := l.Start(ctx, func(ic IncomingCall) {
		caller := ic.Caller
		m.emit(Notice{Type: NoticeIncoming, CallID: ic.CallID, PeerID: caller.UserID, Status: ic.Status, Caller: &caller})
		m.incomingMu.RLock()
		handlers := make([]func(IncomingCall), len(m.incoming))
		copy(handlers, m.incoming)
		m.incomingMu.RUnlock()
		for _, fn := range handlers {
			fn(ic)
		}
	}, func(callID, callerID string) {
		m.emit(Notice{Type: NoticeCancelled, CallID: callID, PeerID: callerID, Message: UserMessage(ErrCallOver)})
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
	return nil
}

func (m *Manager) forgetIncoming(callID string) {
	m.mu.RLock()
	l := m.listener
	m.mu.RUnlock()
	if l != nil {
		l.Forget(callID)
	}
}

// OnIncoming registers a callback fired for each incoming call.
func (m *Manager) OnIncoming(fn func(IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Subscribe returns a feed of notices and a func that ends it.
func (m *Manager) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, 64)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) emit(n Notice) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close hangs up every live session and stops listening.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	l := m.listener
	m.listener = nil
	m.mu.Unlock()

	if l != nil {
		l.Stop()
	}
	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), endWriteTimeout)
		_ = s.Hangup(ctx)
		cancel()
	}
	m.cancel()
}
