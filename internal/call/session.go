package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
)

// endWriteTimeout bounds the best-effort call-end and status writes made
// while tearing a session down.
const endWriteTimeout = 5 * time.Second

// Role is the local user's side of a call.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// SessionInfo is a point-in-time view of a session for the UI.
type SessionInfo struct {
	CallID             string           `json:"call_id"`
	PeerID             string           `json:"peer_id"`
	Role               Role             `json:"role"`
	Status             proto.CallStatus `json:"status"`
	Phase              Phase            `json:"phase"`
	Transport          TransportState   `json:"transport"`
	AudioEnabled       bool             `json:"audio_enabled"`
	VideoEnabled       bool             `json:"video_enabled"`
	RemoteAudioEnabled bool             `json:"remote_audio_enabled"`
	RemoteVideoEnabled bool             `json:"remote_video_enabled"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Session is one call as seen by one participant: the relay record, the
// local status machine and, once the call is accepted, a Negotiation.
type Session struct {
	m      *Manager
	callID string
	selfID string
	peerID string
	role   Role
	sm     *StateMachine

	mu          sync.Mutex
	record      proto.CallSession
	neg         *Negotiation
	transport   TransportState
	remoteAudio bool
	remoteVideo bool
	wroteActive bool
	released    bool

	recordSub *relay.Subscription
	offerOnce sync.Once
	endOnce   sync.Once
	done      chan struct{}
}

func newSession(m *Manager, rec proto.CallSession, role Role) *Session {
	return &Session{
		m:           m,
		callID:      rec.ID,
		selfID:      m.selfID,
		peerID:      rec.Peer(m.selfID),
		role:        role,
		sm:          NewStateMachine(rec.Status),
		record:      rec,
		transport:   StateNew,
		remoteAudio: true,
		remoteVideo: true,
		done:        make(chan struct{}),
	}
}

func (s *Session) CallID() string { return s.callID }
func (s *Session) PeerID() string { return s.peerID }
func (s *Session) Role() Role     { return s.role }

// Status is the local view of the call status.
func (s *Session) Status() proto.CallStatus { return s.sm.Status() }

// Done is closed once the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Negotiation returns the session's negotiation, or nil before accept.
func (s *Session) Negotiation() *Negotiation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neg
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		CallID:             s.callID,
		PeerID:             s.peerID,
		Role:               s.role,
		Transport:          s.transport,
		Phase:              PhaseNew,
		AudioEnabled:       true,
		VideoEnabled:       true,
		RemoteAudioEnabled: s.remoteAudio,
		RemoteVideoEnabled: s.remoteVideo,
		CreatedAt:          s.record.CreatedAt,
	}
	neg := s.neg
	s.mu.Unlock()
	info.Status = s.sm.Status()
	if neg != nil {
		info.Phase = neg.Phase()
		info.AudioEnabled, info.VideoEnabled = neg.MediaEnabled()
	}
	return info
}

func (s *Session) recordFilter() proto.Filter {
	return proto.Filter{
		Table:  proto.TableCalls,
		Event:  proto.EventUpdate,
		Column: "id",
		Value:  s.callID,
	}
}

// watchRecord follows updates to the call record. The feed is opened before
// any local write so no update is missed; consumption starts once begin
// returns.
func (s *Session) watchRecord(ctx context.Context) (begin func(), err error) {
	sub, err := s.m.relay.Subscribe(ctx, s.recordFilter())
	if err != nil {
		return nil, relayErr("subscribe call", err)
	}
	s.mu.Lock()
	s.recordSub = sub
	s.mu.Unlock()

	return func() {
		go s.followRecord(sub)
		// Catch an update that landed before the feed existed.
		if rec, err := s.m.relay.GetCall(ctx, s.callID); err == nil {
			s.onRecord(rec)
		}
	}, nil
}

// followRecord applies record updates until the session ends. A feed the
// relay cuts is reopened and the record re-read; if that fails the call is
// aborted.
func (s *Session) followRecord(sub *relay.Subscription) {
	for {
		for ch := range sub.C() {
			if ch.Call != nil {
				s.onRecord(*ch.Call)
			}
		}
		s.mu.Lock()
		released := s.released
		s.mu.Unlock()
		if released {
			return
		}
		log.Printf("CALL [%s]: call feed closed: %v", short(s.callID), sub.Err())
		next, err := s.m.relay.Subscribe(s.m.ctx, s.recordFilter())
		if err != nil {
			s.abort(relayErr("resubscribe call", err))
			return
		}
		s.mu.Lock()
		if s.released {
			s.mu.Unlock()
			next.Close()
			return
		}
		s.recordSub = next
		s.mu.Unlock()
		sub = next
		if rec, err := s.m.relay.GetCall(s.m.ctx, s.callID); err == nil {
			s.onRecord(rec)
		}
	}
}

// onRecord folds a fresh copy of the call record into the session.
func (s *Session) onRecord(rec proto.CallSession) {
	s.mu.Lock()
	s.record = rec
	s.mu.Unlock()

	if rec.Status.IsTerminal() {
		// Our own ringing write may have landed after an early decline and
		// hidden it. Writing the terminal status again restores it.
		rewrite := s.role == RoleCaller && rec.AcceptedAt == nil && !s.sm.WasActive()
		s.finish(rec.Status, rewrite, "remote")
		return
	}
	if s.sm.Observe(rec.Status) {
		s.m.emit(Notice{Type: NoticeStatus, CallID: s.callID, PeerID: s.peerID, Status: rec.Status})
	}
	if s.role == RoleCaller && rec.AcceptedAt != nil {
		s.offerOnce.Do(func() {
			log.Printf("CALL [%s]: %s accepted", short(s.callID), s.peerID)
			go s.negotiate(s.m.ctx)
		})
	}
}

// negotiate builds the Negotiation for this call: capture, bind, subscribe
// and, on the calling side, the offer. Any failure aborts the call.
func (s *Session) negotiate(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrCallOver
	default:
	}

	factory, constraints := s.m.sessionParams()
	if factory == nil {
		return s.abort(&NegotiationError{Op: "transport", Msg: "no transport factory"})
	}
	tr, err := factory(s.callID)
	if err != nil {
		return s.abort(&NegotiationError{Op: "transport", Msg: err.Error()})
	}
	neg := NewNegotiation(s.callID, s.selfID, s.role == RoleCaller, s.m.sig, tr)
	s.mu.Lock()
	s.neg = neg
	s.mu.Unlock()

	// An end that raced us must still release the transport.
	select {
	case <-s.done:
		neg.Cleanup()
		return ErrCallOver
	default:
	}

	if _, err := neg.AcquireLocalMedia(ctx, constraints); err != nil {
		return s.abort(err)
	}
	if err := neg.Bind(s.onRemoteTrack, s.onTransportState); err != nil {
		return s.abort(err)
	}
	// The loop outlives the accepting request.
	if err := neg.Start(s.m.ctx, s.onEvent); err != nil {
		return s.abort(err)
	}
	if s.role == RoleCaller {
		if err := neg.CreateOffer(ctx); err != nil {
			return s.abort(err)
		}
	}
	return nil
}

func (s *Session) onRemoteTrack(t RemoteTrack) {
	log.Printf("CALL [%s]: remote %s track %s", short(s.callID), t.Kind, t.TrackID)
	track := t
	s.m.emit(Notice{Type: NoticeRemoteTrack, CallID: s.callID, PeerID: s.peerID, Track: &track})
}

func (s *Session) onTransportState(state TransportState) {
	s.mu.Lock()
	s.transport = state
	s.mu.Unlock()

	n := Notice{Type: NoticeTransport, CallID: s.callID, PeerID: s.peerID, State: state}
	if state == StateDisconnected || state == StateFailed {
		n.Message = UserMessage(&TransportFailure{State: state})
	}
	s.m.emit(n)

	if state == StateConnected {
		s.markActive()
	}
}

// markActive moves to active and writes it once.
func (s *Session) markActive() {
	changed, err := s.sm.Transition(proto.StatusActive)
	if err != nil {
		log.Printf("CALL [%s]: %v", short(s.callID), err)
		return
	}
	if changed {
		s.m.emit(Notice{Type: NoticeStatus, CallID: s.callID, PeerID: s.peerID, Status: proto.StatusActive})
	}

	s.mu.Lock()
	if s.wroteActive {
		s.mu.Unlock()
		return
	}
	s.wroteActive = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.m.ctx, endWriteTimeout)
	defer cancel()
	if _, err := s.m.relay.UpdateCallStatus(ctx, s.callID, proto.StatusActive); err != nil {
		log.Printf("CALL [%s]: write active: %v", short(s.callID), err)
	}
}

// onEvent runs on the negotiation loop after each applied event.
func (s *Session) onEvent(ev Event) {
	switch e := ev.(type) {
	case CallEndReceived:
		log.Printf("CALL [%s]: call-end from %s", short(s.callID), e.From)
		s.finish(proto.StatusEnded, true, "remote")
	case ControlReceived:
		enabled := e.Msg.Enabled
		s.mu.Lock()
		switch e.Msg.Type {
		case ControlVideoToggle:
			s.remoteVideo = enabled
		case ControlAudioToggle:
			s.remoteAudio = enabled
		}
		s.mu.Unlock()
		typ := NoticeRemoteVideo
		if e.Msg.Type == ControlAudioToggle {
			typ = NoticeRemoteAudio
		}
		s.m.emit(Notice{Type: typ, CallID: s.callID, PeerID: s.peerID, Enabled: &enabled})
	case NegotiationFailed:
		if stalls(e.Err) {
			s.abort(e.Err)
			return
		}
		s.m.emit(Notice{Type: NoticeError, CallID: s.callID, PeerID: s.peerID, Error: e.Err.Error(), Message: UserMessage(e.Err)})
	}
}

// stalls reports whether err leaves the offer/answer exchange unable to
// finish. A bad candidate does not; the others may still connect.
func stalls(err error) bool {
	var re *RelayError
	if errors.As(err, &re) {
		return true
	}
	var ne *NegotiationError
	if errors.As(err, &ne) {
		switch ne.Op {
		case "create-offer", "create-answer", "handle-answer":
			return true
		}
	}
	return false
}

// abort reports err and ends the call locally.
func (s *Session) abort(err error) error {
	log.Printf("CALL [%s]: aborting: %v", short(s.callID), err)
	s.m.emit(Notice{Type: NoticeError, CallID: s.callID, PeerID: s.peerID, Error: err.Error(), Message: UserMessage(err)})
	ctx, cancel := context.WithTimeout(s.m.ctx, endWriteTimeout)
	defer cancel()
	_ = s.end(ctx, proto.StatusEnded)
	return err
}

// Hangup ends the call from this side. Local resources are released even
// when the relay cannot be reached; the relay error is returned.
func (s *Session) Hangup(ctx context.Context) error {
	return s.end(ctx, proto.StatusEnded)
}

// decline rejects a call that is not connected yet.
func (s *Session) decline(ctx context.Context) error {
	if s.sm.WasActive() {
		return s.end(ctx, proto.StatusEnded)
	}
	return s.end(ctx, proto.StatusDeclined)
}

// end releases everything first, then best-effort tells the peer.
func (s *Session) end(ctx context.Context, status proto.CallStatus) error {
	if !s.release(status, "local") {
		return nil
	}

	var errs []error
	if _, err := s.m.sig.Append(ctx, s.callID, proto.SignalCallEnd, nil); err != nil {
		errs = append(errs, relayErr("append call-end", err))
	}
	if _, err := s.m.relay.UpdateCallStatus(ctx, s.callID, s.sm.Status()); err != nil {
		errs = append(errs, relayErr("write "+string(s.sm.Status()), err))
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("CALL [%s]: peer may not know the call ended: %v", short(s.callID), err)
		return err
	}
	return nil
}

// finish ends the session because the other side did. write records the
// terminal status on the relay too, for a peer whose own write was lost.
func (s *Session) finish(status proto.CallStatus, write bool, by string) {
	if !s.release(status, by) || !write {
		return
	}
	ctx, cancel := context.WithTimeout(s.m.ctx, endWriteTimeout)
	defer cancel()
	if _, err := s.m.relay.UpdateCallStatus(ctx, s.callID, s.sm.Status()); err != nil {
		log.Printf("CALL [%s]: write %s: %v", short(s.callID), s.sm.Status(), err)
	}
}

// release moves to a terminal status and frees local resources once.
// It reports whether this call did the work.
func (s *Session) release(status proto.CallStatus, by string) bool {
	did := false
	s.endOnce.Do(func() {
		did = true
		if _, err := s.sm.Transition(status); err != nil {
			// declined after active is an end.
			_, _ = s.sm.Transition(proto.StatusEnded)
		}

		s.mu.Lock()
		s.released = true
		neg := s.neg
		sub := s.recordSub
		s.mu.Unlock()
		if neg != nil {
			neg.Cleanup()
		}
		if sub != nil {
			sub.Close()
		}
		close(s.done)

		final := s.sm.Status()
		log.Printf("CALL [%s]: %s (%s)", short(s.callID), final, by)
		n := Notice{Type: NoticeStatus, CallID: s.callID, PeerID: s.peerID, Status: final}
		if by == "remote" {
			n.Message = UserMessage(ErrCallOver)
		}
		s.m.emit(n)
		s.m.removeSession(s.callID)
	})
	return did
}

// ToggleAudio mutes or unmutes the local microphone.
func (s *Session) ToggleAudio(enabled bool) error {
	neg := s.Negotiation()
	if neg == nil {
		return &NegotiationError{Op: "toggle-audio", Msg: "call not connected yet"}
	}
	return neg.ToggleAudio(enabled)
}

// ToggleVideo turns the local camera on or off and notifies the peer.
func (s *Session) ToggleVideo(enabled bool) error {
	neg := s.Negotiation()
	if neg == nil {
		return &NegotiationError{Op: "toggle-video", Msg: "call not connected yet"}
	}
	return neg.ToggleVideo(enabled)
}
