package call

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// Phase is the negotiation's progress over the peer transport.
type Phase string

const (
	PhaseNew            Phase = "new"
	PhaseHaveLocalMedia Phase = "have-local-media"
	PhaseNegotiating    Phase = "negotiating"
	PhaseConnected      Phase = "connected"
	PhaseDisconnected   Phase = "disconnected"
	PhaseFailed         Phase = "failed"
	PhaseClosed         Phase = "closed"
)

// eventBuffer bounds queued events before transport callbacks block.
const eventBuffer = 128

// candidateAppendTimeout bounds the fire-and-forget append of one local
// candidate.
const candidateAppendTimeout = 10 * time.Second

// Negotiation drives the offer/answer/candidate exchange for one call
// attempt over one Transport. Relay signals and transport callbacks are
// queued on a single channel and applied by one loop.
type Negotiation struct {
	callID    string
	selfID    string
	initiator bool
	sig       *signaling.Client
	tr        Transport

	mu            sync.Mutex
	phase         Phase
	localDescSet  bool
	remoteDescSet bool
	// remoteApplied flips once the transport holds the remote description;
	// candidates queue until then.
	remoteApplied bool
	pending       []proto.ICECandidateInit
	audioEnabled  bool
	videoEnabled  bool

	events   chan Event
	closed   chan struct{}
	loopDone chan struct{}
	started  bool

	onRemoteStream func(RemoteTrack)
	onStateChange  func(TransportState)
	onEvent        func(Event)

	// ctrlMu keeps toggle notices in flag order on the control channel.
	ctrlMu sync.Mutex

	sub         *signaling.Subscription
	cleanupOnce sync.Once
}

// NewNegotiation creates the manager for callID as seen by selfID. The
// initiator produces the offer; the other side answers.
func NewNegotiation(callID, selfID string, initiator bool, sig *signaling.Client, tr Transport) *Negotiation {
	return &Negotiation{
		callID:       callID,
		selfID:       selfID,
		initiator:    initiator,
		sig:          sig,
		tr:           tr,
		phase:        PhaseNew,
		audioEnabled: true,
		videoEnabled: true,
		events:       make(chan Event, eventBuffer),
		closed:       make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
}

func (n *Negotiation) CallID() string { return n.callID }

func (n *Negotiation) Phase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

func (n *Negotiation) setPhase(p Phase) {
	n.mu.Lock()
	if n.phase != PhaseClosed {
		n.phase = p
	}
	n.mu.Unlock()
}

// AcquireLocalMedia opens the local devices named by c.
func (n *Negotiation) AcquireLocalMedia(ctx context.Context, c Constraints) (LocalStream, error) {
	ls, err := n.tr.AcquireLocalMedia(ctx, c)
	if err != nil {
		log.Printf("CALL [%s]: local media failed: %v", short(n.callID), err)
		return LocalStream{}, &MediaAcquisitionError{Err: err}
	}
	n.mu.Lock()
	if n.phase == PhaseNew {
		n.phase = PhaseHaveLocalMedia
	}
	n.audioEnabled, n.videoEnabled = ls.Audio, ls.Video
	n.mu.Unlock()
	log.Printf("CALL [%s]: local media ready (audio=%v video=%v)", short(n.callID), ls.Audio, ls.Video)
	return ls, nil
}

// Bind attaches local tracks and registers the remote-track and
// state-change callbacks. Callbacks run on the negotiation loop.
func (n *Negotiation) Bind(onRemoteStream func(RemoteTrack), onStateChange func(TransportState)) error {
	n.mu.Lock()
	n.onRemoteStream = onRemoteStream
	n.onStateChange = onStateChange
	n.mu.Unlock()

	n.tr.SetHandlers(TransportHandlers{
		OnLocalCandidate: n.sendLocalCandidate,
		OnStateChange:    func(s TransportState) { n.post(StateChanged{State: s}) },
		OnRemoteTrack:    func(t RemoteTrack) { n.post(RemoteTrackAdded{Track: t}) },
		OnControl:        func(m ControlMessage) { n.post(ControlReceived{Msg: m}) },
		OnControlOpen:    func() { n.post(ControlOpened{}) },
	})
	if err := n.tr.AttachLocalMedia(); err != nil {
		return &NegotiationError{Op: "bind", Msg: err.Error()}
	}
	return nil
}

// Start subscribes to the peer's signals for this call and runs the event
// loop. onEvent sees every event after the negotiation has applied it.
func (n *Negotiation) Start(ctx context.Context, onEvent func(Event)) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return &NegotiationError{Op: "start", Msg: "already started"}
	}
	n.started = true
	n.onEvent = onEvent
	n.mu.Unlock()

	sub, err := n.sig.Subscribe(ctx, n.callID, signaling.Handlers{
		proto.SignalOffer:     n.onSignal,
		proto.SignalAnswer:    n.onSignal,
		proto.SignalCandidate: n.onSignal,
		proto.SignalCallEnd:   n.onSignal,
	}, signaling.SubscribeOptions{
		Replay: true,
		OnLost: func(err error) { n.post(FeedLost{Err: err}) },
	})
	if err != nil {
		close(n.loopDone)
		return relayErr("subscribe", err)
	}

	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	select {
	case <-n.closed:
		// Cleaned up while subscribing.
		sub.Unsubscribe()
		close(n.loopDone)
		return nil
	default:
	}

	go n.run(ctx)
	return nil
}

// onSignal turns a relay row into a loop event.
func (n *Negotiation) onSignal(m proto.SignalMessage) {
	switch m.Type {
	case proto.SignalOffer, proto.SignalAnswer:
		var d proto.SDPData
		if err := json.Unmarshal(m.Data, &d); err != nil || d.SDP == "" {
			log.Printf("CALL [%s]: malformed %s from %s", short(n.callID), m.Type, m.SenderID)
			return
		}
		if m.Type == proto.SignalOffer {
			n.post(OfferReceived{From: m.SenderID, SDP: d.SDP})
		} else {
			n.post(AnswerReceived{From: m.SenderID, SDP: d.SDP})
		}
	case proto.SignalCandidate:
		var d proto.CandidateData
		if err := json.Unmarshal(m.Data, &d); err != nil || d.Candidate.Candidate == "" {
			log.Printf("CALL [%s]: malformed candidate from %s", short(n.callID), m.SenderID)
			return
		}
		n.post(CandidateReceived{From: m.SenderID, Candidate: d.Candidate})
	case proto.SignalCallEnd:
		n.post(CallEndReceived{From: m.SenderID})
	}
}

// post queues ev unless the negotiation is closed.
func (n *Negotiation) post(ev Event) {
	select {
	case <-n.closed:
		return
	default:
	}
	select {
	case n.events <- ev:
	case <-n.closed:
	}
}

func (n *Negotiation) run(ctx context.Context) {
	defer close(n.loopDone)
	for {
		select {
		case <-n.closed:
			return
		case ev := <-n.events:
			n.handle(ctx, ev)
		}
	}
}

func (n *Negotiation) handle(ctx context.Context, ev Event) {
	var err error
	switch e := ev.(type) {
	case OfferReceived:
		if n.initiator {
			log.Printf("CALL [%s]: ignoring offer on the initiating side", short(n.callID))
			return
		}
		err = n.CreateAnswer(ctx, e.SDP)
	case AnswerReceived:
		err = n.HandleAnswer(e.SDP)
	case CandidateReceived:
		err = n.HandleRemoteCandidate(e.Candidate)
	case StateChanged:
		n.applyState(e.State)
	case FeedLost:
		err = relayErr("signal feed", e.Err)
	case ControlOpened:
		// Toggles made before the channel opened were not delivered.
		n.announce(KindAudio, KindVideo)
	case RemoteTrackAdded:
		n.mu.Lock()
		fn := n.onRemoteStream
		n.mu.Unlock()
		if fn != nil {
			fn(e.Track)
		}
	}

	n.mu.Lock()
	onEvent := n.onEvent
	n.mu.Unlock()
	if err != nil {
		log.Printf("CALL [%s]: %v", short(n.callID), err)
		if onEvent != nil {
			onEvent(NegotiationFailed{Err: err})
		}
		return
	}
	if onEvent != nil {
		onEvent(ev)
	}
}

func (n *Negotiation) applyState(s TransportState) {
	switch s {
	case StateConnected:
		n.setPhase(PhaseConnected)
	case StateDisconnected:
		n.setPhase(PhaseDisconnected)
	case StateFailed:
		n.setPhase(PhaseFailed)
	}
	log.Printf("CALL [%s]: transport %s", short(n.callID), s)
	n.mu.Lock()
	fn := n.onStateChange
	n.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// CreateOffer sets and publishes the local offer. Initiator only, once.
func (n *Negotiation) CreateOffer(ctx context.Context) error {
	if !n.initiator {
		return &NegotiationError{Op: "create-offer", Msg: "only the initiating side makes the offer"}
	}
	n.mu.Lock()
	if n.phase == PhaseClosed {
		n.mu.Unlock()
		return &NegotiationError{Op: "create-offer", Msg: "negotiation closed"}
	}
	if n.localDescSet {
		n.mu.Unlock()
		return &NegotiationError{Op: "create-offer", Msg: "local description already set"}
	}
	// Claimed before the await so a racing second call fails fast.
	n.localDescSet = true
	n.mu.Unlock()

	sdp, err := n.tr.CreateOffer(ctx)
	if err != nil {
		n.mu.Lock()
		n.localDescSet = false
		n.mu.Unlock()
		return &NegotiationError{Op: "create-offer", Msg: err.Error()}
	}
	n.setPhase(PhaseNegotiating)

	if _, err := n.sig.AppendRetry(ctx, n.callID, proto.SignalOffer, proto.SDPData{SDP: sdp}); err != nil {
		return relayErr("append offer", err)
	}
	log.Printf("CALL [%s]: offer sent", short(n.callID))
	return nil
}

// CreateAnswer applies the peer's offer and publishes our answer. Offers
// after the first are ignored.
func (n *Negotiation) CreateAnswer(ctx context.Context, offerSDP string) error {
	if n.initiator {
		return &NegotiationError{Op: "create-answer", Msg: "only the responding side answers"}
	}
	n.mu.Lock()
	if n.phase == PhaseClosed {
		n.mu.Unlock()
		return nil
	}
	if n.remoteDescSet || n.localDescSet {
		n.mu.Unlock()
		log.Printf("CALL [%s]: duplicate offer ignored", short(n.callID))
		return nil
	}
	n.remoteDescSet = true
	n.localDescSet = true
	n.mu.Unlock()

	if err := n.tr.SetRemoteDescription(proto.SignalOffer, offerSDP); err != nil {
		return &NegotiationError{Op: "create-answer", Msg: "apply offer: " + err.Error()}
	}
	n.flushCandidates()

	sdp, err := n.tr.CreateAnswer(ctx)
	if err != nil {
		return &NegotiationError{Op: "create-answer", Msg: err.Error()}
	}
	n.setPhase(PhaseNegotiating)

	if _, err := n.sig.AppendRetry(ctx, n.callID, proto.SignalAnswer, proto.SDPData{SDP: sdp}); err != nil {
		return relayErr("append answer", err)
	}
	log.Printf("CALL [%s]: answer sent", short(n.callID))
	return nil
}

// HandleAnswer applies the peer's answer on the initiating side. Once a
// remote description is set, further answers are no-ops.
func (n *Negotiation) HandleAnswer(answerSDP string) error {
	if !n.initiator {
		return &NegotiationError{Op: "handle-answer", Msg: "answer received on the responding side"}
	}
	n.mu.Lock()
	if n.phase == PhaseClosed || n.remoteDescSet {
		n.mu.Unlock()
		return nil
	}
	if !n.localDescSet {
		n.mu.Unlock()
		return &NegotiationError{Op: "handle-answer", Msg: "answer before offer"}
	}
	n.remoteDescSet = true
	n.mu.Unlock()

	if err := n.tr.SetRemoteDescription(proto.SignalAnswer, answerSDP); err != nil {
		return &NegotiationError{Op: "handle-answer", Msg: err.Error()}
	}
	log.Printf("CALL [%s]: answer applied", short(n.callID))
	n.flushCandidates()
	return nil
}

// HandleRemoteCandidate applies c, or queues it until the remote
// description is set.
func (n *Negotiation) HandleRemoteCandidate(c proto.ICECandidateInit) error {
	n.mu.Lock()
	if n.phase == PhaseClosed {
		n.mu.Unlock()
		return nil
	}
	if !n.remoteApplied || len(n.pending) > 0 {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.addCandidate(c)
}

// flushCandidates marks the remote description applied and replays queued
// candidates in receipt order.
func (n *Negotiation) flushCandidates() {
	n.mu.Lock()
	n.remoteApplied = true
	n.mu.Unlock()
	for {
		n.mu.Lock()
		if len(n.pending) == 0 || n.phase == PhaseClosed {
			n.pending = nil
			n.mu.Unlock()
			return
		}
		c := n.pending[0]
		n.pending = n.pending[1:]
		n.mu.Unlock()
		if err := n.addCandidate(c); err != nil {
			log.Printf("CALL [%s]: %v", short(n.callID), err)
		}
	}
}

func (n *Negotiation) addCandidate(c proto.ICECandidateInit) error {
	if err := n.tr.AddICECandidate(c); err != nil {
		return &NegotiationError{Op: "add-candidate", Msg: err.Error()}
	}
	return nil
}

// PendingCandidates returns how many remote candidates are queued.
func (n *Negotiation) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// sendLocalCandidate publishes one local candidate. Fire-and-forget.
func (n *Negotiation) sendLocalCandidate(c proto.ICECandidateInit) {
	select {
	case <-n.closed:
		return
	default:
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), candidateAppendTimeout)
		defer cancel()
		if _, err := n.sig.AppendRetry(ctx, n.callID, proto.SignalCandidate, proto.CandidateData{Candidate: c}); err != nil {
			log.Printf("CALL [%s]: candidate append failed: %v", short(n.callID), err)
		}
	}()
}

// ToggleAudio mutes or unmutes the local microphone and tells the peer.
func (n *Negotiation) ToggleAudio(enabled bool) error {
	return n.toggle(KindAudio, enabled)
}

// ToggleVideo turns the local camera track on or off and tells the peer.
func (n *Negotiation) ToggleVideo(enabled bool) error {
	return n.toggle(KindVideo, enabled)
}

func (n *Negotiation) toggle(kind MediaKind, enabled bool) error {
	n.mu.Lock()
	if n.phase == PhaseClosed {
		n.mu.Unlock()
		return ErrCallOver
	}
	if kind == KindAudio {
		n.audioEnabled = enabled
	} else {
		n.videoEnabled = enabled
	}
	n.mu.Unlock()

	if err := n.tr.SetTrackEnabled(kind, enabled); err != nil {
		return &NegotiationError{Op: "toggle-" + string(kind), Msg: err.Error()}
	}
	n.announce(kind)
	log.Printf("CALL [%s]: %s enabled=%v", short(n.callID), kind, enabled)
	return nil
}

// announce sends the current flag of each kind to the peer. A send that
// fails before the channel opens is repeated when it does.
func (n *Negotiation) announce(kinds ...MediaKind) {
	n.ctrlMu.Lock()
	defer n.ctrlMu.Unlock()
	for _, kind := range kinds {
		n.mu.Lock()
		m := ControlMessage{Type: ControlVideoToggle, Enabled: n.videoEnabled}
		if kind == KindAudio {
			m = ControlMessage{Type: ControlAudioToggle, Enabled: n.audioEnabled}
		}
		n.mu.Unlock()
		if err := n.tr.SendControl(m); err != nil {
			log.Printf("CALL [%s]: %s notice held: %v", short(n.callID), m.Type, err)
		}
	}
}

// MediaEnabled returns the local audio and video flags.
func (n *Negotiation) MediaEnabled() (audio, video bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.audioEnabled, n.videoEnabled
}

// Cleanup stops local tracks, closes the transport and drops the relay
// subscription. Safe to call any number of times from any goroutine,
// including from inside an event callback.
func (n *Negotiation) Cleanup() {
	n.cleanupOnce.Do(func() {
		n.mu.Lock()
		n.phase = PhaseClosed
		n.pending = nil
		sub := n.sub
		n.mu.Unlock()

		close(n.closed)
		sub.Unsubscribe()
		if err := n.tr.Close(); err != nil {
			log.Printf("CALL [%s]: transport close: %v", short(n.callID), err)
		}
		log.Printf("CALL [%s]: negotiation cleaned up", short(n.callID))
	})
}

// Done is closed after Cleanup.
func (n *Negotiation) Done() <-chan struct{} { return n.closed }

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
