// Package rtc implements the call transport on pion/webrtc: one peer
// connection per call with the local capture, trickled ICE and a
// pre-negotiated "control" data channel for toggle notifications.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
)

const (
	controlLabel = "control"
	controlID    = uint16(0)

	defaultDisconnectedTimeout = 30 * time.Second
	defaultFailedTimeout       = 120 * time.Second
	defaultKeepAlive           = 2 * time.Second
	defaultPLIInterval         = 3 * time.Second
)

// DefaultICEServers is used when Config.ICEServers is empty.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// ErrControlClosed is returned by SendControl before the data channel opens
// or after it closes.
var ErrControlClosed = errors.New("control channel not open")

// Config shapes every transport a Factory builds.
type Config struct {
	ICEServers []string
	Source     media.Source

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	// PLIInterval is how often a keyframe is requested on remote video.
	PLIInterval time.Duration

	// OnRTP, if set, receives every packet read from a remote track.
	OnRTP func(callID string, t call.RemoteTrack, pkt *rtp.Packet)
}

// Factory builds pion transports.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers
	}
	if cfg.Source == nil {
		cfg.Source = media.StaticSource{}
	}
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = defaultDisconnectedTimeout
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = defaultFailedTimeout
	}
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = defaultPLIInterval
	}
	return &Factory{cfg: cfg}
}

// New builds the transport for callID. It matches call.TransportFactory.
func (f *Factory) New(callID string) (call.Transport, error) {
	return newTransport(callID, f.cfg)
}

// Transport is one peer connection.
type Transport struct {
	callID string
	cfg    Config
	pc     *webrtc.PeerConnection
	ctrl   *webrtc.DataChannel

	ctx    context.Context
	cancel context.CancelFunc

	// sdpMu orders track swaps against building local descriptions.
	sdpMu sync.Mutex

	mu       sync.Mutex
	h        call.TransportHandlers
	capture  *media.Capture
	senders  map[call.MediaKind]*webrtc.RTPSender
	disabled map[call.MediaKind]bool
	stats    Stats

	closeOnce sync.Once
}

// Stats counts remote RTP seen by the transport.
type Stats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Lost    uint64 `json:"lost"`
}

func newTransport(callID string, cfg Config) (*Transport, error) {
	me := &webrtc.MediaEngine{}
	if err := cfg.Source.RegisterCodecs(me); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, defaultKeepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	var pcCfg webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	negotiated := true
	id := controlID
	ctrl, err := pc.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("control channel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		callID:   callID,
		cfg:      cfg,
		pc:       pc,
		ctrl:     ctrl,
		ctx:      ctx,
		cancel:   cancel,
		senders:  make(map[call.MediaKind]*webrtc.RTPSender),
		disabled: make(map[call.MediaKind]bool),
	}

	pc.OnICECandidate(t.onICECandidate)
	pc.OnConnectionStateChange(t.onConnectionState)
	pc.OnTrack(t.onTrack)
	ctrl.OnMessage(t.onControl)
	ctrl.OnOpen(t.onControlOpen)
	return t, nil
}

func (t *Transport) handlers() call.TransportHandlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *Transport) SetHandlers(h call.TransportHandlers) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
}

// AcquireLocalMedia opens the configured source.
func (t *Transport) AcquireLocalMedia(ctx context.Context, c call.Constraints) (call.LocalStream, error) {
	capt, err := t.cfg.Source.Acquire(ctx, media.Constraints{
		Audio:     c.Audio,
		Video:     c.Video,
		MaxWidth:  c.MaxWidth,
		MaxHeight: c.MaxHeight,
	})
	if err != nil {
		return call.LocalStream{}, err
	}
	t.mu.Lock()
	t.capture.Close()
	t.capture = capt
	t.mu.Unlock()
	return call.LocalStream{ID: capt.StreamID, Audio: capt.Audio, Video: capt.Video}, nil
}

// AttachLocalMedia adds the captured tracks. Kinds without a track get a
// receive-only transceiver so the peer's media still has an m-line.
func (t *Transport) AttachLocalMedia() error {
	t.mu.Lock()
	capt := t.capture
	t.mu.Unlock()

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		track := capt.Track(kind)
		if track == nil {
			if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("recvonly %s: %w", kind, err)
			}
			continue
		}
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		t.mu.Lock()
		t.senders[mediaKind(kind)] = sender
		t.mu.Unlock()
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads sender reports so the interceptors see them.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	t.sdpMu.Lock()
	defer t.sdpMu.Unlock()
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := t.setLocal(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (string, error) {
	t.sdpMu.Lock()
	defer t.sdpMu.Unlock()
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.setLocal(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// setLocal sets desc and applies toggles made before it existed.
// Caller holds sdpMu.
func (t *Transport) setLocal(desc webrtc.SessionDescription) error {
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	for _, kind := range []call.MediaKind{call.KindAudio, call.KindVideo} {
		if err := t.applyTrack(kind); err != nil {
			log.Printf("RTC [%s]: %s toggle: %v", short(t.callID), kind, err)
		}
	}
	return nil
}

func (t *Transport) SetRemoteDescription(typ proto.SignalType, sdp string) error {
	desc := webrtc.SessionDescription{SDP: sdp}
	switch typ {
	case proto.SignalOffer:
		desc.Type = webrtc.SDPTypeOffer
	case proto.SignalAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("not a description: %s", typ)
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) AddICECandidate(c proto.ICECandidateInit) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// SetTrackEnabled swaps the sender's track for nothing and back, which
// stops the outgoing media without a new offer. pion cannot describe a
// sender without a track, so before the local description exists the flag
// is only recorded and applied once it is set.
func (t *Transport) SetTrackEnabled(kind call.MediaKind, enabled bool) error {
	t.sdpMu.Lock()
	defer t.sdpMu.Unlock()
	t.mu.Lock()
	sender := t.senders[kind]
	if sender != nil {
		t.disabled[kind] = !enabled
	}
	t.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no local %s track", kind)
	}
	if t.pc.LocalDescription() == nil {
		return nil
	}
	return t.applyTrack(kind)
}

// applyTrack makes the sender of kind match its recorded flag.
func (t *Transport) applyTrack(kind call.MediaKind) error {
	t.mu.Lock()
	sender := t.senders[kind]
	off := t.disabled[kind]
	capt := t.capture
	t.mu.Unlock()
	if sender == nil {
		return nil
	}
	if off {
		if sender.Track() == nil {
			return nil
		}
		return sender.ReplaceTrack(nil)
	}
	track := capt.Track(codecType(kind))
	if track == nil || sender.Track() == track {
		return nil
	}
	return sender.ReplaceTrack(track)
}

func (t *Transport) SendControl(m call.ControlMessage) error {
	if t.ctrl.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrControlClosed
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return t.ctrl.SendText(string(b))
}

// Stats returns the remote RTP counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		capt := t.capture
		t.capture = nil
		st := t.stats
		t.mu.Unlock()

		capt.Close()
		err = t.pc.Close()
		log.Printf("RTC [%s]: closed (rtp packets=%d bytes=%d lost=%d)", short(t.callID), st.Packets, st.Bytes, st.Lost)
	})
	return err
}

func (t *Transport) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // gathering complete
	}
	ci := c.ToJSON()
	if fn := t.handlers().OnLocalCandidate; fn != nil {
		fn(proto.ICECandidateInit{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	}
}

func (t *Transport) onConnectionState(s webrtc.PeerConnectionState) {
	state := transportState(s)
	if state == "" {
		return
	}
	if fn := t.handlers().OnStateChange; fn != nil {
		fn(state)
	}
}

func (t *Transport) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := call.RemoteTrack{
		StreamID: track.StreamID(),
		TrackID:  track.ID(),
		Kind:     mediaKind(track.Kind()),
		Codec:    track.Codec().MimeType,
	}
	log.Printf("RTC [%s]: remote %s track %s (%s)", short(t.callID), rt.Kind, rt.TrackID, rt.Codec)
	if fn := t.handlers().OnRemoteTrack; fn != nil {
		fn(rt)
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go t.requestKeyframes(uint32(track.SSRC()))
	}
	go t.readRemote(track, rt)
}

// requestKeyframes sends a PLI on a fixed interval so a late or lossy
// start recovers without waiting for the sender's next keyframe.
func (t *Transport) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(t.cfg.PLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readRemote(track *webrtc.TrackRemote, rt call.RemoteTrack) {
	var (
		last    uint16
		started bool
	)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		t.mu.Lock()
		t.stats.Packets++
		t.stats.Bytes += uint64(len(pkt.Payload))
		if started {
			if gap := pkt.SequenceNumber - last; gap > 1 && gap < 1<<15 {
				t.stats.Lost += uint64(gap - 1)
			}
		}
		last, started = pkt.SequenceNumber, true
		t.mu.Unlock()

		if t.cfg.OnRTP != nil {
			t.cfg.OnRTP(t.callID, rt, pkt)
		}
	}
}

func (t *Transport) onControlOpen() {
	log.Printf("RTC [%s]: control channel open", short(t.callID))
	if fn := t.handlers().OnControlOpen; fn != nil {
		fn()
	}
}

func (t *Transport) onControl(msg webrtc.DataChannelMessage) {
	var m call.ControlMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		log.Printf("RTC [%s]: bad control message: %v", short(t.callID), err)
		return
	}
	if fn := t.handlers().OnControl; fn != nil {
		fn(m)
	}
}

func transportState(s webrtc.PeerConnectionState) call.TransportState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return call.StateNew
	case webrtc.PeerConnectionStateConnecting:
		return call.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return call.StateClosed
	}
	return ""
}

func mediaKind(k webrtc.RTPCodecType) call.MediaKind {
	if k == webrtc.RTPCodecTypeAudio {
		return call.KindAudio
	}
	return call.KindVideo
}

func codecType(k call.MediaKind) webrtc.RTPCodecType {
	if k == call.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
