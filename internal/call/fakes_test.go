package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *relay.Hub {
	t.Helper()
	db, err := storage.OpenDir(context.Background(), t.TempDir())
	require.NoError(t, err)
	h := relay.NewHub(db)
	t.Cleanup(func() {
		h.Close()
		db.Close()
	})
	return h
}

// fakeNet pairs the two transports of a call: a side connects once it
// holds both descriptions, and control messages cross to the other side.
type fakeNet struct {
	mu    sync.Mutex
	calls map[string][]*fakeTransport
}

func newFakeNet() *fakeNet {
	return &fakeNet{calls: make(map[string][]*fakeTransport)}
}

func (n *fakeNet) factory(name string) TransportFactory {
	return func(callID string) (Transport, error) {
		t := newFakeTransport(name)
		t.net, t.callID = n, callID
		n.mu.Lock()
		n.calls[callID] = append(n.calls[callID], t)
		n.mu.Unlock()
		return t, nil
	}
}

func (n *fakeNet) peerOf(t *fakeTransport) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, o := range n.calls[t.callID] {
		if o != t {
			return o
		}
	}
	return nil
}

func (n *fakeNet) transport(callID, name string) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.calls[callID] {
		if t.name == name {
			return t
		}
	}
	return nil
}

type fakeTransport struct {
	name   string
	callID string
	net    *fakeNet

	mediaErr  error
	answerErr error

	mu         sync.Mutex
	h          TransportHandlers
	local      string
	remote     string
	remoteSets int
	added      []proto.ICECandidateInit
	enabled    map[MediaKind]bool
	closes     int
	connected  bool
	// ctrlShut makes SendControl fail until openControl.
	ctrlShut bool
	sent     []ControlMessage
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, enabled: map[MediaKind]bool{KindAudio: true, KindVideo: true}}
}

func (t *fakeTransport) AcquireLocalMedia(_ context.Context, c Constraints) (LocalStream, error) {
	if t.mediaErr != nil {
		return LocalStream{}, t.mediaErr
	}
	return LocalStream{ID: "stream-" + t.name, Audio: c.Audio, Video: c.Video}, nil
}

func (t *fakeTransport) AttachLocalMedia() error { return nil }

func (t *fakeTransport) SetHandlers(h TransportHandlers) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
}

func (t *fakeTransport) CreateOffer(context.Context) (string, error) {
	return t.setLocal("offer-" + t.name)
}

func (t *fakeTransport) CreateAnswer(context.Context) (string, error) {
	t.mu.Lock()
	hasRemote := t.remote != ""
	t.mu.Unlock()
	if !hasRemote {
		return "", errors.New("no remote offer")
	}
	if t.answerErr != nil {
		return "", t.answerErr
	}
	return t.setLocal("answer-" + t.name)
}

func (t *fakeTransport) setLocal(sdp string) (string, error) {
	t.mu.Lock()
	t.local = sdp
	h := t.h
	t.mu.Unlock()
	if h.OnLocalCandidate != nil {
		h.OnLocalCandidate(proto.ICECandidateInit{Candidate: "candidate:" + t.name})
	}
	t.maybeConnect()
	return sdp, nil
}

func (t *fakeTransport) SetRemoteDescription(_ proto.SignalType, sdp string) error {
	t.mu.Lock()
	t.remote = sdp
	t.remoteSets++
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddICECandidate(c proto.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == "" {
		return errors.New("candidate before remote description")
	}
	t.added = append(t.added, c)
	return nil
}

func (t *fakeTransport) maybeConnect() {
	t.mu.Lock()
	if t.connected || t.local == "" || t.remote == "" || t.closes > 0 {
		t.mu.Unlock()
		return
	}
	t.connected = true
	h := t.h
	t.mu.Unlock()
	if h.OnStateChange != nil {
		h.OnStateChange(StateConnecting)
		h.OnStateChange(StateConnected)
	}
	if h.OnRemoteTrack != nil {
		h.OnRemoteTrack(RemoteTrack{StreamID: "remote", TrackID: "video", Kind: KindVideo})
	}
}

func (t *fakeTransport) SetTrackEnabled(kind MediaKind, enabled bool) error {
	t.mu.Lock()
	t.enabled[kind] = enabled
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SendControl(m ControlMessage) error {
	t.mu.Lock()
	if t.ctrlShut {
		t.mu.Unlock()
		return errors.New("control channel not open")
	}
	t.sent = append(t.sent, m)
	t.mu.Unlock()
	if t.net == nil {
		return errors.New("no peer")
	}
	peer := t.net.peerOf(t)
	if peer == nil {
		return errors.New("no peer")
	}
	peer.mu.Lock()
	h := peer.h
	peer.mu.Unlock()
	if h.OnControl != nil {
		go h.OnControl(m)
	}
	return nil
}

func (t *fakeTransport) openControl() {
	t.mu.Lock()
	t.ctrlShut = false
	h := t.h
	t.mu.Unlock()
	if h.OnControlOpen != nil {
		h.OnControlOpen()
	}
}

func (t *fakeTransport) sentControls() []ControlMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ControlMessage(nil), t.sent...)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) addedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.added))
	for _, c := range t.added {
		out = append(out, c.Candidate)
	}
	return out
}

func (t *fakeTransport) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

type stubPresence map[string]bool

func (p stubPresence) IsOnline(id string) bool { return p[id] }
