package call

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type pair struct {
	hub    *relay.Hub
	net    *fakeNet
	a, b   *Manager
	inB    chan IncomingCall
	notesA <-chan Notice
}

// newPair wires managers for users A and B to one hub. B listens for
// incoming calls.
func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{hub: newTestHub(t), net: newFakeNet(), inB: make(chan IncomingCall, 4)}
	av := Constraints{Audio: true, Video: true}
	p.a = NewManager(Options{SelfID: "A", Relay: p.hub, Transports: p.net.factory("A"), Constraints: av})
	p.b = NewManager(Options{SelfID: "B", Relay: p.hub, Transports: p.net.factory("B"), Constraints: av})
	t.Cleanup(p.a.Close)
	t.Cleanup(p.b.Close)

	var cancel func()
	p.notesA, cancel = p.a.Subscribe()
	t.Cleanup(cancel)

	p.b.OnIncoming(func(ic IncomingCall) { p.inB <- ic })
	require.NoError(t, p.b.Listen(context.Background()))
	return p
}

func (p *pair) incoming(t *testing.T) IncomingCall {
	t.Helper()
	select {
	case ic := <-p.inB:
		return ic
	case <-time.After(waitFor):
		t.Fatal("no incoming call")
	}
	return IncomingCall{}
}

// connect rings B from A, accepts on B and waits for both sides to go
// active.
func (p *pair) connect(t *testing.T) (*Session, *Session) {
	t.Helper()
	ctx := context.Background()
	sa, err := p.a.StartCall(ctx, "B")
	require.NoError(t, err)
	sb, err := p.incoming(t).Accept(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sa.Status() == proto.StatusActive && sb.Status() == proto.StatusActive
	}, waitFor, 10*time.Millisecond)
	return sa, sb
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s did not end", s.CallID())
	}
}

func signalTypes(t *testing.T, h *relay.Hub, callID string) map[proto.SignalType][]string {
	t.Helper()
	msgs, err := h.ListSignals(context.Background(), callID)
	require.NoError(t, err)
	out := make(map[proto.SignalType][]string)
	for _, m := range msgs {
		out[m.Type] = append(out[m.Type], m.SenderID)
	}
	return out
}

func TestDeclineBeforeAnswer(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	sa, err := p.a.StartCall(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRinging, sa.Status())

	ic := p.incoming(t)
	assert.Equal(t, sa.CallID(), ic.CallID)
	assert.Equal(t, proto.StatusPending, ic.Status)
	assert.Equal(t, "A", ic.Caller.UserID)
	require.NoError(t, ic.Decline(ctx))

	rec, err := p.hub.GetCall(ctx, sa.CallID())
	require.NoError(t, err)
	assert.Equal(t, proto.StatusDeclined, rec.Status)
	assert.NotNil(t, rec.EndedAt)

	waitDone(t, sa)
	assert.Equal(t, proto.StatusDeclined, sa.Status())

	types := signalTypes(t, p.hub, sa.CallID())
	assert.Empty(t, types[proto.SignalOffer])
	assert.Empty(t, types[proto.SignalAnswer])
	assert.Nil(t, p.net.transport(sa.CallID(), "A"), "caller never built a transport")
}

func TestAcceptNegotiatesToActive(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	sa, sb := p.connect(t)

	rec, err := p.hub.GetCall(ctx, sa.CallID())
	require.NoError(t, err)
	assert.Equal(t, proto.StatusActive, rec.Status)
	assert.NotNil(t, rec.AcceptedAt)
	assert.Nil(t, rec.EndedAt)

	require.Eventually(t, func() bool {
		types := signalTypes(t, p.hub, sa.CallID())
		return len(types[proto.SignalCandidate]) >= 2
	}, waitFor, 10*time.Millisecond)

	types := signalTypes(t, p.hub, sa.CallID())
	assert.Equal(t, []string{"A"}, types[proto.SignalOffer])
	assert.Equal(t, []string{"B"}, types[proto.SignalAnswer])
	assert.Contains(t, types[proto.SignalCandidate], "A")
	assert.Contains(t, types[proto.SignalCandidate], "B")

	// Each side ends up with the other's candidate, queued or not.
	require.Eventually(t, func() bool {
		ta, tb := p.net.transport(sa.CallID(), "A"), p.net.transport(sb.CallID(), "B")
		return len(ta.addedCandidates()) == 1 && len(tb.addedCandidates()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"candidate:B"}, p.net.transport(sa.CallID(), "A").addedCandidates())

	assert.Equal(t, PhaseConnected, sa.Info().Phase)
	assert.Equal(t, RoleReceiver, sb.Role())
	assert.Equal(t, "A", sb.PeerID())
}

func TestAcceptTwiceReturnsSameSession(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	sa, _ := p.connect(t)

	again, err := p.b.Accept(ctx, sa.CallID())
	require.NoError(t, err)
	first, ok := p.b.Session(sa.CallID())
	require.True(t, ok)
	assert.Same(t, first, again)

	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	assert.Len(t, p.net.calls[sa.CallID()], 2)
}

func TestRemoteCallEndEndsActiveCall(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	sa, sb := p.connect(t)
	tb := p.net.transport(sb.CallID(), "B")
	require.True(t, tb.isConnected())

	_, err := signaling.New(p.hub, "A").Append(ctx, sa.CallID(), proto.SignalCallEnd, nil)
	require.NoError(t, err)

	waitDone(t, sb)
	assert.Equal(t, proto.StatusEnded, sb.Status())
	assert.Equal(t, 1, tb.closeCount())
	assert.Equal(t, PhaseClosed, sb.Negotiation().Phase())

	// B records the end, which ends A too.
	waitDone(t, sa)
	assert.Equal(t, proto.StatusEnded, sa.Status())
	rec, err := p.hub.GetCall(ctx, sa.CallID())
	require.NoError(t, err)
	assert.Equal(t, proto.StatusEnded, rec.Status)

	_, ok := p.b.Session(sb.CallID())
	assert.False(t, ok)
}

func TestHangupReleasesBothSides(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	sa, sb := p.connect(t)

	require.NoError(t, p.a.Hangup(ctx, sa.CallID()))
	waitDone(t, sa)
	waitDone(t, sb)

	assert.Equal(t, 1, p.net.transport(sa.CallID(), "A").closeCount())
	assert.Equal(t, 1, p.net.transport(sb.CallID(), "B").closeCount())
	assert.ErrorIs(t, p.a.Hangup(ctx, sa.CallID()), ErrUnknownCall)

	// Repeated cleanup stays a no-op.
	sb.Negotiation().Cleanup()
	sb.Negotiation().Cleanup()
	assert.Equal(t, 1, p.net.transport(sb.CallID(), "B").closeCount())
}

func TestVideoToggleReachesPeer(t *testing.T) {
	p := newPair(t)
	sa, sb := p.connect(t)

	require.NoError(t, p.b.ToggleVideo(sb.CallID(), false))

	deadline := time.After(waitFor)
	for {
		select {
		case n := <-p.notesA:
			if n.Type != NoticeRemoteVideo {
				continue
			}
			require.NotNil(t, n.Enabled)
			assert.False(t, *n.Enabled)
			info := sa.Info()
			assert.False(t, info.RemoteVideoEnabled)
			assert.Equal(t, StateConnected, info.Transport)
			assert.Equal(t, proto.StatusActive, info.Status)

			_, video := sb.Negotiation().MediaEnabled()
			assert.False(t, video)
			return
		case <-deadline:
			t.Fatal("no remote-video notice")
		}
	}
}

func TestVideoOffBeforeOfferStillConnects(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	p.b.SetTransports(func(callID string) (Transport, error) {
		ft := newFakeTransport("B")
		ft.net, ft.callID = p.net, callID
		ft.ctrlShut = true
		p.net.mu.Lock()
		p.net.calls[callID] = append(p.net.calls[callID], ft)
		p.net.mu.Unlock()
		return ft, nil
	})

	sa, err := p.a.StartCall(ctx, "B")
	require.NoError(t, err)
	sb, err := p.incoming(t).Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, p.b.ToggleVideo(sb.CallID(), false))

	require.Eventually(t, func() bool {
		return sa.Status() == proto.StatusActive && sb.Status() == proto.StatusActive
	}, waitFor, 10*time.Millisecond)
	assert.True(t, sa.Info().RemoteVideoEnabled, "nothing delivered while the channel is shut")

	p.net.transport(sb.CallID(), "B").openControl()
	require.Eventually(t, func() bool { return !sa.Info().RemoteVideoEnabled }, waitFor, 10*time.Millisecond)
	assert.True(t, sa.Info().RemoteAudioEnabled)
}

func TestAnswerFailureEndsCall(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	p.b.SetTransports(func(callID string) (Transport, error) {
		ft := newFakeTransport("B")
		ft.answerErr = assert.AnError
		return ft, nil
	})

	sa, err := p.a.StartCall(ctx, "B")
	require.NoError(t, err)
	sb, err := p.incoming(t).Accept(ctx)
	require.NoError(t, err)

	waitDone(t, sb)
	waitDone(t, sa)
	assert.Equal(t, proto.StatusEnded, sa.Status())
	rec, err := p.hub.GetCall(ctx, sa.CallID())
	require.NoError(t, err)
	assert.Equal(t, proto.StatusEnded, rec.Status)
	assert.Empty(t, signalTypes(t, p.hub, sa.CallID())[proto.SignalAnswer])
}

func TestLateRingingWriteDoesNotHideDecline(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	rec, err := p.hub.CreateCall(ctx, "A", "B")
	require.NoError(t, err)
	declined, err := p.hub.UpdateCallStatus(ctx, rec.ID, proto.StatusDeclined)
	require.NoError(t, err)
	// The caller's ringing write lands after the decline.
	_, err = p.hub.UpdateCallStatus(ctx, rec.ID, proto.StatusRinging)
	require.NoError(t, err)

	s := newSession(p.a, rec, RoleCaller)
	p.a.addSession(s)
	s.sm.Observe(proto.StatusRinging)
	s.onRecord(declined)
	waitDone(t, s)

	got, err := p.hub.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusDeclined, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, proto.StatusDeclined, s.Status())
}

func TestStartCallToOfflinePeer(t *testing.T) {
	hub := newTestHub(t)
	m := NewManager(Options{
		SelfID:     "A",
		Relay:      hub,
		Transports: newFakeNet().factory("A"),
		Presence:   stubPresence{"C": true},
	})
	defer m.Close()

	_, err := m.StartCall(context.Background(), "B")
	require.ErrorIs(t, err, ErrPeerOffline)
	assert.Equal(t, "This person is offline right now.", UserMessage(err))
	assert.Empty(t, m.Sessions())
}

func TestMediaFailureAbortsAccept(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	p.b.SetTransports(func(callID string) (Transport, error) {
		ft := newFakeTransport("B")
		ft.mediaErr = assert.AnError
		return ft, nil
	})

	sa, err := p.a.StartCall(ctx, "B")
	require.NoError(t, err)
	_, err = p.incoming(t).Accept(ctx)

	var me *MediaAcquisitionError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, UserMessage(err), "Camera or microphone")

	waitDone(t, sa)
	assert.Equal(t, proto.StatusEnded, sa.Status())
	types := signalTypes(t, p.hub, sa.CallID())
	assert.Empty(t, types[proto.SignalOffer])
}

func TestAcceptRejectsForeignCall(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	sa, err := p.a.StartCall(ctx, "B")
	require.NoError(t, err)

	_, err = p.a.Accept(ctx, sa.CallID())
	assert.ErrorIs(t, err, ErrNotReceiver)
}

func TestCancelledIncomingNotice(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	notesB, cancel := p.b.Subscribe()
	defer cancel()

	sa, err := p.a.StartCall(ctx, "B")
	require.NoError(t, err)
	p.incoming(t)
	require.NoError(t, sa.Hangup(ctx))

	deadline := time.After(waitFor)
	for {
		select {
		case n := <-notesB:
			if n.Type == NoticeCancelled {
				assert.Equal(t, sa.CallID(), n.CallID)
				assert.Equal(t, "A", n.PeerID)
				return
			}
		case <-deadline:
			t.Fatal("no cancelled notice")
		}
	}
}
