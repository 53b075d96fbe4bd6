package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	db, err := storage.OpenDir(context.Background(), t.TempDir())
	require.NoError(t, err)
	h := NewHub(db)
	t.Cleanup(func() {
		h.Close()
		db.Close()
	})
	return h
}

func recv(t *testing.T, s *Subscription) proto.Change {
	t.Helper()
	select {
	case c, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return proto.Change{}
}

func assertQuiet(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case c := <-s.C():
		t.Fatalf("unexpected change %s %s", c.Table, c.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCreateCallNotifiesReceiverFilter(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)

	forB, err := h.Subscribe(ctx, proto.Filter{Table: proto.TableCalls, Event: proto.EventInsert, Column: "receiver_id", Value: "B"})
	require.NoError(t, err)
	forC, err := h.Subscribe(ctx, proto.Filter{Table: proto.TableCalls, Event: proto.EventInsert, Column: "receiver_id", Value: "C"})
	require.NoError(t, err)

	c, err := h.CreateCall(ctx, "A", "B")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusPending, c.Status)
	assert.NotEmpty(t, c.ID)

	got := recv(t, forB)
	assert.Equal(t, proto.EventInsert, got.Event)
	require.NotNil(t, got.Call)
	assert.Equal(t, c.ID, got.Call.ID)
	assertQuiet(t, forC)
}

func TestHubRejectsSelfCall(t *testing.T) {
	_, err := newTestHub(t).CreateCall(context.Background(), "A", "A")
	require.Error(t, err)
	assert.False(t, IsTemporary(err))
}

func TestHubStatusUpdates(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)
	c, err := h.CreateCall(ctx, "A", "B")
	require.NoError(t, err)

	sub, err := h.Subscribe(ctx, proto.Filter{Table: proto.TableCalls, Event: proto.EventUpdate, Column: "id", Value: c.ID})
	require.NoError(t, err)

	_, err = h.UpdateCallStatus(ctx, c.ID, proto.StatusDeclined)
	require.NoError(t, err)
	got := recv(t, sub)
	assert.Equal(t, proto.StatusDeclined, got.Call.Status)
	assert.NotNil(t, got.Call.EndedAt)

	_, err = h.UpdateCallStatus(ctx, c.ID, "bogus")
	require.Error(t, err)

	_, err = h.UpdateCallStatus(ctx, "missing", proto.StatusEnded)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHubSignalsInCommitOrder(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)
	c, err := h.CreateCall(ctx, "A", "B")
	require.NoError(t, err)

	sub, err := h.Subscribe(ctx, proto.Filter{Table: proto.TableSignals, Event: proto.EventInsert, Column: "call_id", Value: c.ID})
	require.NoError(t, err)

	types := []proto.SignalType{proto.SignalOffer, proto.SignalCandidate, proto.SignalAnswer, proto.SignalCallEnd}
	for _, typ := range types {
		_, err := h.AppendSignal(ctx, proto.SignalMessage{CallID: c.ID, SenderID: "A", Type: typ, Data: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}
	for _, typ := range types {
		got := recv(t, sub)
		assert.Equal(t, typ, got.Signal.Type)
		assert.NotEmpty(t, got.Signal.ID)
	}

	msgs, err := h.ListSignals(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, len(types))
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}

	_, err = h.AppendSignal(ctx, proto.SignalMessage{CallID: c.ID, SenderID: "A", Type: "nope"})
	require.Error(t, err)
}

func TestHubSubscriptionCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)
	sub, err := h.Subscribe(ctx, proto.Filter{Table: proto.TablePresence})
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)

	// Writers keep going after the subscriber left.
	require.NoError(t, h.UpsertPresence(ctx, proto.PresenceRecord{UserID: "U", IsOnline: true}))

	_, err = h.Subscribe(ctx, proto.Filter{Table: "nope"})
	require.Error(t, err)
}

func TestHubSlowSubscriberDoesNotBlockWriters(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)
	sub, err := h.Subscribe(ctx, proto.Filter{Table: proto.TablePresence})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subBuffer+20; i++ {
			_ = h.UpsertPresence(ctx, proto.PresenceRecord{UserID: "U", IsOnline: i%2 == 0})
		}
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("writer blocked on a full subscriber")
	}

	// The feed is cut, not thinned: everything buffered, then closed.
	n := 0
	for range sub.C() {
		n++
	}
	assert.Equal(t, subBuffer, n)
	assert.ErrorIs(t, sub.Err(), ErrOverflow)

	h.subMu.RLock()
	assert.Empty(t, h.subs)
	h.subMu.RUnlock()
	sub.Close()
}

func TestHubPresenceSweep(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	h.now = func() time.Time { return base }
	require.NoError(t, h.UpsertPresence(ctx, proto.PresenceRecord{UserID: "U", IsOnline: true}))
	require.NoError(t, h.UpsertPresence(ctx, proto.PresenceRecord{UserID: "V", IsOnline: true}))

	sub, err := h.Subscribe(ctx, proto.Filter{Table: proto.TablePresence, Column: "user_id", Value: "U"})
	require.NoError(t, err)

	h.now = func() time.Time { return base.Add(20 * time.Second) }
	require.NoError(t, h.UpsertPresence(ctx, proto.PresenceRecord{UserID: "V", IsOnline: true}))
	_ = recvOrNone(sub)

	h.now = func() time.Time { return base.Add(40 * time.Second) }
	assert.Equal(t, 1, h.SweepPresence(ctx, 30*time.Second))

	got := recv(t, sub)
	assert.Equal(t, "U", got.Presence.UserID)
	assert.False(t, got.Presence.IsOnline)

	recs, err := h.ListPresence(ctx)
	require.NoError(t, err)
	online := map[string]bool{}
	for _, r := range recs {
		online[r.UserID] = r.IsOnline
	}
	assert.Equal(t, map[string]bool{"U": false, "V": true}, online)
}

// recvOrNone drains one pending change if there is one.
func recvOrNone(s *Subscription) *proto.Change {
	select {
	case c := <-s.C():
		return &c
	default:
		return nil
	}
}

func TestHubProfiles(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)
	_, err := h.GetProfile(ctx, "A")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.UpsertProfile(ctx, proto.Profile{UserID: "A", DisplayName: "Alice"}))
	p, err := h.GetProfile(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
}

func TestHubAppendSignalSameIDOnce(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t)
	c, err := h.CreateCall(ctx, "A", "B")
	require.NoError(t, err)
	sub, err := h.Subscribe(ctx, proto.Filter{Table: proto.TableSignals, Column: "call_id", Value: c.ID})
	require.NoError(t, err)

	m := proto.SignalMessage{ID: "fixed", CallID: c.ID, SenderID: "A", Type: proto.SignalOffer}
	first, err := h.AppendSignal(ctx, m)
	require.NoError(t, err)
	again, err := h.AppendSignal(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, first.Seq, again.Seq)

	recv(t, sub)
	assertQuiet(t, sub)
}
