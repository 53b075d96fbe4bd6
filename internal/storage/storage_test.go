package storage

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDir(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCallStatusEndedAt(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, db.InsertCall(ctx, proto.CallSession{
		ID: "42", CallerID: "A", ReceiverID: "B", Status: proto.StatusPending, CreatedAt: now,
	}))

	c, err := db.UpdateCallStatus(ctx, "42", proto.StatusRinging, now)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRinging, c.Status)
	assert.Nil(t, c.EndedAt)

	c, err = db.UpdateCallStatus(ctx, "42", proto.StatusDeclined, now)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusDeclined, c.Status)
	require.NotNil(t, c.EndedAt)
	assert.True(t, c.EndedAt.Equal(now))

	// A second terminal write keeps the first ended_at.
	c, err = db.UpdateCallStatus(ctx, "42", proto.StatusEnded, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, proto.StatusEnded, c.Status)
	assert.True(t, c.EndedAt.Equal(now))

	_, err = db.UpdateCallStatus(ctx, "missing", proto.StatusEnded, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkCallAcceptedKeepsFirstStamp(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.InsertCall(ctx, proto.CallSession{ID: "7", CallerID: "A", ReceiverID: "B", Status: proto.StatusPending, CreatedAt: now}))

	c, err := db.MarkCallAccepted(ctx, "7", now)
	require.NoError(t, err)
	require.NotNil(t, c.AcceptedAt)

	c, err = db.MarkCallAccepted(ctx, "7", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, c.AcceptedAt.Equal(now))
}

func TestSignalsOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.InsertCall(ctx, proto.CallSession{ID: "7", CallerID: "A", ReceiverID: "B", Status: proto.StatusPending, CreatedAt: now}))

	types := []proto.SignalType{proto.SignalOffer, proto.SignalAnswer, proto.SignalCandidate, proto.SignalCallEnd}
	for i, typ := range types {
		m, created, err := db.InsertSignal(ctx, proto.SignalMessage{
			ID: string(rune('a' + i)), CallID: "7", SenderID: "A", Type: typ, CreatedAt: now,
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Positive(t, m.Seq)
	}

	got, err := db.ListSignals(ctx, "7")
	require.NoError(t, err)
	require.Len(t, got, len(types))
	for i, m := range got {
		assert.Equal(t, types[i], m.Type)
		assert.JSONEq(t, `{}`, string(m.Data))
		if i > 0 {
			assert.Greater(t, m.Seq, got[i-1].Seq)
		}
	}
}

func TestInsertSignalSameIDTwice(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.InsertCall(ctx, proto.CallSession{ID: "7", CallerID: "A", ReceiverID: "B", Status: proto.StatusPending, CreatedAt: now}))

	msg := proto.SignalMessage{ID: "s1", CallID: "7", SenderID: "A", Type: proto.SignalOffer, Data: json.RawMessage(`{"sdp":"v=0"}`), CreatedAt: now}
	first, created, err := db.InsertSignal(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := db.InsertSignal(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Seq, again.Seq)

	all, err := db.ListSignals(ctx, "7")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSignalRequiresCall(t *testing.T) {
	db := openTestDB(t)
	_, _, err := db.InsertSignal(context.Background(), proto.SignalMessage{
		ID: "x", CallID: "nope", SenderID: "A", Type: proto.SignalOffer, Data: json.RawMessage(`{"sdp":"v=0"}`), CreatedAt: time.Now(),
	})
	assert.Error(t, err)
}

func TestPresenceUpsertAndSweep(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	old := time.Now().Add(-time.Minute)
	fresh := time.Now()

	require.NoError(t, db.UpsertPresence(ctx, proto.PresenceRecord{UserID: "U", IsOnline: true, LastSeen: old, UpdatedAt: old}))
	require.NoError(t, db.UpsertPresence(ctx, proto.PresenceRecord{UserID: "V", IsOnline: true, LastSeen: fresh, UpdatedAt: fresh}))
	// Upsert replaces rather than duplicates.
	require.NoError(t, db.UpsertPresence(ctx, proto.PresenceRecord{UserID: "V", IsOnline: true, LastSeen: fresh, UpdatedAt: fresh}))

	all, err := db.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	stale, err := db.MarkStalePresenceOffline(ctx, time.Now().Add(-30*time.Second), time.Now())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "U", stale[0].UserID)

	all, err = db.ListPresence(ctx)
	require.NoError(t, err)
	byID := map[string]bool{}
	for _, p := range all {
		byID[p.UserID] = p.IsOnline
	}
	assert.False(t, byID["U"])
	assert.True(t, byID["V"])
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.GetProfile(ctx, "A")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.UpsertProfile(ctx, proto.Profile{UserID: "A", DisplayName: "Alice"}))
	require.NoError(t, db.UpsertProfile(ctx, proto.Profile{UserID: "A", DisplayName: "Alice B."}))
	p, err := db.GetProfile(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Alice B.", p.DisplayName)
}

func TestRebind(t *testing.T) {
	d := &DB{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", d.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	d = &DB{driver: DriverSQLite}
	assert.Equal(t, "a = ?", d.rebind("a = ?"))
}

// Runs the same flow against postgres when GOOPCALL_PG_DSN is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("GOOPCALL_PG_DSN")
	if dsn == "" {
		t.Skip("GOOPCALL_PG_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, DriverPostgres, dsn)
	require.NoError(t, err)
	defer db.Close()

	id := "pg-" + time.Now().Format("150405.000000000")
	require.NoError(t, db.InsertCall(ctx, proto.CallSession{ID: id, CallerID: "A", ReceiverID: "B", Status: proto.StatusPending, CreatedAt: time.Now()}))
	m, _, err := db.InsertSignal(ctx, proto.SignalMessage{ID: id + "-s", CallID: id, SenderID: "A", Type: proto.SignalCallEnd, CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Positive(t, m.Seq)
	c, err := db.UpdateCallStatus(ctx, id, proto.StatusEnded, time.Now())
	require.NoError(t, err)
	assert.NotNil(t, c.EndedAt)
}
