package p2p

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyIsStable(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")

	k1, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)

	k2, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.True(t, k1.Equals(k2))
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(0, filepath.Join(t.TempDir(), "identity.key"))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestRelayOverStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	db, err := storage.OpenDir(ctx, t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	hub := relay.NewHub(db)
	defer hub.Close()

	server := newTestNode(t)
	server.ServeRelay(ctx, relay.NewServer(hub, "127.0.0.1:0"))
	addr := server.LoopbackAddr()
	require.NotEmpty(t, addr)

	peerNode := newTestNode(t)
	client, err := peerNode.DialRelay(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	sub, err := client.Subscribe(ctx, proto.Filter{Table: proto.TableCalls, Column: "receiver_id", Value: "B"})
	require.NoError(t, err)
	defer sub.Close()

	call, err := hub.CreateCall(ctx, "A", "B")
	require.NoError(t, err)

	select {
	case ch := <-sub.C():
		require.NotNil(t, ch.Call)
		assert.Equal(t, call.ID, ch.Call.ID)
	case <-ctx.Done():
		t.Fatal("no push over the libp2p stream")
	}

	got, err := client.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.CallerID)

	diag, err := peerNode.FetchDiag(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, server.ID(), diag["peer_id"])
}

func TestDialRelayRejectsBadAddr(t *testing.T) {
	n := newTestNode(t)
	_, err := n.DialRelay(context.Background(), "/ip4/127.0.0.1/tcp/1")
	require.Error(t, err)
	_, err = n.DialRelay(context.Background(), "not-a-multiaddr")
	require.Error(t, err)
}
