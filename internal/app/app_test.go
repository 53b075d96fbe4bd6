package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLocalViewer(t *testing.T) {
	tests := []struct {
		in, addr string
	}{
		{":8080", "127.0.0.1:8080"},
		{"0.0.0.0:9000", "127.0.0.1:9000"},
		{" 127.0.0.1:7000 ", "127.0.0.1:7000"},
	}
	for _, tt := range tests {
		addr, url := NormalizeLocalViewer(tt.in)
		assert.Equal(t, tt.addr, addr)
		assert.Equal(t, "http://"+tt.addr, url)
	}
}

func TestRunRelayServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Relay.HTTPAddr = "127.0.0.1:18787"
	require.NoError(t, config.Save(filepath.Join(dir, config.FileName), cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRelay(ctx, dir) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18787/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	assert.FileExists(t, filepath.Join(dir, "data", "relay.db"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRunPeerNeedsUserID(t *testing.T) {
	dir := t.TempDir()
	err := RunPeer(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
}

func TestPeerMetricsHandler(t *testing.T) {
	countRTP("c1", call.RemoteTrack{Kind: call.KindAudio}, &rtp.Packet{Payload: []byte{1}})

	rec := httptest.NewRecorder()
	peerMetrics().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `goopcall_rtp_packets_received_total{kind="audio"}`)
	assert.Contains(t, rec.Body.String(), `goopcall_rtp_payload_bytes_received_total{kind="audio"}`)
}
