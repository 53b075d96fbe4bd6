package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30, cfg.Presence.HeartbeatSec)
	assert.Error(t, cfg.ValidatePeer(), "peer mode needs a user id")

	cfg.Identity.UserID = "alice"
	assert.NoError(t, cfg.ValidatePeer())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Relay.DBDriver = "mysql" }},
		{"heartbeat over ttl", func(c *Config) { c.Presence.HeartbeatSec = 120 }},
		{"bad relay scheme", func(c *Config) { c.Relay.URL = "http://relay/ws" }},
		{"multiaddr without peer", func(c *Config) { c.Relay.URL = "/ip4/127.0.0.1/tcp/4001" }},
		{"bad ice server", func(c *Config) { c.Call.ICEServers = []string{"http://stun"} }},
		{"bad media", func(c *Config) { c.Call.Media = "webcam" }},
		{"bad user id", func(c *Config) { c.Identity.UserID = "a b" }},
		{"bad viewer addr", func(c *Config) { c.Viewer.HTTPAddr = "8080" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Relay.URL = "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWExample"
	assert.NoError(t, cfg.Validate())
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)

	cfg.Profile.Label = "Alice"
	require.NoError(t, Save(path, cfg))

	got, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Alice", got.Profile.Label)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"bob"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity.UserID)
	assert.Equal(t, "sqlite", cfg.Relay.DBDriver)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("GOOPCALL_USER_ID=carol\nGOOPCALL_HEARTBEAT_SECONDS=10\n"), 0o644))
	t.Setenv("GOOPCALL_ICE_SERVERS", "stun:a:3478, turn:b:3478")
	t.Setenv("GOOPCALL_MEDIA", "static")
	// LoadEnv never overrides what is already set; t.Setenv restores these.
	t.Setenv("GOOPCALL_USER_ID", "")
	os.Unsetenv("GOOPCALL_USER_ID")
	t.Setenv("GOOPCALL_HEARTBEAT_SECONDS", "")
	os.Unsetenv("GOOPCALL_HEARTBEAT_SECONDS")

	cfg, path, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)
	assert.Equal(t, "carol", cfg.Identity.UserID)
	assert.Equal(t, 10, cfg.Presence.HeartbeatSec)
	assert.Equal(t, []string{"stun:a:3478", "turn:b:3478"}, cfg.Call.ICEServers)
	assert.Equal(t, "static", cfg.Call.Media)
}

func TestApplyEnvRejectsBadInt(t *testing.T) {
	t.Setenv("GOOPCALL_P2P_PORT", "many")
	cfg := Default()
	assert.Error(t, ApplyEnv(&cfg))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	cfg := Default()
	require.NoError(t, Save(path, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"relay":{"db_driver":"mysql"}}`), 0o644))
	time.Sleep(3 * watchDebounce)

	cfg.Profile.Label = "Renamed"
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, "Renamed", c.Profile.Label)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
