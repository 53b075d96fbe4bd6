package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOOPCALL_"

// LoadEnv reads dir/.env into the process environment. Variables already
// set win over the file. A missing file is not an error.
func LoadEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

// ApplyEnv overrides cfg fields from GOOPCALL_* variables.
func ApplyEnv(cfg *Config) error {
	str := map[string]*string{
		"USER_ID":        &cfg.Identity.UserID,
		"KEY_FILE":       &cfg.Identity.KeyFile,
		"RELAY_URL":      &cfg.Relay.URL,
		"RELAY_HTTP":     &cfg.Relay.HTTPAddr,
		"DB_DRIVER":      &cfg.Relay.DBDriver,
		"DB_DSN":         &cfg.Relay.DBDSN,
		"MEDIA":          &cfg.Call.Media,
		"PROFILE_LABEL":  &cfg.Profile.Label,
		"PROFILE_AVATAR": &cfg.Profile.AvatarURL,
		"VIEWER_HTTP":    &cfg.Viewer.HTTPAddr,
	}
	for k, p := range str {
		if v, ok := os.LookupEnv(EnvPrefix + k); ok {
			*p = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"P2P_PORT":             &cfg.Relay.P2PPort,
		"PRESENCE_TTL_SECONDS": &cfg.Relay.PresenceTTLSec,
		"HEARTBEAT_SECONDS":    &cfg.Presence.HeartbeatSec,
	}
	for k, p := range ints {
		v, ok := os.LookupEnv(EnvPrefix + k)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, k, err)
		}
		*p = n
	}

	if v, ok := os.LookupEnv(EnvPrefix + "ICE_SERVERS"); ok {
		cfg.Call.ICEServers = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Call.ICEServers = append(cfg.Call.ICEServers, s)
			}
		}
	}
	return nil
}

// LoadDir resolves the config for a process rooted at dir: dir/.env, then
// goopcall.json (created with defaults when missing), then GOOPCALL_*
// overrides, then validation.
func LoadDir(dir string) (Config, string, error) {
	if err := LoadEnv(dir); err != nil {
		return Config{}, "", err
	}
	path := filepath.Join(dir, FileName)
	cfg, _, err := Ensure(path)
	if err != nil {
		return Config{}, "", err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, "", err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// FileName is the config file inside a relay or peer directory.
const FileName = "goopcall.json"
