package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Profile  Profile  `json:"profile"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	// UserID is the id other users call. Required in peer mode.
	UserID  string `json:"user_id"`
	KeyFile string `json:"key_file"`
}

type Relay struct {
	// URL is where a peer reaches the relay: ws(s)://host/ws or a libp2p
	// multiaddr ending in /p2p/<id>.
	URL string `json:"url"`

	// Relay mode only.
	HTTPAddr       string `json:"http_addr"`
	P2PPort        int    `json:"p2p_port"`
	DBDriver       string `json:"db_driver"` // "sqlite" | "postgres"
	DBDSN          string `json:"db_dsn"`    // sqlite: path relative to the relay dir
	PresenceTTLSec int    `json:"presence_ttl_seconds"`
	SweepSec       int    `json:"sweep_seconds"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`
}

type Call struct {
	ICEServers         []string `json:"ice_servers"`
	ICEDisconnectedSec int      `json:"ice_disconnected_seconds"`
	ICEFailedSec       int      `json:"ice_failed_seconds"`
	Audio              bool     `json:"audio"`
	Video              bool     `json:"video"`
	MaxWidth           int      `json:"max_width"`
	MaxHeight          int      `json:"max_height"`
	// Media picks the capture source: "device" or "static" (no hardware).
	Media         string `json:"media"`
	AppendRetries int    `json:"append_retries"`
}

type Profile struct {
	Label     string `json:"label"`
	AvatarURL string `json:"avatar_url"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Relay: Relay{
			URL:            "ws://127.0.0.1:8787/ws",
			HTTPAddr:       "127.0.0.1:8787",
			P2PPort:        0,
			DBDriver:       "sqlite",
			DBDSN:          "data/relay.db",
			PresenceTTLSec: 90,
			SweepSec:       15,
		},
		Presence: Presence{
			HeartbeatSec: 30,
		},
		Call: Call{
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			Audio:              true,
			Video:              true,
			MaxWidth:           640,
			MaxHeight:          480,
			Media:              "device",
			AppendRetries:      4,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
	}
}

// Validate checks settings common to both modes.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if c.Identity.UserID != "" {
		if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
	}

	// Relay
	if c.Relay.P2PPort < 0 || c.Relay.P2PPort > 65535 {
		return errors.New("relay.p2p_port must be 0..65535")
	}
	switch c.Relay.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("relay.db_driver must be sqlite or postgres, got %q", c.Relay.DBDriver)
	}
	if strings.TrimSpace(c.Relay.DBDSN) == "" {
		return errors.New("relay.db_dsn is required")
	}
	if c.Relay.PresenceTTLSec <= 0 {
		return errors.New("relay.presence_ttl_seconds must be > 0")
	}
	if c.Relay.SweepSec <= 0 {
		return errors.New("relay.sweep_seconds must be > 0")
	}
	if a := strings.TrimSpace(c.Relay.HTTPAddr); a != "" {
		if err := validateHostPort(a); err != nil {
			return fmt.Errorf("relay.http_addr: %w", err)
		}
	}
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	}

	// Presence
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Relay.PresenceTTLSec {
		return errors.New("presence.heartbeat_seconds must be < relay.presence_ttl_seconds")
	}

	// Call
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", s)
		}
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 {
		return errors.New("call ice timeouts must be >= 0")
	}
	if c.Call.MaxWidth < 0 || c.Call.MaxHeight < 0 {
		return errors.New("call.max_width and call.max_height must be >= 0")
	}
	switch c.Call.Media {
	case "device", "static":
	default:
		return fmt.Errorf("call.media must be device or static, got %q", c.Call.Media)
	}
	if c.Call.AppendRetries < 0 || c.Call.AppendRetries > 20 {
		return errors.New("call.append_retries must be 0..20")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if err := validateHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	return nil
}

// ValidatePeer adds the checks only peer mode needs.
func (c *Config) ValidatePeer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required in peer mode")
	}
	if strings.TrimSpace(c.Relay.URL) == "" {
		return errors.New("relay.url is required in peer mode")
	}
	return nil
}

func validateHostPort(a string) error {
	_, port, err := net.SplitHostPort(a)
	if err != nil {
		return err
	}
	if port == "" {
		return errors.New("missing port")
	}
	return nil
}

func validateRelayURL(raw string) error {
	if strings.HasPrefix(raw, "/") {
		if !strings.Contains(raw, "/p2p/") {
			return errors.New("multiaddr must end in /p2p/<peer id>")
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file over the defaults without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
