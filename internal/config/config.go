package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/offchat/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Storage  Storage  `json:"storage"`
	Link     Link     `json:"link"`
	Outbox   Outbox   `json:"outbox"`
	Online   Online   `json:"online"`
	Mode     Mode     `json:"mode"`
	Metrics  Metrics  `json:"metrics"`
}

type Identity struct {
	KeyFile  string `json:"key_file"`
	UserID   string `json:"user_id"` // empty = derived from the peer id
	Username string `json:"username"`
}

type Storage struct {
	Path                string `json:"path"`
	SentRetentionHours  int    `json:"sent_retention_hours"`
	ContactTTLHours     int    `json:"contact_ttl_hours"`
	RecentWindowMinutes int    `json:"recent_window_minutes"`
	GCIntervalMinutes   int    `json:"gc_interval_minutes"` // 0 = no periodic GC
}

type Link struct {
	ListenPort         int    `json:"listen_port"`
	ServiceTag         string `json:"service_tag"`
	ScanTimeoutSec     int    `json:"scan_timeout_seconds"`
	AckTimeoutSec      int    `json:"ack_timeout_seconds"`
	DiscoveryIntervalS int    `json:"discovery_interval_seconds"`
	MaxFrameBytes      int    `json:"max_frame_bytes"`
}

type Outbox struct {
	DrainIntervalSec  int `json:"drain_interval_seconds"`
	BackoffInitialSec int `json:"backoff_initial_seconds"` // 0 = retry on every drain
	BackoffMaxSec     int `json:"backoff_max_seconds"`
	DedupSize         int `json:"dedup_size"`
}

type Online struct {
	ServerURL      string `json:"server_url"` // empty = offline only
	DialTimeoutSec int    `json:"dial_timeout_seconds"`
	SendTimeoutSec int    `json:"send_timeout_seconds"`
}

type Mode struct {
	StartOffline bool `json:"start_offline"`
}

type Metrics struct {
	Addr string `json:"addr"` // e.g. "127.0.0.1:9464", empty = disabled
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:  "data/identity.key",
			Username: "Offchat User",
		},
		Storage: Storage{
			Path:                "data/offchat.db",
			SentRetentionHours:  7 * 24,
			ContactTTLHours:     24,
			RecentWindowMinutes: 60,
			GCIntervalMinutes:   60,
		},
		Link: Link{
			ListenPort:         0,
			ServiceTag:         "offchat-mdns",
			ScanTimeoutSec:     10,
			AckTimeoutSec:      10,
			DiscoveryIntervalS: 30,
			MaxFrameBytes:      1 << 20,
		},
		Outbox: Outbox{
			DrainIntervalSec:  30,
			BackoffInitialSec: 0,
			BackoffMaxSec:     300,
			DedupSize:         4096,
		},
		Online: Online{
			DialTimeoutSec: 5,
			SendTimeoutSec: 10,
		},
		Mode: Mode{
			StartOffline: true,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Storage
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Storage.SentRetentionHours <= 0 {
		return errors.New("storage.sent_retention_hours must be > 0")
	}
	if c.Storage.ContactTTLHours <= 0 {
		return errors.New("storage.contact_ttl_hours must be > 0")
	}
	if c.Storage.RecentWindowMinutes <= 0 {
		return errors.New("storage.recent_window_minutes must be > 0")
	}
	if c.Storage.GCIntervalMinutes < 0 {
		return errors.New("storage.gc_interval_minutes must be >= 0")
	}

	// Link
	if c.Link.ListenPort < 0 || c.Link.ListenPort > 65535 {
		return errors.New("link.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Link.ServiceTag) == "" {
		return errors.New("link.service_tag is required")
	}
	if c.Link.ScanTimeoutSec < 1 || c.Link.ScanTimeoutSec > 300 {
		return errors.New("link.scan_timeout_seconds must be 1..300")
	}
	if c.Link.AckTimeoutSec < 1 || c.Link.AckTimeoutSec > 300 {
		return errors.New("link.ack_timeout_seconds must be 1..300")
	}
	if c.Link.DiscoveryIntervalS <= 0 {
		return errors.New("link.discovery_interval_seconds must be > 0")
	}
	if c.Link.MaxFrameBytes < 1024 {
		return errors.New("link.max_frame_bytes must be >= 1024")
	}

	// Outbox
	if c.Outbox.DrainIntervalSec <= 0 {
		return errors.New("outbox.drain_interval_seconds must be > 0")
	}
	if c.Outbox.BackoffInitialSec < 0 {
		return errors.New("outbox.backoff_initial_seconds must be >= 0")
	}
	if c.Outbox.BackoffInitialSec > 0 && c.Outbox.BackoffMaxSec < c.Outbox.BackoffInitialSec {
		return errors.New("outbox.backoff_max_seconds must be >= outbox.backoff_initial_seconds")
	}
	if c.Outbox.DedupSize <= 0 {
		return errors.New("outbox.dedup_size must be > 0")
	}

	// Online
	if u := strings.TrimSpace(c.Online.ServerURL); u != "" {
		if err := validateServerURL(u); err != nil {
			return fmt.Errorf("online.server_url: %w", err)
		}
	}
	if c.Online.DialTimeoutSec <= 0 {
		return errors.New("online.dial_timeout_seconds must be > 0")
	}
	if c.Online.SendTimeoutSec <= 0 {
		return errors.New("online.send_timeout_seconds must be > 0")
	}

	// Metrics
	if a := strings.TrimSpace(c.Metrics.Addr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}

	return nil
}

func validateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (s Storage) SentRetention() time.Duration { return time.Duration(s.SentRetentionHours) * time.Hour }
func (s Storage) ContactTTL() time.Duration    { return time.Duration(s.ContactTTLHours) * time.Hour }
func (s Storage) RecentWindow() time.Duration  { return time.Duration(s.RecentWindowMinutes) * time.Minute }
func (s Storage) GCInterval() time.Duration    { return time.Duration(s.GCIntervalMinutes) * time.Minute }

func (l Link) ScanTimeout() time.Duration       { return seconds(l.ScanTimeoutSec) }
func (l Link) AckTimeout() time.Duration        { return seconds(l.AckTimeoutSec) }
func (l Link) DiscoveryInterval() time.Duration { return seconds(l.DiscoveryIntervalS) }

func (o Outbox) DrainInterval() time.Duration  { return seconds(o.DrainIntervalSec) }
func (o Outbox) BackoffInitial() time.Duration { return seconds(o.BackoffInitialSec) }
func (o Outbox) BackoffMax() time.Duration     { return seconds(o.BackoffMaxSec) }

func (o Online) DialTimeout() time.Duration { return seconds(o.DialTimeoutSec) }
func (o Online) SendTimeout() time.Duration { return seconds(o.SendTimeoutSec) }

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
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
