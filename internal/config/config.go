// Package config handles configuration for the clipberry daemon,
// including defaults, JSON overlay, and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Config holds runtime settings for the clipberry daemon.
//
// Fields:
//   - ListenAddr: bind address for the TLS message endpoint.
//   - DataDir: root directory for the database, key material and blobs.
//   - DeviceID / DeviceName: this device's identity. The id only matters on
//     first start; after that the persisted certificate is authoritative.
//   - SyncText / SyncImages: which clipboard content types to propagate.
//   - SyncEnabled: master switch for propagation in both directions.
//   - DiscoveryEnabled: announce and browse on the local network via mDNS.
//   - MaxItemSize: upper bound in bytes for a single clipboard item.
//   - TokenTTL / TokenSweepInterval: pairing token lifetime and how often
//     expired tokens are evicted.
//   - PingInterval: how often live sessions are pinged.
type Config struct {
	ListenAddr         string
	DataDir            string
	DeviceID           string
	DeviceName         string
	SyncEnabled        bool
	SyncText           bool
	SyncImages         bool
	DiscoveryEnabled   bool
	MaxItemSize        int64
	TokenTTL           time.Duration
	TokenSweepInterval time.Duration
	PingInterval       time.Duration
}

// LoadDefaults populates Config with sensible defaults. The device id is
// random on every call; it becomes stable once the identity is persisted.
func (c *Config) LoadDefaults() {
	c.ListenAddr = ":9876"
	c.DataDir = defaultDataDir()
	c.DeviceID = uuid.NewString()
	c.DeviceName = defaultDeviceName()
	c.SyncEnabled = true
	c.SyncText = true
	c.SyncImages = true
	c.DiscoveryEnabled = true
	c.MaxItemSize = 10 * 1024 * 1024
	c.TokenTTL = 300 * time.Second
	c.TokenSweepInterval = 60 * time.Second
	c.PingInterval = 30 * time.Second
}

// DatabasePath returns the SQLite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "clipberry.db")
}

// CertDir returns where the device certificate and key live.
func (c *Config) CertDir() string {
	return filepath.Join(c.DataDir, "certs")
}

// BlobDir returns where image payloads are stored.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "clipberry")
	}
	return ".clipberry"
}

func defaultDeviceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "clipberry-device"
}
