package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/clipberry/clipberry/internal/flagx"
	"github.com/clipberry/clipberry/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// It uses timex.Duration for interval fields, which allows parsing both
// string values such as "300s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON configuration
// files. After unmarshalling, its fields are copied into the runtime Config
// struct which uses time.Duration.
type JsonConfig struct {
	ListenAddr         string         `json:"listen_addr"`
	DataDir            string         `json:"data_dir"`
	DeviceID           string         `json:"device_id"`
	DeviceName         string         `json:"device_name"`
	SyncEnabled        bool           `json:"sync_enabled"`
	SyncText           bool           `json:"sync_text"`
	SyncImages         bool           `json:"sync_images"`
	DiscoveryEnabled   bool           `json:"discovery_enabled"`
	MaxItemSize        int64          `json:"max_item_size"`
	TokenTTL           timex.Duration `json:"token_ttl"`
	TokenSweepInterval timex.Duration `json:"token_sweep_interval"`
	PingInterval       timex.Duration `json:"ping_interval"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The lookup order for the JSON file path is:
//
//	The -c or -config command-line flags.
//	If it is not set, no JSON file is loaded.
//
// If the file path is found, parseJson attempts to read and unmarshal it
// into a JsonConfig. The resulting values are copied into the target Config.
// If the file cannot be read or contains invalid JSON, the function panics.
//
// A JSON file is treated as a complete configuration: every field is copied,
// so a partial file resets omitted fields. The caller is expected to merge
// the result with command-line flags as part of the full configuration
// process.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.ListenAddr = c.ListenAddr
	config.DataDir = c.DataDir
	config.DeviceID = c.DeviceID
	config.DeviceName = c.DeviceName
	config.SyncEnabled = c.SyncEnabled
	config.SyncText = c.SyncText
	config.SyncImages = c.SyncImages
	config.DiscoveryEnabled = c.DiscoveryEnabled
	config.MaxItemSize = c.MaxItemSize
	config.TokenTTL = time.Duration(c.TokenTTL.Duration)
	config.TokenSweepInterval = time.Duration(c.TokenSweepInterval.Duration)
	config.PingInterval = time.Duration(c.PingInterval.Duration)
}
