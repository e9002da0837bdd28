package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, c.ListenAddr, ":9876")
	assert.NotEmpty(t, c.DataDir)
	assert.NotEmpty(t, c.DeviceName)
	assert.True(t, c.SyncEnabled)
	assert.True(t, c.SyncText)
	assert.True(t, c.SyncImages)
	assert.True(t, c.DiscoveryEnabled)
	assert.Equal(t, c.MaxItemSize, int64(10*1024*1024))
	assert.Equal(t, c.TokenTTL, 300*time.Second)
	assert.Equal(t, c.TokenSweepInterval, 60*time.Second)
	assert.Equal(t, c.PingInterval, 30*time.Second)

	_, err := uuid.Parse(c.DeviceID)
	assert.NoError(t, err, "default device id must be a uuid")
}

func TestLoadDefaults_DeviceIDIsFresh(t *testing.T) {
	var a, b Config
	a.LoadDefaults()
	b.LoadDefaults()

	assert.NotEqual(t, a.DeviceID, b.DeviceID)
}

func TestDerivedPaths(t *testing.T) {
	c := Config{DataDir: filepath.Join("some", "dir")}

	assert.Equal(t, filepath.Join("some", "dir", "clipberry.db"), c.DatabasePath())
	assert.Equal(t, filepath.Join("some", "dir", "certs"), c.CertDir())
	assert.Equal(t, filepath.Join("some", "dir", "blobs"), c.BlobDir())
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	c := LoadConfig()

	require.NotNil(t, c, "LoadConfig must not return nil")

	assert.Equal(t, c.ListenAddr, ":9876")
	assert.Equal(t, c.MaxItemSize, int64(10*1024*1024))
	assert.Equal(t, c.TokenTTL, 300*time.Second)
	assert.Equal(t, c.PingInterval, 30*time.Second)
}
