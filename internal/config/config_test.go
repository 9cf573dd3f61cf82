package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.Security.SharedSecret = "test-secret"
	require.NoError(t, cfg.Validate(), "Default config with a secret should validate")
	assert.Equal(t, "239.255.43.21", cfg.Network.MulticastGroup)
	assert.Equal(t, 90, cfg.Network.DeviceTimeout, "Device timeout defaults to 3x discovery interval")
	assert.NotEmpty(t, cfg.Node.ID, "A node ID is generated by default")
	assert.Greater(t, cfg.Network.AuthTimeout, cfg.Network.RequestTimeout,
		"Auth gets more time than a generic request")
}

func TestValidateFloorsAuthTimeout(t *testing.T) {
	cfg := Default()
	cfg.Security.SharedSecret = "s"
	cfg.Network.AuthTimeout = 1
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.Network.RequestTimeout*2, cfg.Network.AuthTimeout,
		"An auth timeout below the request timeout is raised")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lansync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  id: node-a
  name: Node A
network:
  sync_port: 6001
  discovery_interval_s: 10
security:
  shared_secret: topsecret
sync:
  conflict_strategy: keep_both
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err, "Load failed")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 6001, cfg.Network.SyncPort)
	assert.Equal(t, 10, cfg.Network.DiscoveryInterval)
	assert.Equal(t, "keep_both", cfg.Sync.ConflictStrategy)
	assert.Equal(t, 5000, cfg.Network.DiscoveryPort, "Unset fields keep their defaults")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err, "A missing config file is not an error")
	assert.Equal(t, 5001, cfg.Network.SyncPort)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LANSYNC_NODE_ID", "env-node")
	t.Setenv("LANSYNC_SYNC_PORT", "7001")
	t.Setenv("LANSYNC_SHARED_SECRET", "env-secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-node", cfg.Node.ID)
	assert.Equal(t, 7001, cfg.Network.SyncPort)
	assert.Equal(t, "env-secret", cfg.Security.SharedSecret)
}

func TestValidateMissingSecretFatal(t *testing.T) {
	cfg := Default()
	cfg.Security.SharedSecret = ""
	cfg.Security.Passphrase = ""
	cfg.Security.KeyringService = ""

	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrMissingSecret, "RequireAuth without any secret source must be fatal")

	cfg.Security.RequireAuth = false
	assert.NoError(t, cfg.Validate(), "Without RequireAuth a secret is optional")
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := Default()
	cfg.Security.SharedSecret = "s"
	cfg.Sync.ConflictStrategy = "coin_flip"
	assert.Error(t, cfg.Validate())
}
