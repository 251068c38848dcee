package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/vault"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Session.GrantTTL)
	assert.Equal(t, 4, cfg.Session.CheckpointInterval)
	assert.False(t, cfg.Session.ExclusiveParticipants)
	assert.Equal(t, core.PriorityHigh, cfg.AutoApplyThreshold())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
storage:
  driver: sqlite
  path: /tmp/test-roundtable.db
session:
  grant_ttl: 30m
  checkpoint_interval: 8
analysis:
  auto_apply_threshold: critical
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "roundtable.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/test-roundtable.db", cfg.Storage.Path)
	assert.Equal(t, 30*time.Minute, cfg.Session.GrantTTL)
	assert.Equal(t, 8, cfg.Session.CheckpointInterval)
	assert.Equal(t, core.PriorityCritical, cfg.AutoApplyThreshold())

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.Equal(t, "text", lc.Format)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "roundtable.yaml"), []byte("storage:\n  driver: postgres\n"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownThreshold(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "roundtable.yaml"), []byte("analysis:\n  auto_apply_threshold: urgent\n"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestMasterKey_FromEnv(t *testing.T) {
	key, err := vault.NewMasterKey()
	require.NoError(t, err)
	t.Setenv("TEST_ROUNDTABLE_KEY", hex.EncodeToString(key))

	cfg := &Config{Encryption: EncryptionConfig{KeyEnvVar: "TEST_ROUNDTABLE_KEY"}}
	got, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestMasterKey_EnvRejectsBadKey(t *testing.T) {
	t.Setenv("TEST_ROUNDTABLE_KEY", "not-hex")
	cfg := &Config{Encryption: EncryptionConfig{KeyEnvVar: "TEST_ROUNDTABLE_KEY"}}
	_, err := cfg.MasterKey()
	assert.Error(t, err)

	t.Setenv("TEST_ROUNDTABLE_KEY", "abcd") // wrong length
	_, err = cfg.MasterKey()
	assert.Error(t, err)
}

func TestMasterKey_GeneratesAndPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "master.key")
	cfg := &Config{Encryption: EncryptionConfig{KeyFile: keyFile}}

	first, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Len(t, first, vault.MasterKeySize)

	// The generated key was saved and is returned on subsequent loads.
	second, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestMasterKey_EnvTakesPrecedenceOverFile(t *testing.T) {
	envKey, err := vault.NewMasterKey()
	require.NoError(t, err)
	fileKey, err := vault.NewMasterKey()
	require.NoError(t, err)

	keyFile := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(keyFile, []byte(hex.EncodeToString(fileKey)), 0o600))
	t.Setenv("TEST_ROUNDTABLE_KEY", hex.EncodeToString(envKey))

	cfg := &Config{Encryption: EncryptionConfig{KeyEnvVar: "TEST_ROUNDTABLE_KEY", KeyFile: keyFile}}
	got, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, envKey, got)
}
