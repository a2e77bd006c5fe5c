package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 500, cfg.Server.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 200, cfg.Agent.MaxTurns)
	assert.Equal(t, 150, cfg.Agent.MaxRounds)
	assert.Equal(t, 1000, cfg.Pro.MonthlyLimit)
	assert.Equal(t, int64(DefaultProPrime), cfg.Pro.Prime)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	data := []byte("server:\n  listen_addr: \":9001\"\nagent:\n  max_turns: 20\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("PRO_PRIME", "104729")
	t.Setenv("LOOM_DB_PATH", "/tmp/test.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Server.ListenAddr)
	assert.Equal(t, 20, cfg.Agent.MaxTurns)
	assert.Equal(t, int64(104729), cfg.Pro.Prime)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	// Untouched fields keep defaults.
	assert.Equal(t, 150, cfg.Agent.MaxRounds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/loom.yaml")
	assert.Error(t, err)
}
