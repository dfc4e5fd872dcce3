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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.AutoSaveInterval)
	assert.Equal(t, 5, cfg.SnapshotEveryNSaves)
	assert.Equal(t, 50, cfg.MaxVersionsPerBoard)
	assert.Equal(t, 30*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 5*time.Minute, cfg.EditLockTTL)
	assert.Equal(t, 2000, cfg.MaxObjectsPerBoard)
}

func TestYamlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("port: \"9090\"\nmax_objects_per_board: 100\nauto_save_interval: 5s\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 100, cfg.MaxObjectsPerBoard)
	assert.Equal(t, 5*time.Second, cfg.AutoSaveInterval)
}

func TestYamlBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presence_ttl: soon\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTO_SAVE_INTERVAL_MS", "1500")
	t.Setenv("PRESENCE_TTL_S", "10")
	t.Setenv("MAX_OBJECTS_PER_BOARD", "42")
	t.Setenv("E2E_TEST_AUTH", "yes")
	t.Setenv("DATABASE_URL", "postgres://example/db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.AutoSaveInterval)
	assert.Equal(t, 10*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 42, cfg.MaxObjectsPerBoard)
	assert.True(t, cfg.E2ETestAuth)
	assert.Equal(t, "postgres://example/db", cfg.DatabaseURL)
}

func TestMissingFileIsNotFatal(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
}
