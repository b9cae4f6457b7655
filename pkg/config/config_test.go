package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jmapd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsForOmittedKeys(t *testing.T) {
	path := writeConfig(t, "db-path: /var/lib/jmapd\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/jmapd", cfg.DBPath)
	assert.Equal(t, 2, cfg.BlobNestedLevels)
	assert.Equal(t, 500, cfg.MaxObjectsInGet)
	assert.Equal(t, Duration(5*time.Second), cfg.RaftCommitTimeout)
}

func TestLoadClampsBlobNestedLevels(t *testing.T) {
	tooLow := writeConfig(t, "blob-nested-levels: 0\n")
	cfg, err := Load(tooLow)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.BlobNestedLevels)

	tooHigh := writeConfig(t, "blob-nested-levels: 9\n")
	cfg, err = Load(tooHigh)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.BlobNestedLevels)
}

func TestLoadClampsElectionTimeoutOrdering(t *testing.T) {
	path := writeConfig(t, "election-timeout-min: 400ms\nelection-timeout-max: 100ms\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Duration(400*time.Millisecond), cfg.ElectionTimeoutMin)
	assert.Equal(t, Duration(400*time.Millisecond), cfg.ElectionTimeoutMax)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
