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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, DriverBadger, cfg.Store.Driver)
	assert.True(t, cfg.Hub.Monotonic)
	assert.Equal(t, 12, cfg.Codes.Attempts)
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8081"
  stream_keepalive: 5s
store:
  driver: sqlite
  path: games
  badger_vlog_size: 16777216
codes:
  strict: true
`)
	t.Setenv("NEXTUP_ADDR", ":7000")
	t.Setenv("NEXTUP_HUB_MONOTONIC", "false")
	t.Setenv("NEXTUP_REQUIRE_IF_MATCH", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.StreamKeepalive)
	assert.Equal(t, DriverSqlite, cfg.Store.Driver)
	assert.Equal(t, "games", cfg.Store.Path)
	assert.Equal(t, int64(16<<20), cfg.Store.BadgerValueLogSize)
	assert.False(t, cfg.Hub.Monotonic)
	assert.True(t, cfg.Server.RequireIfMatch)
	assert.True(t, cfg.Codes.Strict)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		description string
		yaml        string
		env         map[string]string
	}{
		{"unknown driver", "store:\n  driver: mongo\n", nil},
		{"postgres without dsn", "store:\n  driver: postgres\n", nil},
		{"bad keepalive env", "", map[string]string{"NEXTUP_STREAM_KEEPALIVE": "soon"}},
		{"zero attempts", "codes:\n  attempts: -1\n", nil},
		{"negative vlog size", "store:\n  badger_vlog_size: -1\n", nil},
		{"bad vlog size env", "", map[string]string{"NEXTUP_BADGER_VLOG_SIZE": "big"}},
	}
	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}
