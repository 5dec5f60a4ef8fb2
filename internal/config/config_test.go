package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8082, cfg.Server.Port)
	assert.Equal(t, "./var", cfg.Storage.Datadir)
	assert.Empty(t, cfg.Auth.Password)
	assert.Equal(t, "SH", cfg.Calendar.Name)
	assert.Equal(t, 8, cfg.Scheduler.DailyHour)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datafeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  read_timeout: 30s
auth:
  password: pw
storage:
  datadir: /tmp/feed
  rdb: true
monitor:
  addr: 127.0.0.1:9100
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, Duration(30*time.Second), cfg.Server.ReadTimeout)
	assert.Equal(t, "pw", cfg.Auth.Password)
	assert.Equal(t, "/tmp/feed", cfg.Storage.Datadir)
	assert.True(t, cfg.Storage.RDB)
	assert.Equal(t, "127.0.0.1:9100", cfg.Monitor.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched sections keep their defaults
	assert.Equal(t, 242, cfg.Calendar.SessionMinutes)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datafeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	t.Setenv("DATAFEED_PORT", "9001")
	t.Setenv("DATAFEED_DATADIR", "/tmp/envdir")
	t.Setenv("DATAFEED_AUTH", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "/tmp/envdir", cfg.Storage.Datadir)
	assert.Equal(t, "secret", cfg.Auth.Password)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port high", func(c *Config) { c.Server.Port = 70000 }},
		{"empty datadir", func(c *Config) { c.Storage.Datadir = "" }},
		{"daily hour", func(c *Config) { c.Scheduler.DailyHour = 24 }},
		{"bad timezone", func(c *Config) { c.Calendar.Timezone = "Mars/Olympus" }},
		{"bad session minutes", func(c *Config) { c.Calendar.SessionMinutes = 100 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
