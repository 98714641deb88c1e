package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
[server.postgres]
database = "quotehub"
user = "quotehub"
password = "pw"
`

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.API.Addr())
	assert.Equal(t, 15*time.Minute, cfg.Server.API.AccessTTL())
	assert.Equal(t, 24*time.Hour, cfg.Server.API.RefreshTTL())
	assert.Equal(t, time.Minute, cfg.Server.API.SweepInterval())
	assert.Equal(t, 5*time.Minute, cfg.Server.API.Grace())
	assert.Equal(t, 10, cfg.Server.API.MaxTokensPerUser)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.True(t, cfg.API.Local)
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
[api]
domain = "quotes.example.com"
secure = true
local = false

[server.api]
host = "0.0.0.0"
port = 9000
proxy = true
access_time = 60
refresh_time = 120
max_tokens_per_user = 3
task_interval = 5
ws_heartbeat = 10
ws_max_message_size = 16
ws_message_limit = 5
ws_message_interval = 2
resource_grace = 30

[server.postgres]
host = "db.internal"
port = 5433
database = "quotes"
user = "svc"
password = "pw"
min_pool_size = 2
max_pool_size = 8

[observability]
log_level = "debug"
otel_enabled = true
otel_endpoint = "collector:4318"
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.API.Addr())
	assert.True(t, cfg.Server.API.Proxy)
	assert.Equal(t, time.Minute, cfg.Server.API.AccessTTL())
	assert.Equal(t, 2*time.Minute, cfg.Server.API.RefreshTTL())
	assert.Equal(t, 3, cfg.Server.API.MaxTokensPerUser)
	assert.Equal(t, "db.internal", cfg.Server.Postgres.Host)
	assert.Equal(t, 8, cfg.Server.Postgres.MaxPoolSize)
	assert.Equal(t, "quotes.example.com", cfg.API.Domain)
	assert.True(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_Failures(t *testing.T) {
	for name, content := range map[string]string{
		"bad toml":             `[server.api` + "\n",
		"missing database":     `[server.postgres]` + "\nuser = \"u\"\n",
		"bad port":             minimalConfig + "[server.api]\nport = 70000\n",
		"refresh below access": minimalConfig + "[server.api]\naccess_time = 100\nrefresh_time = 50\n",
		"zero grace":           minimalConfig + "[server.api]\nresource_grace = -1\n",
		"pool inversion":       "[server.postgres]\ndatabase = \"d\"\nuser = \"u\"\nmin_pool_size = 5\nmax_pool_size = 2\n",
		"bad log level":        minimalConfig + "[observability]\nlog_level = \"chatty\"\n",
		"otel sans endpoint":   minimalConfig + "[observability]\notel_enabled = true\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
