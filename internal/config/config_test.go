package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previews.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
bus:
  driver: redis
previews:
  wait_timeout: 10s
  max_attempts: 5
`), 0o600))

	t.Setenv("PREVIEWS_PREVIEWS_MAX_ATTEMPTS", "7")
	t.Setenv("PREVIEWS_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PREVIEWS_PREVIEWS_OBJECT_ROUTE_RENDERS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, 10*time.Second, cfg.Previews.WaitTimeout)
	assert.Equal(t, 7, cfg.Previews.MaxAttempts)
	assert.True(t, cfg.Previews.ObjectRouteRenders)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.Previews.PollInterval)
}

func TestLoad_WellKnownEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db/previews")
	t.Setenv("DISABLE_PREVIEWS", "1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/previews", cfg.Database.URL)
	assert.True(t, cfg.Previews.Disabled)
}

func TestLoad_PrefixedDatabaseURLWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://plain/db")
	t.Setenv("PREVIEWS_DATABASE_URL", "postgres://prefixed/db")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://prefixed/db", cfg.Database.URL)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("PREVIEWS_PREVIEWS_WAIT_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PREVIEWS_PREVIEWS_WAIT_TIMEOUT")
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"backend":       func(c *Config) { c.Database.Backend = "mongo" },
		"bus":           func(c *Config) { c.Bus.Driver = "kafka" },
		"signal":        func(c *Config) { c.Render.Signal = "http" },
		"wait":          func(c *Config) { c.Previews.WaitTimeout = 0 },
		"poll":          func(c *Config) { c.Previews.PollInterval = -time.Second },
		"attempts":      func(c *Config) { c.Previews.MaxAttempts = 0 },
		"wait vs write": func(c *Config) { c.Previews.WaitTimeout = time.Minute },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
