package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPopulatesDefaults(t *testing.T) {
	cfg := New()
	require.Equal(t, "*/5 * * * *", cfg.Scheduler.TimeoutSweepCron)
	require.Equal(t, "PT24H", cfg.Escalation.DefaultTimeout)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.True(t, cfg.Database.MigrateOnStart)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  host: db.internal
  name: governance
redis:
  addr: redis.internal:6379
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, "governance", cfg.Database.Name)
	require.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestApplyURLOverridesPrefersEnvURLs(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example/db")
	t.Setenv("REDIS_URL", "redis.example:6380")

	cfg := New()
	applyURLOverrides(cfg)

	require.Equal(t, "postgres://example/db", cfg.Database.DSN)
	require.Equal(t, "redis.example:6380", cfg.Redis.Addr)
}

func TestConnectionStringBuildsFromHostFields(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	require.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", cfg.ConnectionString())
}
