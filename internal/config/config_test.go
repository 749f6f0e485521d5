package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 60*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, 2, cfg.AnalysisWorkers)
	assert.True(t, cfg.RecoverAbandoned)
}

func TestLoadPostgresWhenURLSet(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/govcheck")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "govcheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
analysis_workers: 5
navigation_timeout: 30s
log_format: text
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("ANALYSIS_WORKERS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 7, cfg.AnalysisWorkers, "env overrides file")
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("NAVIGATION_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NAVIGATION_TIMEOUT")
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}
