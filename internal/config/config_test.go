package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir, which is unavailable before Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 50, cfg.Pipeline.MaxFileSizeMB)
	assert.Equal(t, 100, cfg.Pipeline.MaxPDFPages)
	assert.Equal(t, 4, cfg.Pipeline.PageWorkers)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 2, cfg.Pipeline.RetryDelaySecs)
	assert.Equal(t, 1, cfg.Cache.TTLHours)
	assert.Equal(t, "gemini-2.5-pro", cfg.Gemini.Model)
	assert.Equal(t, "x-ai/grok-4-fast", cfg.OpenRouter.Model)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STATENGINE_STORE_DRIVER", "postgres")
	t.Setenv("STATENGINE_PIPELINE_PAGE_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Pipeline.PageWorkers)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/config.yaml", `
store:
  driver: postgres
  database_url: postgres://localhost/statengine
pipeline:
  max_pdf_pages: 40
cache:
  ttl_hours: 6
`)
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/statengine", cfg.Store.DatabaseURL)
	assert.Equal(t, 40, cfg.Pipeline.MaxPDFPages)
	assert.Equal(t, 6, cfg.Cache.TTLHours)
	// Untouched values keep defaults.
	assert.Equal(t, 4, cfg.Pipeline.PageWorkers)
}

func TestInitLoggerBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
