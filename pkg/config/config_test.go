package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "osce.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.InitialBackoff)
	assert.Equal(t, 16*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 4, cfg.Policy().MaxAttempts())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
model: gemini-test
scheme_store_name: fileSearchStores/osce-rubrics
server:
  addr: "127.0.0.1:8080"
  session_ttl: 2h
gemini:
  timeout: 30s
retry:
  max_retries: 5
  initial_backoff: 500ms
  max_backoff: 4s
  max_jitter: 0s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini-test", cfg.Model)
	assert.Equal(t, DefaultSchemeModel, cfg.SchemeModel, "unset fields keep defaults")
	assert.Equal(t, "fileSearchStores/osce-rubrics", cfg.SchemeStore)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, DefaultDBPath, cfg.Server.DBPath)
	assert.Equal(t, 2*time.Hour, cfg.Server.SessionTTL)
	assert.Equal(t, 30*time.Second, cfg.Gemini.Timeout)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 4*time.Second, cfg.Policy().BaseDelay(10))
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "model: from-file\nprompts_dir: /from/file\n")
	t.Setenv(EnvModel, "from-env")
	t.Setenv(EnvSchemeStore, "stores/env")
	t.Setenv(EnvDBPath, "/tmp/env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Model)
	assert.Equal(t, "stores/env", cfg.SchemeStore)
	assert.Equal(t, "/from/file", cfg.PromptsDir)
	assert.Equal(t, "/tmp/env.db", cfg.Server.DBPath)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "retry: [not, a, map]\n"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Model = ""
	cfg.Retry.MaxRetries = -1
	cfg.Retry.InitialBackoff = 10 * time.Second
	cfg.Retry.MaxBackoff = time.Second
	cfg.Metrics.Namespace = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "model must not be empty")
	assert.ErrorContains(t, err, "retry.max_retries")
	assert.ErrorContains(t, err, "retry.max_backoff")
	assert.ErrorContains(t, err, "metrics.namespace")
}

func TestApplyEnvIgnoresBlank(t *testing.T) {
	cfg := Default()
	cfg.applyEnv(func(key string) string {
		if key == EnvAddr {
			return "   "
		}
		return ""
	})
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
}
