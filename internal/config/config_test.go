package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SARRAF_CONFIG", "SARRAF_HTTP_ADDR", "SARRAF_GRPC_ADDR", "SARRAF_PG_DSN", "SARRAF_AUTH_SECRET",
		"SARRAF_AUTH_ISSUER", "SARRAF_GUARD_RETRIES", "SARRAF_GUARD_BACKOFF", "SARRAF_GUARD_MAX_BACKOFF",
		"SARRAF_INVARIANT_EPSILON", "SARRAF_RATE_BURST", "SARRAF_RATE_PER_SEC", "SARRAF_MIGRATIONS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, 3, cfg.Guard.Retries)
	assert.Equal(t, 20*time.Millisecond, cfg.Guard.MinBackoff)
	assert.Equal(t, 250*time.Millisecond, cfg.Guard.MaxBackoff)
	assert.True(t, cfg.Guard.Epsilon.Equal(decimal.New(1, -3)))
	assert.True(t, cfg.Migrate)
	require.NoError(t, cfg.Validate(false))
	require.Error(t, cfg.Validate(true))
}

func TestEnvFileAndYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("SARRAF_AUTH_SECRET=from-dotenv\nSARRAF_GUARD_RETRIES=5\n"), 0o600))
	yamlPath := filepath.Join(dir, "sarraf.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("SARRAF_HTTP_ADDR: \":9000\"\nSARRAF_GUARD_RETRIES: 7\nsarraf_rate_burst: 50\n"), 0o600))
	t.Setenv("SARRAF_CONFIG", yamlPath)

	cfg, err := Load(envPath)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.AuthSecret)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.Guard.Retries, "environment wins over yaml")
	assert.Equal(t, 50, cfg.RateBurst)
	require.NoError(t, cfg.Validate(true))
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())
	t.Setenv("SARRAF_GUARD_BACKOFF", "soon")
	t.Setenv("SARRAF_INVARIANT_EPSILON", "tiny")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SARRAF_GUARD_BACKOFF")
	assert.Contains(t, err.Error(), "SARRAF_INVARIANT_EPSILON")
}

func TestValidate(t *testing.T) {
	cfg := Config{
		AuthSecret: "s",
		Guard:      GuardConfig{Retries: -1, MinBackoff: time.Second, MaxBackoff: time.Millisecond, Epsilon: decimal.Zero},
		RateBurst:  1,
		RatePerSec: 1,
	}
	err := cfg.Validate(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
	assert.Contains(t, err.Error(), "backoff")
	assert.Contains(t, err.Error(), "epsilon")

	opts := GuardConfig{Retries: 2, MinBackoff: time.Millisecond, MaxBackoff: time.Second, Epsilon: decimal.New(1, -2)}.Options()
	assert.Equal(t, 2, opts.Retries)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
