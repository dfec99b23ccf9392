package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(lookupMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.False(t, cfg.Production())
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := LoadFrom(lookupMap(map[string]string{
		"APP_ENV":          "production",
		"HTTP_ADDR":        ":8080",
		"OAUTH_BASE_URL":   "https://auth.example.com/",
		"VAULT_KEY":        "k",
		"RATE_LIMIT_RPM":   "120",
		"SHUTDOWN_TIMEOUT": "3s",
		"TRUSTED_PROXIES":  " 10.0.0.1, ,10.0.0.2",
	}))
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "https://auth.example.com", cfg.BaseURL)
	assert.Equal(t, "k", cfg.VaultKey)
	assert.Equal(t, 120, cfg.RateLimitRPM)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.TrustedProxies)
}

func TestLoad_BadNumbersKeepDefaults(t *testing.T) {
	cfg, err := LoadFrom(lookupMap(map[string]string{"RATE_LIMIT_RPM": "lots", "SHUTDOWN_TIMEOUT": "soon"}))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.RateLimitRPM)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	_, err = LoadFrom(lookupMap(map[string]string{"RATE_LIMIT_RPM": "0"}))
	require.Error(t, err)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
vault_dir: /var/lib/keyward
redis_url: redis://cache:6379/0
shutdown_timeout: 30s
`), 0o600))

	cfg, err := LoadFrom(lookupMap(map[string]string{FileEnv: path, "VAULT_DIR": "/tmp/vault"}))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "/tmp/vault", cfg.VaultDir, "env wins over file")
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, ":3011", cfg.GRPCAddr)
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := LoadFrom(lookupMap(map[string]string{FileEnv: filepath.Join(t.TempDir(), "missing.yaml")}))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: [unterminated"), 0o600))
	_, err = LoadFrom(lookupMap(map[string]string{FileEnv: path}))
	require.Error(t, err)
}
