package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsMatchDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("WORKER_PROBE_TIMEOUT", "250ms")
	t.Setenv("RPC_CALL_TIMEOUT", "3s")
	t.Setenv("STORAGE_PATH", "/tmp/frames.db")
	t.Setenv("TRANSPORT_RPS", "2.5")
	t.Setenv("SANDBOX_REMOTE", "true")
	t.Setenv("TRANSPORT_BLOCKLIST", "ads.example.com/**,*/tracker.js")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr())
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.ProbeTimeout)
	assert.Equal(t, 3*time.Second, cfg.RPC.CallTimeout)
	assert.Equal(t, "/tmp/frames.db", cfg.Storage.Path)
	assert.Equal(t, 2.5, cfg.Transport.RPS)
	assert.True(t, cfg.Sandbox.Remote)
	assert.Equal(t, []string{"ads.example.com/**", "*/tracker.js"}, cfg.Transport.Blocklist)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("WORKER_PROBE_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
	assert.Equal(t, Default(), LoadOrDefault())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxyframe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, `
server:
  port: "9200"
transport:
  timeout: 5s
  blocklist:
    - ads.example.com/**
sandbox:
  remote: true
rate_limit:
  enabled: false
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9200", cfg.Server.Addr())
	assert.Equal(t, 5*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, []string{"ads.example.com/**"}, cfg.Transport.Blocklist)
	assert.True(t, cfg.Sandbox.Remote)
	assert.False(t, cfg.RateLimit.Enabled)

	// keys missing from the file keep their env or default value
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2, cfg.Transport.Retries)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "missing file", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{name: "unknown key", path: func(t *testing.T) string { return writeConfig(t, "server:\n  prot: \"1\"\n") }},
		{name: "bad duration", path: func(t *testing.T) string { return writeConfig(t, "rpc:\n  call_timeout: soon\n") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(tt.path(t))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileEmptyPath(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
