package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "proxyframe.yaml")
	require.NoError(t, os.WriteFile(file, []byte("server:\n  port: \"9200\"\nstorage:\n  path: /tmp/file.db\n"), 0o600))

	tests := []struct {
		name        string
		args        []string
		wantPort    string
		wantStorage string
		wantRemote  bool
	}{
		{name: "defaults", wantPort: "8000"},
		{name: "flags", args: []string{"-port", "9100", "-remote-sandbox"}, wantPort: "9100", wantRemote: true},
		{name: "file", args: []string{"-config", file}, wantPort: "9200", wantStorage: "/tmp/file.db"},
		{name: "flags beat file", args: []string{"-config", file, "-port", "9300"}, wantPort: "9300", wantStorage: "/tmp/file.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPort, cfg.Server.Port)
			assert.Equal(t, tt.wantStorage, cfg.Storage.Path)
			assert.Equal(t, tt.wantRemote, cfg.Sandbox.Remote)
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	_, err = loadConfig([]string{"-no-such-flag"})
	assert.Error(t, err)
}
