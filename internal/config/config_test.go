package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_MissingUsesDefaults(t *testing.T) {
	t.Setenv(TokenEnv, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultEngineURL, cfg.Engine.URL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "http://127.0.0.1:7466", cfg.APIURL())
}

func TestLoadFile_OverridesAndEnvToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 0.0.0.0:9000
engine:
  url: https://edge.example.com/functions/v1
  token: from-file
poll_interval: 2s
log:
  level: debug
  development: true
`), 0o600))

	t.Setenv(TokenEnv, "")
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, "from-file", cfg.Engine.Token)
	assert.True(t, cfg.Log.Development)
	assert.NotEmpty(t, cfg.DBPath, "unset keys keep their defaults")

	t.Setenv(TokenEnv, "from-env")
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Engine.Token)
}

func TestLoadFile_Invalid(t *testing.T) {
	t.Setenv(TokenEnv, "")
	tests := map[string]string{
		"bad yaml":      "listen: [",
		"bad url":       "engine:\n  url: ftp://edge\n",
		"zero interval": "poll_interval: 0s\n",
		"bad level":     "log:\n  level: loud\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestPath_RespectsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "opsdeck", "config.yaml"), Path())
	assert.Equal(t, filepath.Join(dir, "opsdeck", "opsdeck.db"), DefaultDBPath())
}

func TestSave_OmitsEnvToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Engine.Token = "secret"

	t.Setenv(TokenEnv, "secret")
	require.NoError(t, cfg.Save(path))

	t.Setenv(TokenEnv, "")
	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.Engine.Token)
	assert.Equal(t, cfg.PollInterval, loaded.PollInterval)
}
