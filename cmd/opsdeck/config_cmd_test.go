package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteConfig_RoundTripsAndRefusesOverwrite(t *testing.T) {
	t.Setenv(config.TokenEnv, "")
	path := filepath.Join(t.TempDir(), "opsdeck", "config.yaml")

	c := config.Default()
	c.Listen = "127.0.0.1:9000"
	c.PollInterval = 2 * time.Second
	require.NoError(t, writeConfig(path, c, false))

	loaded, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", loaded.Listen)
	assert.Equal(t, 2*time.Second, loaded.PollInterval)

	c.Listen = "127.0.0.1:9001"
	assert.Error(t, writeConfig(path, c, false))

	require.NoError(t, writeConfig(path, c, true))
	loaded, err = config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", loaded.Listen)
}
