package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"a=1", "url=http://x?y=z", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "url": "http://x?y=z", "empty": ""}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=v"})
	assert.Error(t, err)
}

func TestLoadDescriptor_YAMLUsesAPIKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: shop
repo_url: https://github.com/acme/shop.git
deploy_type: nodejs
port: 3000
expose_via_caddy: true
domain: shop.example.com
env_vars:
  NODE_ENV: production
`), 0o644))

	d, err := loadDescriptor(path)
	require.NoError(t, err)

	want := models.Descriptor{
		Name:           "shop",
		RepoURL:        "https://github.com/acme/shop.git",
		DeployType:     models.DeployTypeNodeJS,
		Port:           3000,
		ExposeViaCaddy: true,
		Domain:         "shop.example.com",
		EnvVars:        map[string]string{"NODE_ENV": "production"},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDescriptor_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"site","repo_url":"https://x/y.git","deploy_type":"static_site"}`), 0o644))

	d, err := loadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, models.DeployTypeStaticSite, d.DeployType)
	assert.Equal(t, "site", d.Name)
}

func TestLoadDescriptor_Missing(t *testing.T) {
	_, err := loadDescriptor(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
