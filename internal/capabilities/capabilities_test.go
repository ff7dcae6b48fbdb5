package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_DockerVersion(t *testing.T) {
	got := Extract("Docker version 24.0.5, build ced0996")
	assert.Equal(t, map[string]string{"docker.installed": "installed"}, got)
}

func TestExtract_EmptyInput(t *testing.T) {
	got := Extract("")
	require.NotNil(t, got)
	assert.Empty(t, got)

	assert.Empty(t, Extract("   \n\t"))
}

func TestExtract_ProbeOutput(t *testing.T) {
	out := `Docker version 25.0.3, build 4debf41
Docker Compose version v2.24.6
git version 2.39.2
node: v20.11.1
npm: 10.2.4
nginx version: nginx/1.24.0
certbot 2.9.0
Python 3.11.2
`
	got := Extract(out)

	assert.Equal(t, map[string]string{
		"docker.installed":  "installed",
		"docker.compose":    "installed",
		"git.installed":     "installed",
		"node.installed":    "installed",
		"npm.installed":     "installed",
		"nginx.installed":   "installed",
		"certbot.installed": "installed",
		"python.installed":  "installed",
	}, got)
}

func TestExtract_EmbeddedJSONOverridesPatterns(t *testing.T) {
	out := `Docker version 24.0.5
report: {"ok": true, "capabilities": {"docker.installed": "verified", "supabase.cli": true, "ignored": 3}}
done`
	got := Extract(out)

	assert.Equal(t, "verified", got["docker.installed"])
	assert.Equal(t, "installed", got["supabase.cli"])
	_, ok := got["ignored"]
	assert.False(t, ok)
}

func TestExtract_MalformedJSONIgnored(t *testing.T) {
	out := `git version 2.43.0
{"capabilities": {"docker.installed": "verified",`
	got := Extract(out)

	assert.Equal(t, map[string]string{"git.installed": "installed"}, got)
}

func TestExtract_NestedCapabilitiesObject(t *testing.T) {
	out := `{"result": {"capabilities": {"caddy.installed": "verified"}}}`
	got := Extract(out)

	assert.Equal(t, map[string]string{"caddy.installed": "verified"}, got)
}

func TestExtract_KeysAreSubsetOfTableAndJSON(t *testing.T) {
	inputs := []string{
		"Docker version 24.0.5",
		"random text with { braces } and \"capabilities\" words",
		`{"capabilities": {"custom.thing": "installed"}} nginx version: nginx/1.25.1`,
		"v2.7.6 h1:abcdef\nsystemd 252 (252.22-1)",
	}
	allowed := map[string]bool{"custom.thing": true}
	for _, k := range Keys() {
		allowed[k] = true
	}

	for _, in := range inputs {
		for k := range Extract(in) {
			assert.Truef(t, allowed[k], "unexpected key %q for input %q", k, in)
		}
	}
}

func TestMerge_Additive(t *testing.T) {
	remote := map[string]string{
		"docker.installed": "verified",
		"git.installed":    "installed",
	}
	detected := map[string]string{
		"docker.installed": "installed",
		"nginx.installed":  "installed",
	}

	got := Merge(remote, detected)

	assert.Equal(t, map[string]string{
		"docker.installed": "verified",
		"git.installed":    "installed",
		"nginx.installed":  "installed",
	}, got)
	assert.Len(t, remote, 2, "remote set must not be mutated")
}

func TestMerge_DetectedVerifiedUpgrades(t *testing.T) {
	got := Merge(map[string]string{"node.installed": "installed"}, map[string]string{"node.installed": "verified"})
	assert.Equal(t, "verified", got["node.installed"])
}

func TestProbeScriptCoversTable(t *testing.T) {
	script := ProbeScript()
	for _, bin := range []string{"docker", "git", "node", "npm", "pm2", "nginx", "certbot", "caddy", "python3"} {
		assert.Contains(t, script, bin)
	}
}
