// Package capabilities derives runner capability facts from command output.
package capabilities

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Capability status values.
const (
	StatusInstalled = "installed"
	StatusVerified  = "verified"
)

type entry struct {
	key      string
	patterns []*regexp.Regexp
}

// table is ordered; within an entry the first matching pattern wins.
var table = []entry{
	{"docker.installed", compile(`(?i)\bDocker version \d+\.\d+`)},
	{"docker.compose", compile(`(?i)\bDocker Compose version v?\d+`, `(?i)\bdocker-compose version \d+`)},
	{"git.installed", compile(`(?m)^git version \d+`)},
	{"node.installed", compile(`(?mi)^node(?:\.js)?:\s*v?\d+\.\d+`)},
	{"npm.installed", compile(`(?mi)^npm:\s*\d+\.\d+`)},
	{"pm2.installed", compile(`(?mi)^pm2:\s*\d+\.\d+`)},
	{"nginx.installed", compile(`nginx version: nginx/\d`)},
	{"certbot.installed", compile(`(?m)^certbot \d+\.\d+`)},
	{"caddy.installed", compile(`(?m)^v2\.\d+\.\d+ h1:`, `(?mi)^caddy:\s*v?\d`)},
	{"python.installed", compile(`\bPython 3\.\d+`)},
	{"systemd.installed", compile(`(?m)^systemd \d+ \(`)},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Keys returns the capability keys the pattern table can produce, in table order.
func Keys() []string {
	keys := make([]string, len(table))
	for i, e := range table {
		keys[i] = e.key
	}
	return keys
}

// Extract scans command output for known capabilities. Entries of an embedded
// JSON object with a "capabilities" key are merged over the pattern results.
// It never fails: malformed JSON is ignored and empty input yields an empty map.
func Extract(text string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(text) == "" {
		return result
	}

	for _, e := range table {
		for _, re := range e.patterns {
			if re.MatchString(text) {
				result[e.key] = StatusInstalled
				break
			}
		}
	}

	for k, v := range embedded(text) {
		result[k] = v
	}
	return result
}

// embedded returns the capabilities of the first JSON object in text that
// carries a "capabilities" object.
func embedded(text string) map[string]string {
	if !strings.Contains(text, `"capabilities"`) {
		return nil
	}
	for i := strings.IndexByte(text, '{'); i >= 0; {
		if caps, ok := decodeAt(text[i:]); ok {
			return caps
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil
}

func decodeAt(s string) (map[string]string, bool) {
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&doc); err != nil {
		return nil, false
	}
	raw, ok := doc["capabilities"]
	if !ok {
		return nil, false
	}

	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, false
	}

	caps := make(map[string]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			caps[k] = val
		case bool:
			if val {
				caps[k] = StatusInstalled
			}
		}
	}
	return caps, true
}

// Merge adds detected capabilities to a remote set without removing anything.
// A remote "verified" entry is not downgraded to "installed".
func Merge(remote, detected map[string]string) map[string]string {
	merged := make(map[string]string, len(remote)+len(detected))
	for k, v := range remote {
		merged[k] = v
	}
	for k, v := range detected {
		if merged[k] == StatusVerified && v == StatusInstalled {
			continue
		}
		merged[k] = v
	}
	return merged
}

// ProbeScript is the shell script run on a runner host to collect the
// version banners Extract understands.
func ProbeScript() string {
	return strings.Join([]string{
		"docker --version 2>/dev/null || true",
		"docker compose version 2>/dev/null || docker-compose version 2>/dev/null || true",
		"git --version 2>/dev/null || true",
		`command -v node >/dev/null 2>&1 && echo "node: $(node -v)"`,
		`command -v npm >/dev/null 2>&1 && echo "npm: $(npm -v)"`,
		`command -v pm2 >/dev/null 2>&1 && echo "pm2: $(pm2 -v)"`,
		"nginx -v 2>&1 || true",
		"certbot --version 2>/dev/null || true",
		"caddy version 2>/dev/null || true",
		"python3 --version 2>/dev/null || true",
		"systemctl --version 2>/dev/null | head -n1 || true",
	}, "\n") + "\n"
}
