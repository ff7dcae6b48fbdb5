// Package nginx renders reverse proxy configuration for routes and the shell
// scripts that install it on a server. Both nginx and Caddy are supported.
package nginx

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/kballard/go-shellquote"
	"github.com/opsdeck/opsdeck/internal/models"
)

const (
	nginxAvailable = "/etc/nginx/sites-available"
	nginxEnabled   = "/etc/nginx/sites-enabled"
	caddyfile      = "/etc/caddy/Caddyfile"
	caddySites     = "/etc/caddy/sites"
)

var nginxTmpl = template.Must(template.New("nginx").Parse(`server {
    listen 80;
    listen [::]:80;
    server_name {{.Domain}};

    location / {
        proxy_pass http://{{.Upstream}};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`))

var caddyTmpl = template.Must(template.New("caddy").Parse(`{{.Domain}} {
{{- if .Upstream}}
    reverse_proxy {{.Upstream}}
{{- else}}
    root * {{.Root}}
    file_server
{{- end}}
    encode gzip
}
`))

// Render returns the config block for the route's proxy kind.
func Render(r models.Route) string {
	tmpl := nginxTmpl
	if r.Kind == models.RouteCaddy {
		tmpl = caddyTmpl
	}
	var buf bytes.Buffer
	// Templates are static and fields are plain strings; Execute cannot fail.
	_ = tmpl.Execute(&buf, r)
	return buf.String()
}

// ConfigPath is where the route's config file lives on the server.
func ConfigPath(r models.Route) string {
	if r.Kind == models.RouteCaddy {
		return path.Join(caddySites, r.Domain+".caddy")
	}
	return path.Join(nginxAvailable, r.Domain+".conf")
}

// Script returns the shell commands that install the route and reload the proxy.
// Routes are expected to have passed Validate.
func Script(r models.Route) string {
	if r.Kind == models.RouteCaddy {
		return caddyScript(r)
	}
	return nginxScript(r)
}

func nginxScript(r models.Route) string {
	conf := ConfigPath(r)
	lines := []string{
		fmt.Sprintf("printf '%%s' %s > %s", shellquote.Join(Render(r)), shellquote.Join(conf)),
		fmt.Sprintf("ln -sf %s %s", shellquote.Join(conf), shellquote.Join(path.Join(nginxEnabled, r.Domain+".conf"))),
		"nginx -t",
		"systemctl reload nginx",
	}
	if r.TLS {
		lines = append(lines, "certbot "+shellquote.Join(
			"--nginx", "-d", r.Domain, "--non-interactive", "--agree-tos", "-m", r.Email, "--redirect",
		))
	}
	return strings.Join(lines, " && ")
}

func caddyScript(r models.Route) string {
	lines := []string{
		"mkdir -p " + caddySites,
		fmt.Sprintf("printf '%%s' %s > %s", shellquote.Join(Render(r)), shellquote.Join(ConfigPath(r))),
		fmt.Sprintf("(grep -qxF 'import sites/*' %s || echo 'import sites/*' >> %s)", caddyfile, caddyfile),
		"caddy reload --config " + caddyfile,
	}
	return strings.Join(lines, " && ")
}
