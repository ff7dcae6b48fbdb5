// Package deploy turns deployment descriptors into ordered shell step plans.
package deploy

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/opsdeck/opsdeck/internal/nginx"
)

const (
	// AppsRoot is where applications are checked out on the target host.
	AppsRoot = "/srv/apps"
	// WebRoot is where static sites are published.
	WebRoot = "/var/www"

	defaultBranch    = "main"
	defaultOutputDir = "dist"
	healthAttempts   = 30
)

// ErrInvalidDescriptor is returned for descriptors that cannot be planned.
var ErrInvalidDescriptor = errors.New("invalid deployment descriptor")

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// GenerateSteps builds the ordered step list for a descriptor. The same
// descriptor always yields the same steps. Every step starts pending.
func GenerateSteps(d models.Descriptor) ([]models.DeploymentStep, error) {
	if err := validate(d); err != nil {
		return nil, err
	}

	p := newPlan(d)
	p.clone()
	p.checkout()
	if len(d.EnvVars) > 0 {
		p.writeEnv()
	}

	switch d.DeployType {
	case models.DeployTypeNodeJS:
		p.nodeJS()
	case models.DeployTypeDockerCompose:
		p.dockerCompose()
	case models.DeployTypeStaticSite:
		p.staticSite()
	case models.DeployTypeCustom:
		p.custom()
	}

	p.healthcheck()
	if d.ExposeViaCaddy && d.Domain != "" {
		p.expose()
	}
	p.finalize()
	return p.steps, nil
}

func validate(d models.Descriptor) error {
	if strings.TrimSpace(d.RepoURL) == "" {
		return fmt.Errorf("%w: repo_url is required", ErrInvalidDescriptor)
	}
	if !d.DeployType.IsValid() {
		return fmt.Errorf("%w: unknown deploy type %q", ErrInvalidDescriptor, d.DeployType)
	}
	for k, v := range d.EnvVars {
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: invalid env var name %q", ErrInvalidDescriptor, k)
		}
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: env var %s contains a line break", ErrInvalidDescriptor, k)
		}
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDescriptor, d.Port)
	}
	if d.DeployType == models.DeployTypeCustom &&
		d.InstallCommand == "" && d.BuildCommand == "" && d.StartCommand == "" {
		return fmt.Errorf("%w: custom deployments need at least one command", ErrInvalidDescriptor)
	}
	if d.ExposeViaCaddy && d.Domain != "" && !models.ValidDomain(d.Domain) {
		return fmt.Errorf("%w: invalid domain %q", ErrInvalidDescriptor, d.Domain)
	}
	if d.ExposeViaCaddy && d.Domain != "" && d.Port == 0 && d.DeployType != models.DeployTypeStaticSite {
		return fmt.Errorf("%w: exposing %s requires a port", ErrInvalidDescriptor, d.Domain)
	}
	return nil
}

// Slug derives the application name used for directories and process names.
func Slug(d models.Descriptor) string {
	name := d.Name
	if name == "" {
		name = strings.TrimSuffix(path.Base(strings.TrimRight(d.RepoURL, "/")), ".git")
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "app"
	}
	return slug
}

type plan struct {
	d     models.Descriptor
	name  string
	dir   string
	steps []models.DeploymentStep
}

func newPlan(d models.Descriptor) *plan {
	name := Slug(d)
	return &plan{d: d, name: name, dir: path.Join(AppsRoot, name)}
}

func (p *plan) add(phase models.StepPhase, title, command string) {
	p.steps = append(p.steps, models.DeploymentStep{
		Index:   len(p.steps),
		Phase:   phase,
		Title:   title,
		Command: command,
		Status:  models.StepPending,
	})
}

func (p *plan) inDir(command string) string {
	return "cd " + shellquote.Join(p.dir) + " && " + command
}

func (p *plan) branch() string {
	if p.d.Branch != "" {
		return p.d.Branch
	}
	return defaultBranch
}

func (p *plan) clone() {
	dir := shellquote.Join(p.dir)
	p.add(models.PhaseClone, "Clone repository", fmt.Sprintf(
		"if [ -d %s/.git ]; then git -C %s fetch --all --prune; else git clone %s %s; fi",
		dir, dir, shellquote.Join(p.d.RepoURL), dir,
	))
}

func (p *plan) checkout() {
	branch := p.branch()
	p.add(models.PhaseCheckout, "Checkout "+branch, fmt.Sprintf(
		"git -C %s checkout %s && git -C %s reset --hard %s",
		shellquote.Join(p.dir), shellquote.Join(branch),
		shellquote.Join(p.dir), shellquote.Join("origin/"+branch),
	))
}

func (p *plan) writeEnv() {
	keys := make([]string, 0, len(p.d.EnvVars))
	for k := range p.d.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + p.d.EnvVars[k]
	}
	p.add(models.PhaseWriteEnv, "Write environment file", fmt.Sprintf(
		"umask 077 && printf '%%s\\n' %s > %s",
		shellquote.Join(lines...), shellquote.Join(path.Join(p.dir, ".env")),
	))
}

func (p *plan) nodeJS() {
	p.add(models.PhaseInstall, "Install dependencies",
		p.inDir(orDefault(p.d.InstallCommand, "(npm ci || npm install)")))
	p.add(models.PhaseBuild, "Build",
		p.inDir(orDefault(p.d.BuildCommand, "npm run build --if-present")))

	start := p.d.StartCommand
	if start == "" {
		start = fmt.Sprintf("(pm2 delete %s >/dev/null 2>&1 || true) && %spm2 start npm --name %s -- start",
			shellquote.Join(p.name), p.portEnv(), shellquote.Join(p.name))
	}
	p.add(models.PhaseStart, "Start process", p.inDir(start))
}

func (p *plan) dockerCompose() {
	project := shellquote.Join(p.name)
	if p.d.ComposeFile != "" {
		p.add(models.PhaseInstall, "Write compose file", fmt.Sprintf(
			"printf '%%s' %s > %s",
			shellquote.Join(p.d.ComposeFile), shellquote.Join(path.Join(p.dir, "compose.yaml")),
		))
	}
	p.add(models.PhaseBuild, "Build images",
		p.inDir(orDefault(p.d.BuildCommand, "docker compose -p "+project+" build")))
	p.add(models.PhaseStart, "Start services",
		p.inDir(orDefault(p.d.StartCommand, "docker compose -p "+project+" up -d --remove-orphans")))
}

func (p *plan) staticSite() {
	p.add(models.PhaseInstall, "Install dependencies",
		p.inDir(orDefault(p.d.InstallCommand, "(npm ci || npm install)")))
	p.add(models.PhaseBuild, "Build site",
		p.inDir(orDefault(p.d.BuildCommand, "npm run build")))

	out := orDefault(p.d.OutputDir, defaultOutputDir)
	web := p.webDir()
	p.add(models.PhaseStart, "Publish site", fmt.Sprintf(
		"mkdir -p %s && rsync -a --delete %s %s",
		shellquote.Join(web), shellquote.Join(path.Join(p.dir, out)+"/"), shellquote.Join(web+"/"),
	))
}

func (p *plan) custom() {
	if p.d.InstallCommand != "" {
		p.add(models.PhaseInstall, "Install", p.inDir(p.d.InstallCommand))
	}
	if p.d.BuildCommand != "" {
		p.add(models.PhaseBuild, "Build", p.inDir(p.d.BuildCommand))
	}
	if p.d.StartCommand != "" {
		p.add(models.PhaseStart, "Start", p.inDir(p.d.StartCommand))
	}
}

func (p *plan) healthcheck() {
	if p.d.Port > 0 {
		url := fmt.Sprintf("http://127.0.0.1:%d%s", p.d.Port, healthPath(p.d.HealthcheckPath))
		p.add(models.PhaseHealthcheck, "Wait for "+url, fmt.Sprintf(
			"(for i in $(seq 1 %d); do curl -fsS -o /dev/null %s && exit 0; sleep 2; done; exit 1)",
			healthAttempts, shellquote.Join(url),
		))
		return
	}

	switch p.d.DeployType {
	case models.DeployTypeStaticSite:
		p.add(models.PhaseHealthcheck, "Check published index",
			"test -f "+shellquote.Join(path.Join(p.webDir(), "index.html")))
	case models.DeployTypeDockerCompose:
		p.add(models.PhaseHealthcheck, "Check running services",
			p.inDir("docker compose -p "+shellquote.Join(p.name)+" ps --status running --quiet | grep -q ."))
	case models.DeployTypeNodeJS:
		p.add(models.PhaseHealthcheck, "Check process",
			"pm2 describe "+shellquote.Join(p.name)+" >/dev/null")
	default:
		p.add(models.PhaseHealthcheck, "No healthcheck configured", "true")
	}
}

func (p *plan) expose() {
	route := models.Route{Domain: p.d.Domain, Kind: models.RouteCaddy}
	if p.d.Port > 0 {
		route.Upstream = "127.0.0.1:" + strconv.Itoa(p.d.Port)
	} else {
		route.Root = p.webDir()
	}
	p.add(models.PhaseExpose, "Expose "+p.d.Domain+" via Caddy", nginx.Script(route))
}

func (p *plan) finalize() {
	p.add(models.PhaseFinalize, "Finalize", fmt.Sprintf(
		"date -u +%%Y-%%m-%%dT%%H:%%M:%%SZ > %s && echo %s",
		shellquote.Join(path.Join(p.dir, ".opsdeck-deployed")),
		shellquote.Join("deployment "+p.name+" finalized"),
	))
}

func (p *plan) portEnv() string {
	if p.d.Port > 0 {
		return "PORT=" + strconv.Itoa(p.d.Port) + " "
	}
	return ""
}

func (p *plan) webDir() string {
	return path.Join(WebRoot, p.name)
}

func healthPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Script joins step commands into one fail-fast shell script.
func Script(steps []models.DeploymentStep) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -eu\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "\n# [%d] %s: %s\n%s\n", s.Index, s.Phase, s.Title, s.Command)
	}
	return b.String()
}
