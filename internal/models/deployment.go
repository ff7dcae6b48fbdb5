package models

import (
	"fmt"
	"regexp"
	"time"
)

var (
	domainPattern   = regexp.MustCompile(`^(\*\.)?[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)
	upstreamPattern = regexp.MustCompile(`^[A-Za-z0-9.\-]+:[0-9]{1,5}$|^\[[0-9A-Fa-f:]+\]:[0-9]{1,5}$`)
)

// ValidDomain reports whether d is safe to place in proxy configs and paths.
func ValidDomain(d string) bool {
	return len(d) <= 253 && domainPattern.MatchString(d)
}

// DeployType selects the type-specific steps of a deployment.
type DeployType string

const (
	DeployTypeNodeJS        DeployType = "nodejs"
	DeployTypeDockerCompose DeployType = "docker_compose"
	DeployTypeStaticSite    DeployType = "static_site"
	DeployTypeCustom        DeployType = "custom"
)

// IsValid reports whether t is one of the known deploy types.
func (t DeployType) IsValid() bool {
	switch t {
	case DeployTypeNodeJS, DeployTypeDockerCompose, DeployTypeStaticSite, DeployTypeCustom:
		return true
	default:
		return false
	}
}

// StepPhase names a position in the fixed deployment backbone.
type StepPhase string

const (
	PhaseClone       StepPhase = "clone"
	PhaseCheckout    StepPhase = "checkout"
	PhaseWriteEnv    StepPhase = "write_env"
	PhaseInstall     StepPhase = "install"
	PhaseBuild       StepPhase = "build"
	PhaseStart       StepPhase = "start"
	PhaseHealthcheck StepPhase = "healthcheck"
	PhaseExpose      StepPhase = "expose"
	PhaseFinalize    StepPhase = "finalize"
)

// StepStatus is the execution state of a deployment step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepApplied StepStatus = "applied"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// IsValid reports whether s is a known step status.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepRunning, StepApplied, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a step may move from s to next.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepRunning || next == StepSkipped
	case StepRunning:
		return next == StepApplied || next == StepFailed
	default:
		return false
	}
}

// DeploymentStep is one ordered shell step of a deployment plan.
type DeploymentStep struct {
	Index      int        `json:"index"`
	Phase      StepPhase  `json:"phase"`
	Title      string     `json:"title"`
	Command    string     `json:"command"`
	Status     StepStatus `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// DeploymentStatus is the aggregate state of a deployment.
type DeploymentStatus string

const (
	DeploymentPlanned   DeploymentStatus = "planned"
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentSucceeded DeploymentStatus = "succeeded"
	DeploymentFailed    DeploymentStatus = "failed"
)

// Descriptor describes what to deploy and how.
type Descriptor struct {
	Name            string            `json:"name"`
	RepoURL         string            `json:"repo_url"`
	Branch          string            `json:"branch,omitempty"`
	DeployType      DeployType        `json:"deploy_type"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	Port            int               `json:"port,omitempty"`
	HealthcheckPath string            `json:"healthcheck_path,omitempty"`
	InstallCommand  string            `json:"install_command,omitempty"`
	BuildCommand    string            `json:"build_command,omitempty"`
	StartCommand    string            `json:"start_command,omitempty"`
	OutputDir       string            `json:"output_dir,omitempty"`
	ComposeFile     string            `json:"compose_file,omitempty"`
	ExposeViaCaddy  bool              `json:"expose_via_caddy"`
	Domain          string            `json:"domain,omitempty"`
}

// Deployment is a planned or executed deployment of a repository to a server.
type Deployment struct {
	ID         string           `json:"id"`
	ServerID   string           `json:"server_id"`
	Descriptor Descriptor       `json:"descriptor"`
	Services   []string         `json:"services,omitempty"`
	Status     DeploymentStatus `json:"status"`
	OrderID    string           `json:"order_id,omitempty"`
	Steps      []DeploymentStep `json:"steps"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RouteKind selects the reverse proxy a route is rendered for.
type RouteKind string

const (
	RouteNginx RouteKind = "nginx"
	RouteCaddy RouteKind = "caddy"
)

// Route exposes an upstream on a server under a domain.
type Route struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Domain    string    `json:"domain"`
	Upstream  string    `json:"upstream,omitempty"`
	Root      string    `json:"root,omitempty"`
	Kind      RouteKind `json:"kind"`
	TLS       bool      `json:"tls"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields every route needs.
func (r Route) Validate() error {
	if !ValidDomain(r.Domain) {
		return fmt.Errorf("invalid route domain %q", r.Domain)
	}
	if r.Upstream == "" && r.Root == "" {
		return fmt.Errorf("route needs an upstream or a root")
	}
	if r.Upstream != "" && !upstreamPattern.MatchString(r.Upstream) {
		return fmt.Errorf("invalid upstream %q, want host:port", r.Upstream)
	}
	if r.Kind == RouteNginx && r.Upstream == "" {
		return fmt.Errorf("nginx routes need an upstream")
	}
	if r.Kind != RouteNginx && r.Kind != RouteCaddy {
		return fmt.Errorf("unknown route kind %q", r.Kind)
	}
	if r.Kind == RouteNginx && r.TLS && r.Email == "" {
		return fmt.Errorf("certbot requires an email for %s", r.Domain)
	}
	return nil
}
