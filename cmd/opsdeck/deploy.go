package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Plan and run deployments",
}

var deployPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate and store a deployment plan",
	Long: `Generate the step plan for a deployment descriptor.

The descriptor comes from --file (YAML or JSON, keys as in the API) and is
overridden by any descriptor flags given on the command line.`,
	RunE: runDeployPlan,
}

var deployListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments",
	RunE:  runDeployList,
}

var deployShowCmd = &cobra.Command{
	Use:   "show [deployment-id]",
	Short: "Show a deployment and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployShow,
}

var deployRunCmd = &cobra.Command{
	Use:   "run [deployment-id]",
	Short: "Submit a planned deployment to the server's runner",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployRun,
}

var (
	deployServer   string
	deployFile     string
	deployCompose  string
	deployWatch    bool
	deployEnv      []string
	deployDesc     models.Descriptor
	deployTypeFlag string
)

func init() {
	deployCmd.AddCommand(deployPlanCmd, deployListCmd, deployShowCmd, deployRunCmd)

	f := deployPlanCmd.Flags()
	f.StringVar(&deployServer, "server", "", "Server ID (required)")
	f.StringVarP(&deployFile, "file", "f", "", "Descriptor file (YAML or JSON)")
	f.StringVar(&deployDesc.Name, "name", "", "Application name")
	f.StringVar(&deployDesc.RepoURL, "repo", "", "Git repository URL")
	f.StringVar(&deployDesc.Branch, "branch", "", "Branch to deploy")
	f.StringVar(&deployTypeFlag, "type", "", "Deploy type: nodejs, docker_compose, static_site or custom")
	f.IntVar(&deployDesc.Port, "port", 0, "Application port")
	f.StringVar(&deployDesc.HealthcheckPath, "healthcheck", "", "Healthcheck path")
	f.StringVar(&deployDesc.InstallCommand, "install", "", "Install command")
	f.StringVar(&deployDesc.BuildCommand, "build", "", "Build command")
	f.StringVar(&deployDesc.StartCommand, "start", "", "Start command")
	f.StringVar(&deployDesc.OutputDir, "output-dir", "", "Build output directory for static sites")
	f.StringVar(&deployCompose, "compose", "", "Path to a compose file to embed")
	f.BoolVar(&deployDesc.ExposeViaCaddy, "expose", false, "Expose the application through Caddy")
	f.StringVar(&deployDesc.Domain, "domain", "", "Domain to expose under")
	f.StringArrayVar(&deployEnv, "env", nil, "Environment variable as KEY=value (repeatable)")
	deployPlanCmd.MarkFlagRequired("server")

	deployListCmd.Flags().StringVar(&deployServer, "server", "", "Only deployments of this server")
	deployRunCmd.Flags().BoolVar(&deployWatch, "watch", false, "Watch the deployment order until it finishes")
}

// loadDescriptor reads a YAML or JSON descriptor. YAML is normalized through
// JSON so both formats share the API field names.
func loadDescriptor(path string) (models.Descriptor, error) {
	var d models.Descriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return d, fmt.Errorf("parse %s: %w", path, err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("decode %s: %w", path, err)
	}
	return d, nil
}

func buildDescriptor(cmd *cobra.Command) (models.Descriptor, error) {
	var d models.Descriptor
	if deployFile != "" {
		var err error
		if d, err = loadDescriptor(deployFile); err != nil {
			return d, err
		}
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("name", func() { d.Name = deployDesc.Name })
	set("repo", func() { d.RepoURL = deployDesc.RepoURL })
	set("branch", func() { d.Branch = deployDesc.Branch })
	set("type", func() { d.DeployType = models.DeployType(deployTypeFlag) })
	set("port", func() { d.Port = deployDesc.Port })
	set("healthcheck", func() { d.HealthcheckPath = deployDesc.HealthcheckPath })
	set("install", func() { d.InstallCommand = deployDesc.InstallCommand })
	set("build", func() { d.BuildCommand = deployDesc.BuildCommand })
	set("start", func() { d.StartCommand = deployDesc.StartCommand })
	set("output-dir", func() { d.OutputDir = deployDesc.OutputDir })
	set("expose", func() { d.ExposeViaCaddy = deployDesc.ExposeViaCaddy })
	set("domain", func() { d.Domain = deployDesc.Domain })

	if deployCompose != "" {
		data, err := os.ReadFile(deployCompose)
		if err != nil {
			return d, err
		}
		d.ComposeFile = string(data)
	}
	if len(deployEnv) > 0 {
		params, err := parseParams(deployEnv)
		if err != nil {
			return d, err
		}
		if d.EnvVars == nil {
			d.EnvVars = make(map[string]string, len(params))
		}
		for k, v := range params {
			d.EnvVars[k] = v.(string)
		}
	}
	if d.Name == "" || d.RepoURL == "" || d.DeployType == "" {
		return d, errors.New("descriptor needs a name, repo and type")
	}
	return d, nil
}

func runDeployPlan(cmd *cobra.Command, args []string) error {
	d, err := buildDescriptor(cmd)
	if err != nil {
		return err
	}
	dep, err := newClient().PlanDeployment(cmd.Context(), deployServer, d)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(dep)
	}
	fmt.Printf("Planned deployment: %s\n\n", dep.ID)
	printDeployment(dep)
	return nil
}

func runDeployList(cmd *cobra.Command, args []string) error {
	deps, err := newClient().ListDeployments(cmd.Context(), deployServer)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(deps)
	}
	if len(deps) == 0 {
		fmt.Println("No deployments found")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSERVER\tSTATUS\tCREATED")
	for _, d := range deps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(d.ID), d.Descriptor.Name, d.Descriptor.DeployType, truncateID(d.ServerID), d.Status, formatTime(d.CreatedAt))
	}
	return w.Flush()
}

func runDeployShow(cmd *cobra.Command, args []string) error {
	dep, err := newClient().GetDeployment(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(dep)
	}
	printDeployment(dep)
	return nil
}

func runDeployRun(cmd *cobra.Command, args []string) error {
	c := newClient()
	dep, err := c.RunDeployment(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Deployment %s is %s (order %s)\n", dep.ID, dep.Status, dep.OrderID)
	if !deployWatch || dep.OrderID == "" {
		return nil
	}
	if err := watchOrder(cmd.Context(), dep.OrderID); err != nil {
		return err
	}

	dep, err = c.GetDeployment(cmd.Context(), dep.ID)
	if err != nil {
		return err
	}
	fmt.Println()
	printDeployment(dep)
	return nil
}

func printDeployment(d *models.Deployment) {
	fmt.Printf("ID:      %s\n", d.ID)
	fmt.Printf("Name:    %s (%s)\n", d.Descriptor.Name, d.Descriptor.DeployType)
	fmt.Printf("Server:  %s\n", d.ServerID)
	fmt.Printf("Status:  %s\n", d.Status)
	if d.OrderID != "" {
		fmt.Printf("Order:   %s\n", d.OrderID)
	}
	if len(d.Services) > 0 {
		fmt.Printf("Services: %v\n", d.Services)
	}
	fmt.Println()

	w := newTable()
	fmt.Fprintln(w, "#\tPHASE\tTITLE\tSTATUS")
	for _, s := range d.Steps {
		status := string(s.Status)
		if s.Error != "" {
			status += ": " + truncate(s.Error, 40)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Index, s.Phase, s.Title, status)
	}
	w.Flush()
}
