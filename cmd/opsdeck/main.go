package main

import (
	"fmt"
	"os"
	"time"

	"github.com/opsdeck/opsdeck/internal/client"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/controlplane"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "opsdeck",
	Short:         "opsdeck - server operations control plane",
	Long:          `opsdeck manages servers, runners, playbooks and deployments by submitting orders to a remote orders engine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath   string
	apiAddr      string
	listenAddr   string
	dbPath       string
	engineURL    string
	engineToken  string
	pollInterval time.Duration
	logLevel     string

	cfg    *config.Config
	logger *zap.Logger
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", config.Path(), "Path to the config file")
	flags.StringVar(&apiAddr, "api", "", "Daemon API address (default derived from --listen)")
	flags.StringVar(&listenAddr, "listen", config.DefaultListen, "Listen address for the API server")
	flags.StringVar(&dbPath, "db", config.DefaultDBPath(), "Path to SQLite database")
	flags.StringVar(&engineURL, "engine-url", config.DefaultEngineURL, "Base URL of the engine edge proxies")
	flags.StringVar(&engineToken, "engine-token", "", "Bearer token for the engine (env "+config.TokenEnv+")")
	flags.DurationVar(&pollInterval, "poll-interval", config.DefaultPollInterval, "Delay between order status fetches")
	flags.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(runnerCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(playbookCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// loadConfig reads the config file and applies flags the user set explicitly.
func loadConfig(cmd *cobra.Command) error {
	c, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		c.Listen = listenAddr
	}
	if flags.Changed("db") {
		c.DBPath = dbPath
	}
	if flags.Changed("engine-url") {
		c.Engine.URL = engineURL
	}
	if flags.Changed("engine-token") {
		c.Engine.Token = engineToken
	}
	if flags.Changed("poll-interval") {
		c.PollInterval = pollInterval
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	l, _, err := logging.New(logging.Options{Level: c.Log.Level, Development: c.Log.Development})
	if err != nil {
		return err
	}
	cfg, logger = c, l
	controlplane.Version = version
	return nil
}

func daemonURL() string {
	if apiAddr != "" {
		return apiAddr
	}
	return cfg.APIURL()
}

func newClient() *client.Client {
	return client.New(daemonURL())
}

func main() {
	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
