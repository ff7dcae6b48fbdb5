package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive TUI",
	RunE:  runTUI,
}

var (
	tuiRunner  string
	tuiNoSpawn bool
)

func init() {
	tuiCmd.Flags().StringVar(&tuiRunner, "runner", "", "Runner to select on start")
	tuiCmd.Flags().BoolVar(&tuiNoSpawn, "no-daemon", false, "Do not start the daemon when it is not running")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(cmd.Context()) {
		if tuiNoSpawn {
			return fmt.Errorf("daemon not reachable at %s", daemonURL())
		}
		fmt.Println("opsdeck daemon not running. Starting background service...")
		if err := startDaemon(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(newClient(), tui.Config{
		PollInterval: cfg.PollInterval,
		RunnerID:     tuiRunner,
	})
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	h, err := newClient().Health(ctx)
	return err == nil && h.OK
}

// startDaemon runs "opsdeck daemon" detached with the resolved config and
// waits up to five seconds for its health check to pass.
func startDaemon(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, "daemon",
		"--config", configPath,
		"--listen", cfg.Listen,
		"--db", cfg.DBPath,
		"--engine-url", cfg.Engine.URL,
		"--log-level", cfg.Log.Level,
	)
	cmd.Env = os.Environ()
	if cfg.Engine.Token != "" {
		cmd.Env = append(cmd.Env, config.TokenEnv+"="+cfg.Engine.Token)
	}
	configureDaemonProc(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	// The daemon outlives us; release it instead of waiting.
	_ = cmd.Process.Release()

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(ctx) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", daemonURL())
}
