package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and write the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the resolved config, including flag overrides, to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := writeConfig(configPath, cfg, configForce); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved config",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := *cfg
		if out.Engine.Token != "" {
			out.Engine.Token = "********"
		}
		if jsonOutput {
			return printJSON(out)
		}
		return yaml.NewEncoder(os.Stdout).Encode(&out)
	},
}

var configForce bool

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}

// writeConfig saves c to path unless a file is already there and force is off.
func writeConfig(path string, c *config.Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return c.Save(path)
}
