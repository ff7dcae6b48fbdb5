package main

import (
	"fmt"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage servers",
}

var serverAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a server",
	RunE:  runServerAdd,
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List servers",
	RunE:  runServerList,
}

var serverRmCmd = &cobra.Command{
	Use:   "rm [server-id]",
	Short: "Remove a server with its deployments and routes",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerRm,
}

var (
	serverName     string
	serverHost     string
	serverProvider string
	serverRunner   string
)

func init() {
	serverCmd.AddCommand(serverAddCmd, serverListCmd, serverRmCmd)

	serverAddCmd.Flags().StringVar(&serverName, "name", "", "Server name (required)")
	serverAddCmd.Flags().StringVar(&serverHost, "host", "", "Hostname or IP (required)")
	serverAddCmd.Flags().StringVar(&serverProvider, "provider", "", "Hosting provider")
	serverAddCmd.Flags().StringVar(&serverRunner, "runner", "", "ID of the runner installed on the server")
	serverAddCmd.MarkFlagRequired("name")
	serverAddCmd.MarkFlagRequired("host")
}

func runServerAdd(cmd *cobra.Command, args []string) error {
	s, err := newClient().CreateServer(cmd.Context(), models.Server{
		Name:     serverName,
		Host:     serverHost,
		Provider: serverProvider,
		RunnerID: serverRunner,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created server: %s\n", s.ID)
	return nil
}

func runServerList(cmd *cobra.Command, args []string) error {
	servers, err := newClient().ListServers(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(servers)
	}
	if len(servers) == 0 {
		fmt.Println("No servers found")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tHOST\tPROVIDER\tRUNNER")
	for _, s := range servers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(s.ID), s.Name, s.Host, s.Provider, s.RunnerID)
	}
	return w.Flush()
}

func runServerRm(cmd *cobra.Command, args []string) error {
	if err := newClient().DeleteServer(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed server %s\n", args[0])
	return nil
}
