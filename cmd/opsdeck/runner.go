package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Inspect and manage runners",
}

var runnerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runners",
	RunE:  runRunnerList,
}

var runnerCapsCmd = &cobra.Command{
	Use:   "caps [runner-id]",
	Short: "Show runner capabilities",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunnerCaps,
}

var runnerSyncCmd = &cobra.Command{
	Use:   "sync [runner-id]",
	Short: "Probe a runner and merge detected capabilities",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunnerSync,
}

var runnerResetTokenCmd = &cobra.Command{
	Use:   "reset-token [runner-id]",
	Short: "Rotate a runner token",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunnerResetToken,
}

var runnerOrdersCmd = &cobra.Command{
	Use:   "orders [runner-id]",
	Short: "List recent orders of a runner",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunnerOrders,
}

var (
	runnerSyncWatch bool
	runnerOrderMax  int
)

func init() {
	runnerCmd.AddCommand(runnerListCmd, runnerCapsCmd, runnerSyncCmd, runnerResetTokenCmd, runnerOrdersCmd)
	runnerSyncCmd.Flags().BoolVar(&runnerSyncWatch, "watch", false, "Watch the probe order until it finishes")
	runnerOrdersCmd.Flags().IntVar(&runnerOrderMax, "limit", 20, "Maximum number of orders")
}

func runRunnerList(cmd *cobra.Command, args []string) error {
	runners, err := newClient().ListRunners(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(runners)
	}
	if len(runners) == 0 {
		fmt.Println("No runners found")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLAST SEEN")
	for _, r := range runners {
		seen := "-"
		if r.LastSeenAt != nil {
			seen = formatTime(*r.LastSeenAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, seen)
	}
	return w.Flush()
}

func runRunnerCaps(cmd *cobra.Command, args []string) error {
	caps, err := newClient().GetCapabilities(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(caps)
	}
	if len(caps) == 0 {
		fmt.Println("No capabilities recorded")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "CAPABILITY\tSTATUS")
	for _, k := range sortedKeys(caps) {
		fmt.Fprintf(w, "%s\t%s\n", k, caps[k])
	}
	return w.Flush()
}

func runRunnerSync(cmd *cobra.Command, args []string) error {
	o, err := newClient().SyncCapabilities(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Submitted capability probe: %s\n", o.ID)
	if !runnerSyncWatch {
		return nil
	}
	if err := watchOrder(cmd.Context(), o.ID); err != nil {
		return err
	}
	fmt.Println()
	return runRunnerCaps(cmd, args)
}

func runRunnerResetToken(cmd *cobra.Command, args []string) error {
	tok, err := newClient().ResetRunnerToken(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tok)
	}
	fmt.Printf("New token for %s:\n%s\n", tok.RunnerID, tok.Token)
	return nil
}

func runRunnerOrders(cmd *cobra.Command, args []string) error {
	orders, err := newClient().ListRunnerOrders(cmd.Context(), args[0], runnerOrderMax)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(orders)
	}
	if len(orders) == 0 {
		fmt.Println("No orders found")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tKEY\tSTATUS\tUPDATED")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", truncateID(o.ID), truncate(o.Key, 32), o.Status, formatTime(o.UpdatedAt))
	}
	return w.Flush()
}
