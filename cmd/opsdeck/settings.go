package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write control plane settings",
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List settings",
	RunE:  runSettingsList,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print a setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSet,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	RunE:  runAudit,
}

var auditLimit int

func init() {
	settingsCmd.AddCommand(settingsListCmd, settingsGetCmd, settingsSetCmd)
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of entries")
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	settings, err := newClient().ListSettings(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(settings)
	}
	if len(settings) == 0 {
		fmt.Println("No settings stored")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "KEY\tVALUE\tUPDATED")
	for _, s := range settings {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Key, truncate(s.Value, 60), formatTime(s.UpdatedAt))
	}
	return w.Flush()
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	s, err := newClient().GetSetting(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}
	fmt.Println(s.Value)
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	s, err := newClient().PutSetting(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Set %s\n", s.Key)
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	entries, err := newClient().ListAudit(cmd.Context(), auditLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tSUBJECT\tINPUTS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatTime(e.Timestamp), e.Action, e.Outcome, truncateID(e.SubjectID), truncate(e.InputsHash, 12))
	}
	return w.Flush()
}
