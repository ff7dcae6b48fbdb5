package main

import (
	"fmt"
	"os"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/spf13/cobra"
)

var playbookCmd = &cobra.Command{
	Use:   "playbook",
	Short: "Manage playbooks and their review workflow",
}

var playbookAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a playbook draft",
	RunE:  runPlaybookAdd,
}

var playbookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List playbooks",
	RunE:  runPlaybookList,
}

var playbookVersionCmd = &cobra.Command{
	Use:   "version [key]",
	Short: "Publish a new version; the playbook returns to draft",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlaybookVersion,
}

var (
	pbKey        string
	pbTitle      string
	pbDesc       string
	pbRuntime    string
	pbEntrypoint string
	pbTimeout    int
	pbRisk       string
	pbVisibility string
	pbAuthor     string
	pbChangelog  string
)

func init() {
	for _, action := range []string{"submit", "approve", "reject", "revise"} {
		playbookCmd.AddCommand(playbookActionCmd(action))
	}
	playbookCmd.AddCommand(playbookAddCmd, playbookListCmd, playbookVersionCmd)

	defaultAuthor := os.Getenv("USER")

	f := playbookAddCmd.Flags()
	f.StringVar(&pbKey, "key", "", "Playbook key, e.g. ops.restart (required)")
	f.StringVar(&pbTitle, "title", "", "Title (required)")
	f.StringVar(&pbDesc, "desc", "", "Description")
	f.StringVar(&pbRuntime, "runtime", "bash", "Runtime")
	f.StringVar(&pbEntrypoint, "entrypoint", "", "Entrypoint script (required)")
	f.IntVar(&pbTimeout, "timeout", 300, "Timeout in seconds")
	f.StringVar(&pbRisk, "risk", models.RiskLow, "Risk: low, medium or high")
	f.StringVar(&pbVisibility, "visibility", models.VisibilityInternal, "Visibility: public or internal")
	f.StringVar(&pbAuthor, "author", defaultAuthor, "Author")
	playbookAddCmd.MarkFlagRequired("key")
	playbookAddCmd.MarkFlagRequired("title")
	playbookAddCmd.MarkFlagRequired("entrypoint")

	playbookVersionCmd.Flags().StringVar(&pbChangelog, "changelog", "", "What changed (required)")
	playbookVersionCmd.Flags().StringVar(&pbAuthor, "author", defaultAuthor, "Author")
	playbookVersionCmd.MarkFlagRequired("changelog")
}

func playbookActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [key]",
		Short: fmt.Sprintf("Move a playbook through %s", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newClient().PlaybookAction(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			fmt.Printf("Playbook %s is %s\n", p.Key, p.Status)
			return nil
		},
	}
}

func runPlaybookAdd(cmd *cobra.Command, args []string) error {
	p, err := newClient().CreatePlaybook(cmd.Context(), models.Playbook{
		Key:         pbKey,
		Title:       pbTitle,
		Description: pbDesc,
		Runtime:     pbRuntime,
		Entrypoint:  pbEntrypoint,
		TimeoutSec:  pbTimeout,
		Risk:        pbRisk,
		Visibility:  pbVisibility,
	}, pbAuthor)
	if err != nil {
		return err
	}
	fmt.Printf("Created playbook %s v%d (%s)\n", p.Key, p.Version, p.Status)
	return nil
}

func runPlaybookList(cmd *cobra.Command, args []string) error {
	pbs, err := newClient().ListPlaybooks(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(pbs)
	}
	if len(pbs) == 0 {
		fmt.Println("No playbooks found")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "KEY\tTITLE\tVERSION\tSTATUS\tRISK")
	for _, p := range pbs {
		fmt.Fprintf(w, "%s\t%s\tv%d\t%s\t%s\n", p.Key, truncate(p.Title, 40), p.Version, p.Status, p.Risk)
	}
	return w.Flush()
}

func runPlaybookVersion(cmd *cobra.Command, args []string) error {
	p, err := newClient().AddPlaybookVersion(cmd.Context(), args[0], pbChangelog, pbAuthor)
	if err != nil {
		return err
	}
	fmt.Printf("Playbook %s is now v%d (%s)\n", p.Key, p.Version, p.Status)
	return nil
}
