package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/opsdeck/opsdeck/internal/models"
)

var jsonOutput bool

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOrder(w io.Writer, o *models.Order) {
	fmt.Fprintf(w, "ID:       %s\n", o.ID)
	fmt.Fprintf(w, "Runner:   %s\n", o.RunnerID)
	fmt.Fprintf(w, "Key:      %s\n", o.Key)
	fmt.Fprintf(w, "Status:   %s\n", o.Status)
	fmt.Fprintf(w, "Created:  %s\n", formatTime(o.CreatedAt))
	fmt.Fprintf(w, "Updated:  %s\n", formatTime(o.UpdatedAt))

	r := o.Report
	if r == nil {
		return
	}
	if r.Summary != "" {
		fmt.Fprintf(w, "Summary:  %s\n", r.Summary)
	}
	for _, st := range r.Steps {
		line := fmt.Sprintf("  - %s: %s", st.Name, st.Status)
		if st.Error != "" {
			line += " (" + st.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  ! %s: %s\n", e.Code, e.Message)
	}
	printArtifacts(w, r.Artifacts.Public)
}

func printArtifacts(w io.Writer, artifacts map[string]string) {
	if len(artifacts) == 0 {
		return
	}
	fmt.Fprintln(w, "Artifacts:")
	for _, k := range sortedKeys(artifacts) {
		fmt.Fprintf(w, "  %s = %s\n", k, artifacts[k])
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
