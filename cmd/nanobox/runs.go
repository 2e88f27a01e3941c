package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/nanobox/internal/storage"
)

var (
	stateFilter  string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"history"},
	Short:   "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&stateFilter, "state", "", "Filter by state (completed, faulted, timed_out)")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func historyStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), storage.RunListOptions{
		State: stateFilter,
		Limit: limitFlag,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-10s %-11s %-30s %-9s %s\n", "ID", "KIND", "STATE", "WORKLOAD", "WALL", "WHEN")
	fmt.Println(strings.Repeat("─", 90))

	for _, r := range runs {
		workload := r.Workload
		if len(workload) > 28 {
			workload = ".." + workload[len(workload)-26:]
		}
		fmt.Printf("%-10s %-10s %-11s %-30s %-9s %s\n",
			shortID(r.ID), r.Kind, r.State, workload, r.WallTime.Round(time.Millisecond), timeAgo(r.CreatedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", r.ID)
	fmt.Printf("Workload: %s\n", r.Workload)
	fmt.Printf("Kind:     %s\n", r.Kind)
	fmt.Printf("State:    %s\n", r.State)
	if r.Success {
		fmt.Printf("Result:   success (exit %d)\n", r.ExitCode)
	} else {
		fmt.Printf("Result:   %s\n", r.Error)
	}
	fmt.Printf("Wall:     %s\n", r.WallTime.Round(time.Millisecond))
	fmt.Printf("CPU:      %s\n", r.CPUTime.Round(time.Millisecond))
	fmt.Printf("Memory:   %s peak\n", humanize.IBytes(uint64(r.PeakMemory)))
	if r.Denials > 0 {
		fmt.Printf("Denials:  %d\n", r.Denials)
	}
	fmt.Printf("Created:  %s\n", r.CreatedAt.Format(time.RFC3339))

	if r.Stdout != "" {
		fmt.Println("\nstdout:")
		fmt.Println(strings.Repeat("─", 60))
		fmt.Print(truncate(r.Stdout, 4000), "\n")
	}
	if r.Stderr != "" {
		fmt.Println("\nstderr:")
		fmt.Println(strings.Repeat("─", 60))
		fmt.Printf("\033[90m%s\033[0m\n", truncate(r.Stderr, 4000))
	}
	if r.Truncated {
		fmt.Println("\n(output truncated)")
	}
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	r, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete run %s - %q? [y/N] ", shortID(r.ID), r.Workload)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRun(ctx, r.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", shortID(r.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := historyStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(r)
		if err != nil {
			return err
		}
		output = string(data)
	case "md", "markdown":
		output = storage.ExportMarkdown(r)
	default:
		return fmt.Errorf("unknown export format %q", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
