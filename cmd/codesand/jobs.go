package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesand/codesand/internal/storage"
	"github.com/codesand/codesand/internal/storage/sqlite"
)

var (
	runnerFilter  string
	outcomeFilter string
	limitFlag     int
	exportFormat  string
	exportOutput  string
	forceFlag     bool
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job", "j"},
	Short:   "Inspect recorded job history",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its output",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export a job as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsExport,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsDeleteCmd, jobsExportCmd)

	jobsListCmd.Flags().StringVar(&runnerFilter, "runner", "", "Filter by runner (bash, php, ...)")
	jobsListCmd.Flags().StringVar(&outcomeFilter, "outcome", "", "Filter by outcome (completed, timeout, capped, failed, cancelled)")
	jobsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max jobs to show")

	jobsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	jobsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	jobsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.ListJobs(context.Background(), storage.JobListOptions{
		Runner:  runnerFilter,
		Outcome: storage.Outcome(outcomeFilter),
		Limit:   limitFlag,
	})
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-9s %-12s %-11s %-6s %-10s %s\n", "ID", "RUNNER", "SANDBOX", "OUTCOME", "LINES", "DURATION", "CREATED")
	fmt.Println(strings.Repeat("─", 80))

	for _, j := range jobs {
		fmt.Printf("%-10s %-9s %-12s %-11s %-6d %-10s %s\n",
			shortID(j.ID), j.Runner, j.Sandbox, j.Outcome, len(j.Lines),
			j.Duration.Round(time.Millisecond), timeAgo(j.CreatedAt))
	}

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := store.GetJob(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job:      %s\n", j.ID)
	fmt.Printf("Runner:   %s\n", j.Runner)
	fmt.Printf("Sandbox:  %s\n", j.Sandbox)
	fmt.Printf("Outcome:  %s\n", j.Outcome)
	fmt.Printf("Code:     %d bytes\n", j.CodeSize)
	fmt.Printf("Duration: %s\n", j.Duration)
	if j.RemoteAddr != "" {
		fmt.Printf("Client:   %s\n", j.RemoteAddr)
	}
	if j.Subject != "" {
		fmt.Printf("Caller:   %s\n", j.Subject)
	}
	fmt.Printf("Created:  %s\n", j.CreatedAt.Format(time.RFC3339))

	fmt.Printf("\nOutput: %d lines\n", len(j.Lines))
	fmt.Println(strings.Repeat("─", 60))
	for _, l := range j.Lines {
		fmt.Println(formatLine(l))
	}

	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	j, err := store.GetJob(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete job %s (%s, %s)? [y/N] ", shortID(j.ID), j.Runner, j.Outcome)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteJob(ctx, j.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted job %s\n", shortID(j.ID))
	return nil
}

func runJobsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := store.GetJob(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(j)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	default:
		output = storage.ExportMarkdown(j)
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

// formatLine colors stderr lines and sentinels.
func formatLine(l string) string {
	switch {
	case strings.HasPrefix(l, "OUT: "):
		return l
	case strings.HasPrefix(l, "ERR: "):
		return "\033[31m" + l + "\033[0m"
	default:
		return "\033[33m" + l + "\033[0m"
	}
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
