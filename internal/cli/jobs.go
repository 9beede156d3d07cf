package cli

import (
	"fmt"
	"io"
	"projectsync/internal/database"
	"projectsync/internal/model"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	jobsStatus []string
	jobsSource string
	jobsLimit  int
	showErrors int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs, newest first",
	Long: `List jobs with their checkpoint and counters.

Examples:
  ingest jobs
  ingest jobs --status running,paused
  ingest jobs --source dpwh -n 5`,
	RunE: runJobs,
}

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its most recent errors",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var stopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Ask a running job to pause after its current batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := pipeline.JobController().StopJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for job %s\n", job.ID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job; running jobs stop after their current batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := pipeline.JobController().CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if job.Status == model.StatusRunning {
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s\n", job.ID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", job.ID)
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringSliceVar(&jobsStatus, "status", nil, "filter by status")
	jobsCmd.Flags().StringVarP(&jobsSource, "source", "s", "", "filter by source")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "max results")

	showCmd.Flags().IntVar(&showErrors, "errors", 20, "number of recent errors to print")
}

func runJobs(cmd *cobra.Command, args []string) error {
	filter := database.JobFilter{Source: jobsSource, Limit: jobsLimit}
	for _, s := range jobsStatus {
		status := model.JobStatus(strings.TrimSpace(s))
		if !status.IsValid() {
			return fmt.Errorf("invalid status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	jobs, err := pipeline.Ledger.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
		return nil
	}

	printJobs(cmd.OutOrStdout(), jobs)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	job, err := pipeline.Ledger.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), job)

	entries := job.Errors.Entries()
	if job.Errors.Dropped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d older errors were dropped\n", job.Errors.Dropped)
	}
	if len(entries) > showErrors {
		entries = entries[len(entries)-showErrors:]
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nRecent errors (%d):\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "- [%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.ItemID, e.Message)
		if verbose && len(e.Context) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", e.Context)
		}
	}
	return nil
}

// printJobs writes one aligned row per job
func printJobs(out io.Writer, jobs []*model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tRANGE\tCURRENT\tPROGRESS\tOK\tERR\tSKIP\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d-%d\t%d\t%.2f%%\t%d\t%d\t%d\t%s\n",
			j.ID, j.Source, j.Status, j.Start, j.End, j.Current, j.ProgressPercentage(),
			j.Counters.Success, j.Counters.Error, j.Counters.Skip, j.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func printSummary(out io.Writer, job *model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job\t%s\n", job.ID)
	fmt.Fprintf(w, "Source\t%s\n", job.Source)
	fmt.Fprintf(w, "Status\t%s\n", job.Status)
	fmt.Fprintf(w, "Range\t%d-%d (chunk %d)\n", job.Start, job.End, job.ChunkSize)
	fmt.Fprintf(w, "Checkpoint\t%d (%.2f%%, %d remaining)\n", job.Current, job.ProgressPercentage(), job.RemainingCount())
	fmt.Fprintf(w, "Records\t%d ok (%d created, %d updated), %d errors, %d skipped\n",
		job.Counters.Success, job.Counters.Create, job.Counters.Update, job.Counters.Error, job.Counters.Skip)
	fmt.Fprintf(w, "Duration\t%s\n", job.Duration().Round(time.Second))
	if reason, ok := job.Stats["last_transition_reason"].(string); ok {
		fmt.Fprintf(w, "Reason\t%s\n", reason)
	}
	w.Flush()
}
