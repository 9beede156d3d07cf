package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"projectsync/internal/ledger"
	"projectsync/internal/model"
	"projectsync/internal/orchestrator"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runSource   string
	runStart    int64
	runEnd      int64
	runChunk    int
	runOverride bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a job and run it in this process",
	Long: `Create a job over an inclusive id range and run it until it completes, pauses or fails.

The first SIGINT/SIGTERM asks the job to pause after the batch in flight; a second
one interrupts the batch. Either way the job stays resumable.

Examples:
  ingest run --source dpwh --start 1 --end 5000
  ingest run --source opendata --start 0 --end 999 --chunk 100 --override`,
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused or failed job from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	runCmd.Flags().StringVarP(&runSource, "source", "s", "", "source code (see 'ingest sources')")
	runCmd.Flags().Int64Var(&runStart, "start", 1, "first id of the range")
	runCmd.Flags().Int64Var(&runEnd, "end", 0, "last id of the range, inclusive")
	runCmd.Flags().IntVar(&runChunk, "chunk", 0, "ids per batch (default: source, then pipeline setting)")
	runCmd.Flags().BoolVar(&runOverride, "override", false, "accept overlapping an active job of the same source")
	_ = runCmd.MarkFlagRequired("source")
	_ = runCmd.MarkFlagRequired("end")
}

func runRun(cmd *cobra.Command, args []string) error {
	src, ok := pipeline.Sources.Source(runSource)
	if !ok {
		return fmt.Errorf("unknown source %q", runSource)
	}
	if err := src.ValidateRange(runStart, runEnd); err != nil {
		return err
	}

	job, err := pipeline.Ledger.Create(cmd.Context(), ledger.CreateRequest{
		Source:    runSource,
		Start:     runStart,
		End:       runEnd,
		ChunkSize: pipeline.ChunkSize(runSource, runChunk),
		Override:  runOverride,
	})
	if err != nil {
		var conflict *ledger.ConflictError
		if errors.As(err, &conflict) {
			printJobs(cmd.OutOrStdout(), conflict.Conflicts)
			return fmt.Errorf("%w (use --override to run anyway)", err)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created job %s\n", job.ID)
	return execute(cmd, job)
}

func runResume(cmd *cobra.Command, args []string) error {
	job, err := pipeline.Ledger.Resume(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Resuming job %s at %d\n", job.ID, job.Current)
	return execute(cmd, job)
}

// execute runs the job in the foreground with cooperative signal handling
func execute(cmd *cobra.Command, job *model.Job) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-sigs:
		case <-done:
			return
		}
		log.Warn().Str("jobId", job.ID).Msg("Stop requested, pausing after the current batch")
		if err := pipeline.Signals.Raise(context.WithoutCancel(ctx), job.ID, orchestrator.StopPause); err != nil {
			log.Error().Err(err).Msg("Failed to publish stop signal")
		}

		select {
		case <-sigs:
			log.Warn().Str("jobId", job.ID).Msg("Interrupting the current batch")
			cancel()
		case <-done:
		}
	}()

	runErr := pipeline.Runner.Run(ctx, job)
	printSummary(cmd.OutOrStdout(), job)

	if runErr != nil {
		return runErr
	}
	if job.Status == model.StatusFailed {
		return orchestrator.ErrJobFailed
	}
	return nil
}
