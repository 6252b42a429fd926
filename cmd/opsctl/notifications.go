package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/bootstrap"
	"github.com/kursadbilgin/pushfiscal/internal/service"
	"github.com/spf13/cobra"
)

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Retry and clean up notification records",
	}

	var retryLimit int
	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Redeliver failed notifications inside the retry window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				report, err := s.Retry.RunOnce(ctx, retryLimit)
				if err != nil {
					return err
				}
				printRetryReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	retryCmd.Flags().IntVar(&retryLimit, "limit", 0, "Maximum records to retry (0 uses NOTIFICATION_RETRY_BATCH)")
	cmd.AddCommand(retryCmd)

	cmd.AddCommand(cleanupCmd("notification records, hard delete", func(ctx context.Context, s *bootstrap.Services, age time.Duration, dryRun bool) (service.CleanupResult, error) {
		return s.Maintenance.CleanupNotifications(ctx, age, dryRun)
	}))

	return cmd
}

type cleanupFunc func(ctx context.Context, s *bootstrap.Services, age time.Duration, dryRun bool) (service.CleanupResult, error)

// cleanupCmd builds the shared "cleanup --days N [--dry-run]" subcommand.
func cleanupCmd(what string, fn cleanupFunc) *cobra.Command {
	var (
		days   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: fmt.Sprintf("Delete old %s", what),
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				result, err := fn(ctx, s, time.Duration(days)*24*time.Hour, dryRun)
				if err != nil {
					return err
				}
				printCleanupResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Delete records older than this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count matching records")
	_ = cmd.MarkFlagRequired("days")

	return cmd
}

func printRetryReport(out io.Writer, report service.RetryReport) {
	fmt.Fprintf(out, "selected:  %d\n", report.Selected)
	fmt.Fprintf(out, "succeeded: %d\n", report.Succeeded)
	fmt.Fprintf(out, "failed:    %d\n", report.Failed)
	fmt.Fprintf(out, "skipped:   %d\n", report.Skipped)
}

func printCleanupResult(out io.Writer, result service.CleanupResult) {
	fmt.Fprintf(out, "cutoff:  %s\n", result.Cutoff.Format(time.RFC3339))
	fmt.Fprintf(out, "matched: %d\n", result.Matched)
	if result.DryRun {
		fmt.Fprintln(out, "dry run, nothing deleted")
		return
	}
	fmt.Fprintf(out, "deleted: %d\n", result.Deleted)
}
