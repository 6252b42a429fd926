package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/bootstrap"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/service"
	"github.com/spf13/cobra"
)

// errWarnings makes monitor exit non-zero when thresholds are crossed.
var errWarnings = errors.New("receipt monitor reported warnings")

func receiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Retry, archive and monitor fiscal receipts",
	}

	cmd.AddCommand(receiptsRetryCmd())
	cmd.AddCommand(receiptsResyncCmd())
	cmd.AddCommand(receiptsMonitorCmd())
	cmd.AddCommand(cleanupCmd("receipts, soft delete", func(ctx context.Context, s *bootstrap.Services, age time.Duration, dryRun bool) (service.CleanupResult, error) {
		return s.Maintenance.CleanupReceipts(ctx, age, dryRun)
	}))

	return cmd
}

func receiptsRetryCmd() *cobra.Command {
	var (
		limit    int
		statuses []string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-issue pending or failed receipts with the fiscal authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseReceiptStatuses(statuses)
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				report, err := s.Maintenance.RetryReceipts(ctx, limit, parsed, dryRun)
				if err != nil {
					return err
				}
				printReceiptRetry(cmd.OutOrStdout(), report, dryRun)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum receipts to retry")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Statuses to select (pending, failed)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list the receipts that would be retried")

	return cmd
}

func receiptsResyncCmd() *cobra.Command {
	var (
		limit  int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Push generated receipts missing from the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				report, err := s.Archive.Resync(ctx, limit, dryRun)
				if err != nil {
					return err
				}
				printResync(cmd.OutOrStdout(), report, dryRun)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum receipts to archive")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count unarchived receipts")

	return cmd
}

func receiptsMonitorCmd() *cobra.Command {
	var (
		hours       int
		statuses    []string
		warnPending int64
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Report receipt counts and archive backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseReceiptStatuses(statuses)
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				report, err := s.Maintenance.MonitorReceipts(ctx, time.Duration(hours)*time.Hour, warnPending)
				if err != nil {
					return err
				}
				printMonitor(cmd.OutOrStdout(), report, parsed)
				if len(report.Warnings) > 0 {
					return errWarnings
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Look back window in hours")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only print these statuses")
	cmd.Flags().Int64Var(&warnPending, "warn-pending", 10, "Warn when more receipts than this are pending")

	return cmd
}

func fiscalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fiscal",
		Short: "Fiscal authority and archive connectivity",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Test connectivity to the fiscal authority and the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				return fiscalHealth(ctx, cmd.OutOrStdout(), s.Fiscal, s.Archive)
			})
		},
	})

	return cmd
}

type fiscalPinger interface {
	FiscalHealth(ctx context.Context) error
}

type archivePinger interface {
	Health(ctx context.Context) (service.ArchiveResult, error)
}

func fiscalHealth(ctx context.Context, out io.Writer, fiscal fiscalPinger, archive archivePinger) error {
	fiscalErr := fiscal.FiscalHealth(ctx)
	fmt.Fprintf(out, "fiscal:  %s\n", healthLine(fiscalErr, ""))

	result, archiveErr := archive.Health(ctx)
	fmt.Fprintf(out, "archive: %s\n", healthLine(archiveErr, result.Message))

	var failed []string
	if fiscalErr != nil && !errors.Is(fiscalErr, domain.ErrNotConfigured) {
		failed = append(failed, "fiscal")
	}
	if archiveErr != nil && !errors.Is(archiveErr, domain.ErrNotConfigured) {
		failed = append(failed, "archive")
	}
	if len(failed) > 0 {
		return fmt.Errorf("unreachable: %s", strings.Join(failed, ", "))
	}
	return nil
}

func healthLine(err error, detail string) string {
	switch {
	case err == nil && detail != "":
		return "ok (" + detail + ")"
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotConfigured):
		return "not configured: " + err.Error()
	default:
		return "down: " + err.Error()
	}
}

func parseReceiptStatuses(raw []string) ([]domain.ReceiptStatus, error) {
	var out []domain.ReceiptStatus
	for _, r := range raw {
		st, err := domain.ParseReceiptStatus(r)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func printReceiptRetry(out io.Writer, report service.ReceiptRetryReport, dryRun bool) {
	fmt.Fprintf(out, "selected:  %d\n", report.Selected)
	if dryRun {
		for _, id := range report.IDs {
			fmt.Fprintf(out, "  %s\n", id)
		}
		return
	}
	fmt.Fprintf(out, "generated: %d\n", report.Generated)
	fmt.Fprintf(out, "failed:    %d\n", report.Failed)
}

func printResync(out io.Writer, report service.ResyncReport, dryRun bool) {
	fmt.Fprintf(out, "selected: %d\n", report.Selected)
	if dryRun {
		return
	}
	fmt.Fprintf(out, "synced:   %d\n", report.Synced)
	fmt.Fprintf(out, "failed:   %d\n", report.Failed)

	ids := make([]string, 0, len(report.Results))
	for id, r := range report.Results {
		if !r.Success {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := report.Results[id]
		fmt.Fprintf(out, "  %s: %s\n", id, r.Error)
	}
}

func printMonitor(out io.Writer, report service.ReceiptMonitorReport, only []domain.ReceiptStatus) {
	statuses := only
	if len(statuses) == 0 {
		statuses = []domain.ReceiptStatus{domain.ReceiptPending, domain.ReceiptGenerated, domain.ReceiptFailed}
	}

	fmt.Fprintf(out, "since: %s\n", report.Since.Format(time.RFC3339))
	for _, st := range statuses {
		fmt.Fprintf(out, "%-10s %d\n", st.String()+":", report.ByStatus[st])
	}
	fmt.Fprintf(out, "%-10s %d\n", "unsynced:", report.Unsynced)
	for _, w := range report.Warnings {
		fmt.Fprintf(out, "WARNING: %s\n", w)
	}
}
