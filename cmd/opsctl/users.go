package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/bootstrap"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"github.com/kursadbilgin/pushfiscal/internal/service"
	"github.com/spf13/cobra"
)

const userPageSize = 500

type userLister interface {
	List(ctx context.Context, params repository.UserListParams) ([]domain.User, error)
}

type listUsersOptions struct {
	WithTokens bool
	MinTokens  int
	Limit      int
	Format     string
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect users and their push tokens",
	}

	var opts listUsersOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users with their push token counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				return listUsers(ctx, cmd.OutOrStdout(), s.Users, opts)
			})
		},
	}
	listCmd.Flags().BoolVar(&opts.WithTokens, "with-tokens", false, "Only users holding at least one push token")
	listCmd.Flags().IntVar(&opts.MinTokens, "min-tokens", 0, "Only users holding at least this many tokens")
	listCmd.Flags().IntVar(&opts.Limit, "limit", 1000, "Maximum number of users to print")
	listCmd.Flags().StringVar(&opts.Format, "format", formatTable, "Output format (table, csv)")
	cmd.AddCommand(listCmd)

	return cmd
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Maintain stored push tokens",
	}

	var (
		dryRun     bool
		expireDays int
		batchSize  int
	)
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove malformed and long unused push tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if expireDays < 0 {
				return fmt.Errorf("--expire-days must not be negative")
			}
			return withServices(cmd, func(ctx context.Context, s *bootstrap.Services) error {
				report, err := s.Tokens.CleanupTokens(ctx, service.CleanupOptions{
					DryRun:      dryRun,
					ExpireAfter: time.Duration(expireDays) * 24 * time.Hour,
					BatchSize:   batchSize,
				})
				if err != nil {
					return err
				}
				printTokenCleanup(cmd.OutOrStdout(), report, dryRun)
				return nil
			})
		},
	}
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count what would be removed")
	cleanupCmd.Flags().IntVar(&expireDays, "expire-days", 0, "Also remove tokens unused for this many days (0 keeps them)")
	cleanupCmd.Flags().IntVar(&batchSize, "batch-size", 500, "Users scanned per batch")
	cmd.AddCommand(cleanupCmd)

	return cmd
}

func listUsers(ctx context.Context, out io.Writer, users userLister, opts listUsersOptions) error {
	params := repository.UserListParams{Limit: userPageSize}
	if opts.WithTokens || opts.MinTokens > 0 {
		hasTokens := true
		params.HasTokens = &hasTokens
	}

	var rows [][]string
	for opts.Limit <= 0 || len(rows) < opts.Limit {
		page, err := users.List(ctx, params)
		if err != nil {
			return err
		}
		for _, u := range page {
			if len(u.Tokens) < opts.MinTokens {
				continue
			}
			rows = append(rows, userRow(u))
			if opts.Limit > 0 && len(rows) == opts.Limit {
				break
			}
		}
		if len(page) < params.Limit {
			break
		}
		params.AfterID = page[len(page)-1].ID
	}

	return writeRows(out, opts.Format, []string{"ID", "NAME", "PHONE", "TOKENS", "PLATFORMS"}, rows)
}

func userRow(u domain.User) []string {
	seen := map[domain.Platform]bool{}
	var platforms []string
	for _, t := range u.Tokens {
		if !seen[t.Platform] {
			seen[t.Platform] = true
			platforms = append(platforms, t.Platform.String())
		}
	}

	return []string{
		strconv.FormatInt(u.ID, 10),
		u.Name,
		deref(u.Phone),
		strconv.Itoa(len(u.Tokens)),
		strings.Join(platforms, ","),
	}
}

func printTokenCleanup(out io.Writer, report service.CleanupReport, dryRun bool) {
	verb, n := "removed", report.Removed
	if dryRun {
		verb, n = "would remove", report.InvalidTokens+report.ExpiredTokens
	}
	fmt.Fprintf(out, "users scanned:  %d\n", report.UsersScanned)
	fmt.Fprintf(out, "users affected: %d\n", report.UsersAffected)
	fmt.Fprintf(out, "invalid tokens: %d\n", report.InvalidTokens)
	fmt.Fprintf(out, "expired tokens: %d\n", report.ExpiredTokens)
	fmt.Fprintf(out, "%s %d tokens\n", verb, n)
}
