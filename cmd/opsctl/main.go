package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/pushfiscal/internal/bootstrap"
	"github.com/kursadbilgin/pushfiscal/internal/config"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operator commands for push notifications and fiscal receipts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(tokensCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(receiptsCmd())
	rootCmd.AddCommand(fiscalCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withServices opens the infrastructure for the duration of one command.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, s *bootstrap.Services) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.LogLevel,
		observability.WithService("opsctl"),
		observability.WithEnvironment(cfg.Environment),
	)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	infra, err := bootstrap.Open(cmd.Context(), cfg, logger, "opsctl")
	if err != nil {
		return err
	}
	defer infra.Close()

	services, err := bootstrap.NewServices(cmd.Context(), infra)
	if err != nil {
		return err
	}
	defer services.Close()

	return fn(cmd.Context(), services)
}
