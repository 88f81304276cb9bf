package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"referral-engine/pkg/config"
	"referral-engine/pkg/db"
	"referral-engine/pkg/gen"
	"referral-engine/pkg/logger"
	"referral-engine/services/bootstrap"
	"referral-engine/services/rate"
)

// seed-rates migrates the schema and installs global commission rates
// when none are active. Without --rate it installs signup 4%, renewal 3%
// and upgrade 4%.
func main() {
	rootCmd := &cobra.Command{
		Use:   "seed-rates",
		Short: "Migrate the schema and seed global commission rates",
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ratesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the engine tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return withBootstrap(timeout, func(ctx context.Context, svc *bootstrap.Service) error {
				return svc.Migrate(ctx)
			})
		},
	}
	cmd.Flags().Duration("timeout", time.Minute, "Overall timeout")
	return cmd
}

func ratesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Seed global rates, skipping event types that already have one",
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, _ := cmd.Flags().GetStringArray("rate")
			skipMigrate, _ := cmd.Flags().GetBool("skip-migrate")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			params, err := bootstrap.ParseRates(pairs)
			if err != nil {
				return err
			}

			return withBootstrap(timeout, func(ctx context.Context, svc *bootstrap.Service) error {
				if !skipMigrate {
					if err := svc.Migrate(ctx); err != nil {
						return err
					}
				}
				n, err := svc.SeedRates(ctx, params)
				if err != nil {
					return err
				}
				zap.L().Info("seed finished", zap.Int("rates_created", n))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayP("rate", "r", nil, "EVENT=PERCENT, repeatable (e.g. -r SIGNUP=4)")
	cmd.Flags().Bool("skip-migrate", false, "Do not migrate before seeding")
	cmd.Flags().Duration("timeout", time.Minute, "Overall timeout")
	return cmd
}

func withBootstrap(timeout time.Duration, fn func(context.Context, *bootstrap.Service) error) error {
	var svc *bootstrap.Service

	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		fx.Provide(func() clockwork.Clock { return clockwork.NewRealClock() }),
		rate.Module,
		fx.Provide(bootstrap.NewService),
		fx.Invoke(func(*zap.Logger) {}),
		fx.Populate(&svc),
		fx.NopLogger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() { _ = app.Stop(context.Background()) }()

	return fn(ctx, svc)
}
