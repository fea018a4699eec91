package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkflow/inkflow/engine/infra/postgres"
	"github.com/inkflow/inkflow/engine/infra/server"
	"github.com/inkflow/inkflow/engine/notify"
	"github.com/inkflow/inkflow/engine/recovery"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/engine/scheduler"
	"github.com/inkflow/inkflow/pkg/config"
	"github.com/inkflow/inkflow/pkg/logger"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "inkflow",
		Short: "Multi-party document signing engine",
	}
	root.AddCommand(
		ServeCmd(),
		SweepCmd(),
		MigrateCmd(),
	)
	return root
}

// ServeCmd runs the HTTP server with the scheduler and outbox dispatcher.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signing API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv, err := server.New(ctx, cfg)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}

// SweepCmd runs the scheduled checks once and prints the report. Meant for
// cron-style deployments that do not keep a server process running.
func SweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run expiry, warning, and reminder checks once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			store, err := postgres.NewStore(ctx, cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer store.Close(ctx)

			repo := postgres.NewRequestRepo(store)
			outbox := notify.NewOutbox(notify.LogNotifier{}, cfg.Scheduler.NotifyTimeout)
			machine := request.NewStateMachine(repo)
			// The sweep never renders, so no orchestrator is wired.
			recoverySvc := recovery.NewService(repo, machine, nil, outbox)
			sched := scheduler.New(repo, recoverySvc, outbox, &scheduler.Config{
				DeadlineWarningHours:   cfg.Scheduler.DeadlineWarningHours,
				ExpiryWarningHours:     cfg.Scheduler.ExpiryWarningHours,
				AutoReminderDays:       cfg.Scheduler.AutoReminderDays,
				EnableExpiryWarnings:   cfg.Scheduler.EnableExpiryWarnings,
				EnableDeadlineWarnings: cfg.Scheduler.EnableDeadlineWarnings,
				EnableAutoReminders:    cfg.Scheduler.EnableAutoReminders,
			})

			report := sched.RunAllChecks(ctx)
			outbox.Drain(ctx)
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if n := report.ErrorCount(); n > 0 {
				return fmt.Errorf("sweep finished with %d error(s)", n)
			}
			return nil
		},
	}
}

// MigrateCmd applies the embedded database migrations and exits.
func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			if err := postgres.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("Migrations applied")
			return nil
		},
	}
}

// bootstrap loads configuration and attaches the root logger to the context.
func bootstrap(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, nil, fmt.Errorf("loading configuration: %w", err)
	}
	log := logger.NewLogger(&logger.Config{
		Level:      logger.LogLevel(cfg.Log.Level),
		Output:     os.Stdout,
		JSON:       cfg.Log.JSON,
		TimeFormat: "15:04:05",
	})
	return logger.ContextWithLogger(ctx, log), cfg, nil
}
