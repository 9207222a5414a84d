package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/posebackup/internal/database"
	"github.com/kebairia/posebackup/internal/operations"
	"github.com/kebairia/posebackup/internal/scheduler"
	"github.com/kebairia/posebackup/internal/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled backups and serve the trigger API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := os.MkdirAll(cfg.Backup.Directory, 0o755); err != nil {
			return fmt.Errorf("create backup directory: %w", err)
		}

		stores, err := database.InitializeDatabases(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("initialize databases: %w", err)
		}
		defer stores.Close()

		om, err := operations.NewOperationManager(cfg, stores, log)
		if err != nil {
			return err
		}
		sched, err := scheduler.New(cfg.Backup.Schedule, om, log)
		if err != nil {
			return err
		}
		var checks []server.HealthCheck
		for _, db := range stores.All() {
			checks = append(checks, server.HealthCheck{Name: db.GetEngine(), Ping: db.Ping})
		}
		srv := server.New(cfg.Server.Address, om, operations.NewRetention(cfg, log), checks, log,
			server.WithRunContext(ctx))

		sched.Start()
		errs := make(chan error, 1)
		go func() { errs <- srv.ListenAndServe() }()

		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case err = <-errs:
			log.Error("http server stopped", "error", fmt.Sprint(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
			log.Warn("http shutdown", "error", shutErr.Error())
		}
		if stopErr := sched.Stop(shutdownCtx); stopErr != nil {
			log.Warn("scheduler shutdown", "error", stopErr.Error())
		}
		return err
	},
}
