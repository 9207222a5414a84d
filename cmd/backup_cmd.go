package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kebairia/posebackup/internal/database"
	"github.com/kebairia/posebackup/internal/operations"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one backup now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stores, err := database.InitializeDatabases(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("initialize databases: %w", err)
		}
		defer stores.Close()

		om, err := operations.NewOperationManager(cfg, stores, log)
		if err != nil {
			return err
		}
		run, err := om.Run(ctx, operations.TriggerCLI)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s)\n", run.ArtifactPath, humanize.Bytes(uint64(run.SizeBytes)))
		for _, o := range run.Outcomes {
			fmt.Fprintf(out, "  %-9s %5d entries  %s\n", o.Source, o.Entries, humanize.Bytes(uint64(o.Bytes)))
		}
		return nil
	},
}
