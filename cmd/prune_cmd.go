package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/posebackup/internal/operations"
)

var pruneKeep int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneKeep > 0 {
			cfg.Retention.KeepLast = pruneKeep
		}
		deleted, err := operations.NewRetention(cfg, log).Prune(cmd.Context(), "")
		for _, p := range deleted {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", p)
		}
		return err
	},
}

func init() {
	pruneCmd.Flags().
		IntVarP(&pruneKeep, "keep", "k", 0, "number of artifacts to keep (defaults to retention.keep_last)")
}
