package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kebairia/posebackup/internal/operations"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained artifacts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		artifacts, err := operations.NewRetention(cfg, log).List()
		if err != nil {
			return fmt.Errorf("list backups: %w", err)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
		for _, a := range artifacts {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, humanize.Bytes(uint64(a.Size)), a.ModTime.Format(time.DateTime))
		}
		return tw.Flush()
	},
}
