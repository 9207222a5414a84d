package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kebairia/posebackup/internal/config"
	"github.com/kebairia/posebackup/internal/logger"
)

var (
	// ConfigFile is the path to the YAML configuration. It is optional;
	// the environment alone can configure everything.
	ConfigFile string

	cfg config.Config
	log = logger.Global()

	// rootCmd is the base command for posebackup.
	rootCmd = &cobra.Command{
		Use:   "posebackup",
		Short: "Backup pipeline for the pose backend",
		Long: `posebackup archives the pose records (MySQL), the image metadata
collections and the image binaries (MongoDB GridFS) into one artifact per
day, on a cron schedule or on demand, and keeps the newest N artifacts.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// loadConfig reads and validates the configuration, then builds the
// process logger from it.
func loadConfig(cmd *cobra.Command, args []string) error {
	if err := cfg.Load(ConfigFile); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	l, err := logger.Init(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log = l
	return nil
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(listCmd)
}
