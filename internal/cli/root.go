// Package cli provides the ledgersync command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/ledgersync/internal/config"
	"github.com/livinlefevreloca/ledgersync/internal/logging"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
	logLevel   string

	// Loaded once per invocation
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Batch synchronization of records into the accounting system",
	Long: `ledgersync pushes unsynchronized records from the records database into
the accounting system in concurrent batches.

Each domain (applicants, students, payments, sales receipts, opening
balances) is scanned on its own schedule with a persistent cursor, and every
run is recorded in a job ledger that can be inspected over HTTP or from
this command.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		loaded.ApplyEnv()
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}

		l, closer, err := logging.Setup(loaded.Logging)
		if err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}
		slog.SetDefault(l)

		cfg, logger, closeLog = loaded, l, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cursorCmd)
	rootCmd.AddCommand(migrateCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
