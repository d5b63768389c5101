package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending state database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// openStore migrates unless told not to
		cfg.Database.SkipMigrations = false

		database, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		version, err := database.SchemaVersion(cmd.Context())
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}

		fmt.Printf("State database at schema version %d.\n", version)
		return nil
	},
}
