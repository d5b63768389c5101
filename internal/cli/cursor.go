package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/ledgersync/internal/db"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or reset scan cursors",
}

var cursorGetCmd = &cobra.Command{
	Use:   "get [domain]",
	Short: "Show the cursor of one domain, or of all domains",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		cursors := db.NewCursorStore(database)

		if len(args) == 1 {
			value, err := cursors.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}

		all, err := cursors.All(cmd.Context())
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No cursors stored.")
			return nil
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("DOMAIN", "OFFSET", "UPDATED").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
		for _, c := range all {
			t.Row(c.Domain, fmt.Sprint(c.Value), c.UpdatedAt.Local().Format(time.DateTime))
		}
		fmt.Fprintln(os.Stdout, t.String())
		return nil
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset <domain>",
	Short: "Reset a domain's cursor to 0",
	Long: `Reset a domain's cursor so the next scan starts from the beginning.

Refused while a scan of the domain holds its lease.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := args[0]

		database, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		if err := db.NewCursorStore(database).ResetIfFree(cmd.Context(), domain); err != nil {
			if errors.Is(err, db.ErrLeaseHeld) {
				return fmt.Errorf("a run of %s is in progress: %w", domain, err)
			}
			return err
		}

		logger.Info("cursor reset by operator", "domain", domain)
		fmt.Printf("Cursor of %s reset to 0.\n", domain)
		return nil
	},
}

func init() {
	cursorCmd.AddCommand(cursorGetCmd)
	cursorCmd.AddCommand(cursorResetCmd)
}
