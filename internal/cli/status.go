package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
	"github.com/livinlefevreloca/ledgersync/internal/db"
)

var (
	statusDomain string
	statusLimit  int
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs from the job ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusLimit < 1 {
			return fmt.Errorf("--limit must be at least 1")
		}

		database, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		jobs, err := db.NewLedger(database, time.Now).Recent(cmd.Context(), statusDomain, statusLimit)
		if err != nil {
			return fmt.Errorf("read job ledger: %w", err)
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		}

		if len(jobs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		renderJobs(os.Stdout, jobs)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusDomain, "domain", "d", "", "only show runs of this domain")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "number of runs to show")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the ledger entries as JSON")
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	completedStyle = cellStyle.Foreground(lipgloss.Color("2"))
	failedStyle    = cellStyle.Foreground(lipgloss.Color("1"))
	runningStyle   = cellStyle.Foreground(lipgloss.Color("3"))
)

const statusColumn = 2

func renderJobs(w io.Writer, jobs []batchsync.Job) {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, jobRow(job))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "DOMAIN", "STATUS", "SYNCED", "FAILED", "SKIPPED", "TOTAL", "STARTED", "DURATION").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col != statusColumn {
				return cellStyle
			}
			switch batchsync.Status(rows[row][statusColumn]) {
			case batchsync.StatusCompleted:
				return completedStyle
			case batchsync.StatusFailed:
				return failedStyle
			default:
				return runningStyle
			}
		})

	fmt.Fprintln(w, t.String())
}

func jobRow(job batchsync.Job) []string {
	duration := "-"
	if job.Duration != nil {
		duration = job.Duration.Round(time.Millisecond).String()
	}

	return []string{
		job.ID,
		job.Domain,
		string(job.Status),
		strconv.Itoa(job.Synced),
		strconv.Itoa(job.Failed),
		strconv.Itoa(job.Skipped),
		strconv.Itoa(job.TotalItems),
		job.StartedAt.Local().Format(time.DateTime),
		duration,
	}
}
