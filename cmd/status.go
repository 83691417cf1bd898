package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/clock"
)

var (
	statusPerson string
	statusCourse string
	statusAt     string
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show derived course status for a person or course",
	Long:  "Folds the ledger into one row per (person, course) pair, showing the deadline and renewal signals side by side.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		now, err := parseTime(statusAt, time.Now().UTC())
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.Ledger.Statuses(ctx, statusPerson, statusCourse, now)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if statusJSON {
			return writeJSON(cmd.OutOrStdout(), rows)
		}
		if len(rows) == 0 {
			zap.L().Info("no ledger history found")
			return nil
		}
		formatStatuses(cmd.OutOrStdout(), rows)
		return nil
	},
}

// formatStatuses writes a tabular representation of status rows to out.
func formatStatuses(out io.Writer, rows []clock.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PERSON\tCOURSE\tSTATUS\tDEADLINE\tDAYS LEFT\tRENEWAL DUE\tASSIGNED")
	_, _ = fmt.Fprintln(w, "------\t------\t------\t--------\t---------\t-----------\t--------")

	for _, r := range rows {
		assigned := "-"
		if r.AssignedAt != nil {
			assigned = r.AssignedAt.Format("2006-01-02")
		}
		renewal := "no"
		if r.RenewalDue {
			renewal = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.PersonID,
			r.CourseID,
			r.Derived,
			r.Deadline,
			r.DaysLeft,
			renewal,
			assigned,
		)
	}
	_ = w.Flush()
}

func init() {
	statusCmd.Flags().StringVar(&statusPerson, "person", "", "person id")
	statusCmd.Flags().StringVar(&statusCourse, "course", "", "course id")
	statusCmd.Flags().StringVar(&statusAt, "at", "", "evaluate as of this date (default: now)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(statusCmd)
}
