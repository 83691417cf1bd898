package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/course-cli/internal/model"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List the current course policies",
	Long:  "Course policies hold the priority, renewal period and deadline most recently chosen for each course. Status is computed from each assignment's own copy, not from this table.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		policies, err := env.Policies.List(ctx)
		if err != nil {
			return eris.Wrap(err, "list policies")
		}
		formatPolicies(cmd.OutOrStdout(), policies)
		return nil
	},
}

// formatPolicies writes a tabular representation of course policies to out.
func formatPolicies(out io.Writer, policies []model.CoursePolicy) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "COURSE\tPRIORITY\tRENEWAL (MONTHS)\tDEADLINE (DAYS)\tUPDATED")
	_, _ = fmt.Fprintln(w, "------\t--------\t----------------\t---------------\t-------")

	for _, p := range policies {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			p.CourseID,
			p.Priority,
			p.RenewalMonths,
			p.DeadlineDays,
			p.UpdatedAt.Format("2006-01-02"),
		)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(policiesCmd)
}
