package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/fetcher"
	"github.com/sells-group/course-cli/internal/model"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load legacy history into the store",
}

var importEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Import legacy assignment and completion history (csv or xlsx)",
	Long: `Columns: person_id, course_id, kind (assignment|completion, default assignment),
date, priority, renewal_months, deadline_days, fingerprint, assigned_by, method, reason.
The per-person course index is rebuilt from the ledger afterwards.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tbl, err := fetcher.ReadFile(ctx, importFile)
		if err != nil {
			return eris.Wrap(err, "read events file")
		}
		entries, err := parseLegacyEvents(tbl)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Ledger.Import(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "import events")
		}
		zap.L().Info("import complete", zap.Int64("events", n), zap.String("file", importFile))
		return nil
	},
}

var importPoliciesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Import course policies (csv or xlsx)",
	Long:  "Columns: course_id, priority, renewal_months, deadline_days, updated_at.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tbl, err := fetcher.ReadFile(ctx, importFile)
		if err != nil {
			return eris.Wrap(err, "read policies file")
		}
		policies, err := parseLegacyPolicies(tbl)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Policies.Import(ctx, policies)
		if err != nil {
			return eris.Wrap(err, "import policies")
		}
		zap.L().Info("import complete", zap.Int64("policies", n), zap.String("file", importFile))
		return nil
	},
}

// parseLegacyEvents turns a history table into ledger entries. Legacy rows
// default to manual assignments with the standard policy values.
func parseLegacyEvents(tbl *fetcher.Table) ([]model.LedgerEntry, error) {
	personCol, err := tbl.Require("person_id", "person", "employee_id")
	if err != nil {
		return nil, err
	}
	courseCol, err := tbl.Require("course_id", "course")
	if err != nil {
		return nil, err
	}
	dateCol, err := tbl.Require("date", "assigned_at", "completed_at", "occurred_at")
	if err != nil {
		return nil, err
	}
	kindCol := tbl.Col("kind", "event")
	priorityCol := tbl.Col("priority")
	renewalCol := tbl.Col("renewal_months")
	deadlineCol := tbl.Col("deadline_days")
	fpCol := tbl.Col("fingerprint")
	byCol := tbl.Col("assigned_by")
	methodCol := tbl.Col("method")
	reasonCol := tbl.Col("reason")

	entries := make([]model.LedgerEntry, 0, len(tbl.Rows))
	for i, row := range tbl.Rows {
		line := i + 2
		person, course := fetcher.Get(row, personCol), fetcher.Get(row, courseCol)
		if person == "" || course == "" {
			return nil, eris.Errorf("row %d: person_id and course_id are required", line)
		}
		at, err := parseTime(fetcher.Get(row, dateCol), time.Time{})
		if err != nil || at.IsZero() {
			return nil, eris.Errorf("row %d: a valid date is required", line)
		}

		switch kind := strings.ToLower(fetcher.Get(row, kindCol)); kind {
		case "", string(model.EventAssignment):
			renewal, err := intOr(fetcher.Get(row, renewalCol), model.DefaultRenewalMonths)
			if err != nil {
				return nil, eris.Wrapf(err, "row %d: renewal_months", line)
			}
			deadline, err := intOr(fetcher.Get(row, deadlineCol), model.DefaultDeadlineDays)
			if err != nil {
				return nil, eris.Wrapf(err, "row %d: deadline_days", line)
			}
			by := model.Assigner(fetcher.Get(row, byCol))
			if by == "" {
				by = model.AssignerManual
			}
			entries = append(entries, model.NewAssignmentEntry(model.AssignmentEvent{
				PersonID:      person,
				CourseID:      course,
				AssignedAt:    at,
				Priority:      model.ParsePriority(fetcher.Get(row, priorityCol)),
				RenewalMonths: renewal,
				DeadlineDays:  deadline,
				Fingerprint:   fetcher.Get(row, fpCol),
				AssignedBy:    by,
				Reason:        fetcher.Get(row, reasonCol),
			}))
		case string(model.EventCompletion):
			method := model.CompletionMethod(strings.ToLower(fetcher.Get(row, methodCol)))
			if method == "" {
				method = model.CompletionManual
			}
			entries = append(entries, model.NewCompletionEntry(model.CompletionEvent{
				PersonID:    person,
				CourseID:    course,
				CompletedAt: at,
				Method:      method,
			}))
		default:
			return nil, eris.Errorf("row %d: unknown kind %q", line, kind)
		}
	}
	return entries, nil
}

// parseLegacyPolicies turns a policy table into policy rows.
func parseLegacyPolicies(tbl *fetcher.Table) ([]model.CoursePolicy, error) {
	courseCol, err := tbl.Require("course_id", "course")
	if err != nil {
		return nil, err
	}
	priorityCol := tbl.Col("priority")
	renewalCol := tbl.Col("renewal_months")
	deadlineCol := tbl.Col("deadline_days")
	updatedCol := tbl.Col("updated_at")

	policies := make([]model.CoursePolicy, 0, len(tbl.Rows))
	seen := make(map[string]int)
	for i, row := range tbl.Rows {
		line := i + 2
		course := fetcher.Get(row, courseCol)
		if course == "" {
			return nil, eris.Errorf("row %d: course_id is required", line)
		}
		renewal, err := intOr(fetcher.Get(row, renewalCol), model.DefaultRenewalMonths)
		if err != nil {
			return nil, eris.Wrapf(err, "row %d: renewal_months", line)
		}
		deadline, err := intOr(fetcher.Get(row, deadlineCol), model.DefaultDeadlineDays)
		if err != nil {
			return nil, eris.Wrapf(err, "row %d: deadline_days", line)
		}
		updated, err := parseTime(fetcher.Get(row, updatedCol), time.Time{})
		if err != nil {
			return nil, eris.Wrapf(err, "row %d: updated_at", line)
		}
		p := model.CoursePolicy{
			CourseID:      course,
			Priority:      model.ParsePriority(fetcher.Get(row, priorityCol)),
			RenewalMonths: renewal,
			DeadlineDays:  deadline,
			UpdatedAt:     updated,
		}
		// A bulk upsert cannot touch the same key twice; the later row wins.
		if j, ok := seen[course]; ok {
			policies[j] = p
			continue
		}
		seen[course] = len(policies)
		policies = append(policies, p)
	}
	return policies, nil
}

func intOr(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, eris.Errorf("%q is not a number", s)
	}
	if n <= 0 {
		return def, nil
	}
	return n, nil
}

func init() {
	importCmd.PersistentFlags().StringVar(&importFile, "file", "", "path to csv or xlsx file (required)")
	_ = importCmd.MarkPersistentFlagRequired("file")
	importCmd.AddCommand(importEventsCmd, importPoliciesCmd)
	rootCmd.AddCommand(importCmd)
}
