package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/model"
)

var (
	completePerson string
	completeCourse string
	completeAt     string
	completeMethod string
)

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Record that a person completed a course",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		at, err := parseTime(completeAt, time.Now().UTC())
		if err != nil {
			return err
		}
		method := model.CompletionMethod(completeMethod)
		if method != model.CompletionManual && method != model.CompletionAutomatic {
			return eris.Errorf("invalid --method %q: use manual or automatic", completeMethod)
		}

		env, err := initEnv(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		entry, err := env.Ledger.RecordCompletion(ctx, model.CompletionEvent{
			PersonID:    completePerson,
			CourseID:    completeCourse,
			CompletedAt: at,
			Method:      method,
		})
		if err != nil {
			return eris.Wrap(err, "record completion")
		}

		zap.L().Info("completion recorded",
			zap.Int64("seq", entry.Seq),
			zap.String("person_id", entry.PersonID),
			zap.String("course_id", entry.CourseID),
		)
		return nil
	},
}

func init() {
	completeCmd.Flags().StringVar(&completePerson, "person", "", "person id (required)")
	completeCmd.Flags().StringVar(&completeCourse, "course", "", "course id (required)")
	completeCmd.Flags().StringVar(&completeAt, "at", "", "completion date (default: now)")
	completeCmd.Flags().StringVar(&completeMethod, "method", string(model.CompletionManual), "manual or automatic")
	_ = completeCmd.MarkFlagRequired("person")
	_ = completeCmd.MarkFlagRequired("course")
	rootCmd.AddCommand(completeCmd)
}
