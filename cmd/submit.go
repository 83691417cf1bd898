package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/batch"
	"github.com/sells-group/course-cli/internal/roster"
)

var (
	submitFile       string
	submitTitle      string
	submitCohort     []string
	submitCohortFile string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Process a safety protocol for a cohort",
	Long:  "Extracts the protocol text, classifies each cohort member, and records assignments. Resubmitting the same text returns the stored result.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		doc, err := os.ReadFile(submitFile)
		if err != nil {
			return eris.Wrap(err, "read protocol")
		}
		cohort, err := resolveCohort(ctx, submitCohort, submitCohortFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "submit")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Driver.Submit(ctx, batch.Submission{
			Title:    submitTitle,
			Document: doc,
			Filename: filepath.Base(submitFile),
			Cohort:   cohort,
		})
		if err != nil {
			return eris.Wrap(err, "submit protocol")
		}

		zap.L().Info("submit complete",
			zap.String("fingerprint", report.Fingerprint),
			zap.Bool("duplicate", report.Duplicate),
			zap.Int("assignments", len(report.Assignments)),
			zap.Int("skipped", len(report.SkippedDuplicates)),
			zap.Int("errors", len(report.Errors)),
		)
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

// resolveCohort merges --cohort ids with the ids from --cohort-file, which
// may be any people file the roster understands.
func resolveCohort(ctx context.Context, ids []string, file string) ([]string, error) {
	cohort := append([]string(nil), ids...)
	if file != "" {
		people, err := roster.LoadPeople(ctx, file)
		if err != nil {
			return nil, eris.Wrap(err, "load cohort file")
		}
		for _, p := range people {
			cohort = append(cohort, p.ID)
		}
	}
	if len(cohort) == 0 {
		return nil, eris.New("a cohort is required (--cohort or --cohort-file)")
	}
	return cohort, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	submitCmd.Flags().StringVar(&submitFile, "file", "", "protocol document (text, markdown, PDF or image)")
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "protocol title (default: file name)")
	submitCmd.Flags().StringSliceVar(&submitCohort, "cohort", nil, "person ids, comma separated")
	submitCmd.Flags().StringVar(&submitCohortFile, "cohort-file", "", "people file (csv, xlsx, yaml) whose ids form the cohort")
	_ = submitCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(submitCmd)
}
