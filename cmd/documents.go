package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/course-cli/internal/model"
)

var (
	documentsLimit    int
	documentsShowText bool
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Inspect processed protocol documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processed documents, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		docs, err := env.Cache.List(ctx, documentsLimit)
		if err != nil {
			return eris.Wrap(err, "list documents")
		}
		formatDocuments(cmd.OutOrStdout(), docs)
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <fingerprint>",
	Short: "Show the stored outcome of one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "read")
		if err != nil {
			return err
		}
		defer env.Close()

		doc, err := env.Cache.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get document")
		}
		if doc == nil {
			return eris.Errorf("document %s not found", args[0])
		}
		if !documentsShowText {
			doc.Text = ""
		}
		return writeJSON(cmd.OutOrStdout(), doc)
	},
}

// formatDocuments writes one row per document with outcome counts.
func formatDocuments(out io.Writer, docs []model.ProcessedDocument) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FINGERPRINT\tTITLE\tPROCESSED\tPEOPLE\tASSIGNED\tSKIPPED")
	_, _ = fmt.Fprintln(w, "-----------\t-----\t---------\t------\t--------\t-------")

	for _, d := range docs {
		var assigned, skipped int
		for _, o := range d.Outcomes {
			assigned += len(o.Courses())
			skipped += len(o.Skipped)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			d.Fingerprint[:min(12, len(d.Fingerprint))],
			d.Title,
			d.ProcessedAt.Format("2006-01-02 15:04"),
			len(d.Outcomes),
			assigned,
			skipped,
		)
	}
	_ = w.Flush()
}

func init() {
	documentsListCmd.Flags().IntVar(&documentsLimit, "limit", 50, "maximum documents to list")
	documentsShowCmd.Flags().BoolVar(&documentsShowText, "text", false, "include the protocol text")
	documentsCmd.AddCommand(documentsListCmd, documentsShowCmd)
	rootCmd.AddCommand(documentsCmd)
}
