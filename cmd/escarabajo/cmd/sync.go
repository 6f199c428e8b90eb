package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/escarabajo/internal/kb"
)

var (
	scanGlobs    []string
	scanExcludes []string
	ocrFlag      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List source documents matching the configured globs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := svc.Scan(cmd.Context(), kb.ScanOptions{Globs: scanGlobs, ExcludeGlobs: scanExcludes})
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bring the text of every source document up to date",
	Long: `Discover every source document and regenerate the text of those that
changed since the last run.

Exits with status 3 when some sources failed; their errors are listed in
the JSON report.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := svc.SyncAll(cmd.Context(), kb.SyncOptions{
			ScanOptions: kb.ScanOptions{Globs: scanGlobs, ExcludeGlobs: scanExcludes},
			OCR:         ocrOverride(cmd),
		})
		if err != nil {
			return err
		}
		return syncResult(cmd, rep)
	},
}

var syncPathsCmd = &cobra.Command{
	Use:   "sync-paths <path>...",
	Short: "Bring the text of specific source documents up to date",
	Long: `Regenerate the text of the given sources when they changed. Paths may be
repository-relative or absolute inside the repository.

Examples:
  escarabajo sync-paths docs/design.docx decks/q3.pptx`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := svc.SyncPaths(cmd.Context(), args, ocrOverride(cmd))
		if err != nil {
			return err
		}
		return syncResult(cmd, rep)
	},
}

var getPathCmd = &cobra.Command{
	Use:   "get-path <path>",
	Short: "Ensure one source is cached and print the path of its text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := svc.EnsureOne(cmd.Context(), args[0], ocrOverride(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

// ocrOverride returns the --ocr value when it was given explicitly
func ocrOverride(cmd *cobra.Command) *bool {
	if !cmd.Flags().Changed("ocr") {
		return nil
	}
	v := ocrFlag
	return &v
}

func init() {
	for _, c := range []*cobra.Command{scanCmd, syncCmd} {
		c.Flags().StringSliceVar(&scanGlobs, "glob", nil, "include pattern overriding the configured globs (repeatable)")
		c.Flags().StringSliceVar(&scanExcludes, "exclude", nil, "exclude pattern overriding the configured exclude_globs (repeatable)")
	}
	for _, c := range []*cobra.Command{syncCmd, syncPathsCmd, getPathCmd} {
		c.Flags().BoolVar(&ocrFlag, "ocr", false, "run OCR on PDF pages without a text layer (default from config)")
	}

	rootCmd.AddCommand(scanCmd, syncCmd, syncPathsCmd, getPathCmd)
}
