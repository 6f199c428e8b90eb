package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/escarabajo/internal/kb"
)

var (
	purgeGlobs   []string
	purgeSources []string
	purgeAll     bool
	readMaxBytes int
	statusRecent int
	statusSource string
	historyLimit int
)

var listKBCmd = &cobra.Command{
	Use:   "list-kb",
	Short: "List cached text files and the sources they came from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := svc.ListArtifacts(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "OUT\tSOURCE\tSTATUS")
		for _, it := range items {
			src, status := it.Src, string(it.Status)
			if src == "" {
				src = "-"
			}
			if status == "" {
				status = "untracked"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", it.Out, src, status)
		}
		return w.Flush()
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cached text files and their ledger entries",
	Long: `Delete cached text files selected by glob (relative to the cache root) or
by source path, and drop their ledger entries. Source documents are never
touched.

Examples:
  escarabajo purge --source docs/old.docx
  escarabajo purge --glob 'archive/**'
  escarabajo purge --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel := kb.Selector{Globs: purgeGlobs, Sources: purgeSources}
		if sel.Empty() && !purgeAll {
			return errors.New("nothing selected: pass --glob, --source or --all")
		}
		if !sel.Empty() && purgeAll {
			return errors.New("--all cannot be combined with --glob or --source")
		}

		res, err := svc.Purge(cmd.Context(), sel)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var readTextCmd = &cobra.Command{
	Use:   "read-text <out>",
	Short: "Print a cached text file (requires expose_content)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := svc.ReadText(args[0], readMaxBytes)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text.Content)
		if text.Truncated {
			logger.Warn("output truncated", "out", text.Out, "bytes", text.Bytes, "max_bytes", readMaxBytes)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger totals and recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusSource != "" {
			results, err := svc.SourceHistory(cmd.Context(), statusSource, historyLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		}

		rep, err := svc.Status(cmd.Context(), statusRecent)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

func init() {
	purgeCmd.Flags().StringSliceVar(&purgeGlobs, "glob", nil, "artifact pattern relative to the cache root (repeatable)")
	purgeCmd.Flags().StringSliceVar(&purgeSources, "source", nil, "source path whose text should be removed (repeatable)")
	purgeCmd.Flags().BoolVar(&purgeAll, "all", false, "purge every cached text file")

	readTextCmd.Flags().IntVar(&readMaxBytes, "max-bytes", 0, "maximum number of bytes to print (0 prints everything)")

	statusCmd.Flags().IntVar(&statusRecent, "recent", 10, "number of recent runs to list")
	statusCmd.Flags().StringVar(&statusSource, "source", "", "show the run history of one source instead")
	statusCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of history entries with --source")

	rootCmd.AddCommand(listKBCmd, purgeCmd, readTextCmd, statusCmd)
}
