package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/escarabajo/internal/kb"
	"github.com/dshills/escarabajo/internal/mcp"
	"github.com/dshills/escarabajo/internal/prompts"
	"github.com/dshills/escarabajo/internal/watch"
)

var (
	promptParams  []string
	watchDebounce time.Duration
	watchInitial  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the knowledge base over MCP on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := mcp.NewServer(svc, version, logger)
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		err = server.Serve(cmd.Context(), os.Stdin, os.Stdout)
		logger.Info("server stopped")
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync sources as they change until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if watchInitial {
			rep, err := svc.SyncAll(ctx, kb.SyncOptions{})
			if err != nil {
				return err
			}
			logger.Info("initial sync", "ok", rep.OK, "skipped", rep.Skipped, "errors", rep.Errors)
		}

		w, err := watch.New(watch.Config{
			Root:     svc.Root(),
			Matcher:  svc,
			Sync:     syncChanged,
			Debounce: watchDebounce,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		logger.Info("watching for changes", "root", svc.Root())
		return w.Run(ctx)
	},
}

// syncChanged syncs the sources reported by the watcher and logs failures
func syncChanged(ctx context.Context, keys []string) error {
	rep, err := svc.SyncPaths(ctx, keys, nil)
	if err != nil {
		return err
	}
	for _, out := range rep.Results {
		if !out.OK() {
			logger.Warn("source failed", "src", out.Source, "reason", out.Reason)
		}
	}
	return nil
}

var promptsCmd = &cobra.Command{
	Use:   "prompts [name]",
	Short: "List prompt templates or render one",
	Long: `Without a name, list the prompt pack. With a name, print the template
filled with --param values, or the raw template when none are given.

Examples:
  escarabajo prompts doc.summarize --param path=.escarabajo/kb/docs/design.docx.md
  escarabajo prompts kb.crosslink --param paths=a.txt,b.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			for _, p := range prompts.List() {
				names := make([]string, 0, len(p.Args))
				for _, a := range p.Args {
					names = append(names, a.Name)
				}
				fmt.Fprintf(out, "%-26s %s (%s)\n", p.Name, p.Description, strings.Join(names, ", "))
			}
			return nil
		}

		params := make(map[string]any, len(promptParams))
		for _, kv := range promptParams {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("expected name=value, got %q", kv)
			}
			params[k] = v
		}

		text, err := prompts.Render(args[0], params)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
		return nil
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "quiet period before a changed source is synced")
	watchCmd.Flags().BoolVar(&watchInitial, "initial-sync", true, "sync everything before watching")

	promptsCmd.Flags().StringArrayVar(&promptParams, "param", nil, "template parameter as name=value (repeatable)")

	rootCmd.AddCommand(serveCmd, watchCmd, promptsCmd)
}
