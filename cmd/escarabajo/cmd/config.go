package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dshills/escarabajo/internal/config"
)

var configJSON string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the repository configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the effective configuration, or one dotted key of it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := svc.Config()
		m, err := cfg.Map()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return printYAML(cmd, m)
		}

		v, ok := lookup(m, args[0])
		if !ok {
			return fmt.Errorf("unknown config key %q", args[0])
		}
		return printYAML(cmd, v)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key=value]...",
	Short: "Deep-merge settings into the persisted configuration",
	Long: `Merge settings into .escarabajo/config.yaml. Keys are dotted paths and
values are parsed as YAML scalars or flow collections.

Examples:
  escarabajo config set skip_unchanged=true workers=4
  escarabajo config set pdf.page_delimiter='## Page {n}'
  escarabajo config set 'globs=["**/*.pdf"]'
  escarabajo config set --json '{"docx": {"keep_tables": false}}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		updates, err := parseUpdates(args, configJSON)
		if err != nil {
			return err
		}

		cfg, err := svc.UpdateConfig(updates)
		if err != nil {
			return err
		}
		m, err := cfg.Map()
		if err != nil {
			return err
		}
		return printYAML(cmd, m)
	},
}

// parseUpdates turns key=value pairs and an optional JSON object into one
// nested update map
func parseUpdates(pairs []string, rawJSON string) (map[string]any, error) {
	updates := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &updates); err != nil {
			return nil, fmt.Errorf("invalid --json: %w", err)
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}

		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if v == nil && raw != "null" && raw != "~" {
			v = raw
		}

		nested := map[string]any{}
		cur := nested
		parts := strings.Split(key, ".")
		for _, p := range parts[:len(parts)-1] {
			next := map[string]any{}
			cur[p] = next
			cur = next
		}
		cur[parts[len(parts)-1]] = v
		updates = config.Merge(updates, nested)
	}

	if len(updates) == 0 {
		return nil, errors.New("no settings given")
	}
	return updates, nil
}

// lookup resolves a dotted key in a nested map
func lookup(m map[string]any, key string) (any, bool) {
	var cur any = m
	for _, p := range strings.Split(key, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func printYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func init() {
	configSetCmd.Flags().StringVar(&configJSON, "json", "", "settings as a JSON object")

	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
