package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aretw0/lattice/internal/config"
	httpAdapter "github.com/aretw0/lattice/internal/adapters/http"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <namespace>",
	Short: "Print the shared entities of a namespace",
	Long: `Reads every entity of a namespace (creation data and state) from the
configured Redis document and prints it as JSON or as a markdown table.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
			cfg.Document.Driver = config.DriverRedis
			cfg.Document.Redis.Addr = addr
		}
		if cfg.Document.Driver != config.DriverRedis {
			return fmt.Errorf("inspect needs a redis document (driver is %q)", cfg.Document.Driver)
		}
		format, _ := cmd.Flags().GetString("format")

		render := func(md string) (string, error) { return md, nil }
		if format == "markdown" && tui.IsTerminal(os.Stdout) {
			render = tui.NewRenderer()
		}
		return runInspect(cmd.Context(), cmd.OutOrStdout(), cfg.Document, args[0], format, render)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().String("redis", "", "Redis address (overrides document.redis.addr)")
	inspectCmd.Flags().StringP("format", "f", "json", "Output format: json or markdown")
}

func runInspect(ctx context.Context, w io.Writer, docCfg config.DocumentConfig, namespace, format string, render func(string) (string, error)) error {
	doc, closeDoc, err := openDocument(ctx, docCfg, logging.NewNop())
	if err != nil {
		return err
	}
	defer closeDoc()

	snapshot, err := httpAdapter.Snapshot(ctx, doc, namespace)
	if err != nil {
		return fmt.Errorf("failed to read namespace %s: %w", namespace, err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)

	case "markdown":
		entities := make(map[string]tui.Entity, len(snapshot))
		for id, e := range snapshot {
			entities[id] = tui.Entity{Data: e.Data, State: e.State}
		}
		out, err := render(tui.SnapshotMarkdown(namespace, entities))
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err

	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
