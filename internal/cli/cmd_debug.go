package cli

import (
	"fmt"
	"strings"

	debugpkg "github.com/amanthanvi/strongbox/internal/debug"
	"github.com/spf13/cobra"
)

func newDebugCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "debug",
		Short:   "Diagnostics helpers",
		Example: "  strongbox debug bundle --output ./strongbox-debug.json",
	}
	cmd.AddCommand(newDebugBundleCommand(deps))
	return cmd
}

func newDebugBundleCommand(deps commandDeps) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Collect sanitized diagnostics into a JSON bundle",
		Long:  "Collect configuration, schema and store file diagnostics. No passphrase is read and no row data is included.",
		Example: "  strongbox debug bundle --output ./strongbox-debug.json\n" +
			"  strongbox --json debug bundle --output ./strongbox-debug.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("debug bundle does not accept positional arguments")
			}
			if strings.TrimSpace(outputPath) == "" {
				return usageErrorf("debug bundle requires --output")
			}

			bundle := debugpkg.NewBundle()
			bundle.Version = map[string]any{
				"version":    deps.build.Version,
				"commit":     deps.build.Commit,
				"build_time": deps.build.BuildTime,
			}

			cfg, err := loadCommandConfig(cmd, deps)
			bundle.AddCheck("config", err, "loaded")
			if err == nil {
				bundle.Store = map[string]any{
					"path":           cfg.StorePath(),
					"authority":      cfg.Store.Authority,
					"schema_file":    cfg.Store.SchemaFile,
					"schema_version": cfg.Store.Version,
					"journal":        cfg.Journal.Enabled,
				}
				tables, err := loadTables(cfg)
				bundle.AddCheck("schema", err, fmt.Sprintf("%d tables", len(tables)))
				if err == nil {
					names := make([]string, len(tables))
					for i, table := range tables {
						names[i] = table.Name()
					}
					bundle.Store["tables"] = names
				}
				bundle.Checks = append(bundle.Checks, debugpkg.CheckStoreFile(cfg.StorePath()))
			}

			if err := debugpkg.WriteBundle(outputPath, bundle); err != nil {
				return asExitError(ExitCodeIO, err)
			}
			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, map[string]any{"output": outputPath, "healthy": bundle.Healthy()}))
			}
			if deps.globals.Quiet {
				return nil
			}
			_, err = fmt.Fprintf(deps.out, "debug bundle written: %s\n", outputPath)
			return mapCommandError(err)
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Output JSON bundle path")
	return cmd
}
