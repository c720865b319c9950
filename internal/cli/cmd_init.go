package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type initResult struct {
	Path    string   `json:"path"`
	StoreID string   `json:"store_id"`
	Version int      `json:"version"`
	Tables  []string `json:"tables"`
}

func newInitCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the store, or open it and apply the declared schema version",
		Example: "  STRONGBOX_PASSPHRASE=... strongbox --schema schema.yaml init\n" +
			"  printf 'pass\\n' | strongbox --passphrase-stdin --schema-version 2 init",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("init does not accept positional arguments")
			}
			return withSession(cmd, deps, func(_ context.Context, s *session) error {
				result := initResult{
					Path:    s.handle.Path(),
					StoreID: s.handle.StoreID(),
					Version: s.handle.Version(),
				}
				for _, table := range s.handle.Tables() {
					result.Tables = append(result.Tables, table.Name())
				}
				if deps.globals.JSON {
					return printJSON(deps.out, result)
				}
				if deps.globals.Quiet {
					return nil
				}
				_, err := fmt.Fprintf(deps.out, "store=%s id=%s version=%d tables=%d\n",
					result.Path, result.StoreID, result.Version, len(result.Tables))
				return err
			})
		},
	}
}
