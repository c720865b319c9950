package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/amanthanvi/strongbox/internal/locator"
	"github.com/spf13/cobra"
)

type tableInfo struct {
	Name    string       `json:"name"`
	Locator string       `json:"locator"`
	Columns []columnInfo `json:"columns"`
	Create  string       `json:"create"`
}

type columnInfo struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Extra  string `json:"extra,omitempty"`
	Sealed bool   `json:"sealed,omitempty"`
}

func newTablesCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the declared tables and their locators",
		Long:  "tables reads the schema file only; it does not open the store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("tables does not accept positional arguments")
			}
			cfg, err := loadCommandConfig(cmd, deps)
			if err != nil {
				return mapCommandError(err)
			}
			tables, err := loadTables(cfg)
			if err != nil {
				return mapCommandError(err)
			}

			infos := make([]tableInfo, 0, len(tables))
			for _, table := range tables {
				info := tableInfo{
					Name:    table.Name(),
					Locator: locator.New(cfg.Store.Authority, table.Name()).String(),
					Create:  table.CreateScript(),
				}
				for _, column := range table.Columns() {
					info.Columns = append(info.Columns, columnInfo{
						Name:   column.Name,
						Type:   string(column.Type),
						Extra:  column.Extra,
						Sealed: column.Sealed,
					})
				}
				infos = append(infos, info)
			}

			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, infos))
			}
			tw := tabwriter.NewWriter(deps.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tLOCATOR\tCOLUMNS")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", info.Name, info.Locator, len(info.Columns))
			}
			return mapCommandError(tw.Flush())
		},
	}
}
