package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/amanthanvi/strongbox/internal/provider"
	"github.com/spf13/cobra"
)

type countResult struct {
	Locator string `json:"locator"`
	Count   int64  `json:"count"`
}

func newInsertCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "insert LOCATOR [VALUES_JSON]",
		Short: "Insert one row through a table locator",
		Example: "  strongbox insert content://strongbox/notes '{\"text\":\"hi\"}'\n" +
			"  strongbox insert content://strongbox/notes",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parseLocatorArg(args[0])
			if err != nil {
				return err
			}
			var values provider.Values
			if len(args) == 2 {
				if values, err = decodeValues([]byte(args[1])); err != nil {
					return err
				}
			}
			return withSession(cmd, deps, func(ctx context.Context, s *session) error {
				created, err := s.provider.Insert(ctx, loc, values)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]string{"locator": created.String()})
				}
				_, err = fmt.Fprintln(deps.out, created.String())
				return err
			})
		},
	}
}

func newBulkInsertCommand(deps commandDeps) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "bulk-insert LOCATOR",
		Short: "Insert a JSON array of rows in one transaction",
		Long: "bulk-insert reads a JSON array of objects from --file (or stdin with --file -).\n" +
			"Either every row is stored or none is.",
		Example: "  strongbox bulk-insert content://strongbox/notes --file rows.json",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parseLocatorArg(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, deps, func(ctx context.Context, s *session) error {
				var r io.Reader
				switch file {
				case "":
					return usageErrorf("bulk-insert requires --file")
				case "-":
					r = deps.stdin(cmd)
				default:
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
					r = f
				}
				rows, err := decodeValuesList(r)
				if err != nil {
					return err
				}

				n, err := s.provider.BulkInsert(ctx, loc, rows)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, countResult{Locator: loc.String(), Count: int64(n)})
				}
				_, err = fmt.Fprintf(deps.out, "inserted %d\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with the rows, - for stdin")
	return cmd
}

func newQueryCommand(deps commandDeps) *cobra.Command {
	var (
		columns   []string
		where     string
		whereArgs []string
		order     string
	)

	cmd := &cobra.Command{
		Use:   "query LOCATOR",
		Short: "Read rows addressed by a table or row locator",
		Example: "  strongbox query content://strongbox/notes --where 'text LIKE ?' --arg 'h%' --order _id\n" +
			"  strongbox --json query content://strongbox/notes/1",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parseLocatorArg(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, deps, func(ctx context.Context, s *session) error {
				cursor, err := s.provider.Query(ctx, loc, provider.Query{
					Projection: columns,
					Filter:     where,
					Args:       stringArgs(whereArgs),
					Order:      order,
				})
				if err != nil {
					return err
				}
				names := cursor.Columns()
				rows, err := cursor.All()
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, rows)
				}
				return printRows(deps.out, names, rows)
			})
		},
	}
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "Columns to return (default all)")
	cmd.Flags().StringVar(&where, "where", "", "SQL filter expression")
	cmd.Flags().StringArrayVar(&whereArgs, "arg", nil, "Argument bound to a ? in --where (repeatable)")
	cmd.Flags().StringVar(&order, "order", "", "SQL ORDER BY expression")
	return cmd
}

func newUpdateCommand(deps commandDeps) *cobra.Command {
	var (
		where     string
		whereArgs []string
	)

	cmd := &cobra.Command{
		Use:   "update LOCATOR VALUES_JSON",
		Short: "Update the addressed row, or the rows of a table matching --where",
		Long:  "On a row locator --where is ignored. On a table locator an empty --where updates every row.",
		Example: "  strongbox update content://strongbox/notes/1 '{\"text\":\"bye\"}'\n" +
			"  strongbox update content://strongbox/notes '{\"text\":\"x\"}' --where '_id > ?' --arg 3",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parseLocatorArg(args[0])
			if err != nil {
				return err
			}
			values, err := decodeValues([]byte(args[1]))
			if err != nil {
				return err
			}
			return withSession(cmd, deps, func(ctx context.Context, s *session) error {
				count, err := s.provider.Update(ctx, loc, values, where, stringArgs(whereArgs)...)
				if err != nil {
					return err
				}
				return printCount(deps, "updated", loc.String(), count)
			})
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "SQL filter expression (table locators only)")
	cmd.Flags().StringArrayVar(&whereArgs, "arg", nil, "Argument bound to a ? in --where (repeatable)")
	return cmd
}

func newDeleteCommand(deps commandDeps) *cobra.Command {
	var (
		where     string
		whereArgs []string
	)

	cmd := &cobra.Command{
		Use:   "delete LOCATOR",
		Short: "Delete the addressed row, or the rows of a table matching --where",
		Example: "  strongbox delete content://strongbox/notes/1\n" +
			"  strongbox delete content://strongbox/notes --where 'text IS NULL'",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := parseLocatorArg(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, deps, func(ctx context.Context, s *session) error {
				count, err := s.provider.Delete(ctx, loc, where, stringArgs(whereArgs)...)
				if err != nil {
					return err
				}
				return printCount(deps, "deleted", loc.String(), count)
			})
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "SQL filter expression (table locators only)")
	cmd.Flags().StringArrayVar(&whereArgs, "arg", nil, "Argument bound to a ? in --where (repeatable)")
	return cmd
}

func printCount(deps commandDeps, verb, loc string, count int64) error {
	if deps.globals.JSON {
		return printJSON(deps.out, countResult{Locator: loc, Count: count})
	}
	_, err := fmt.Fprintf(deps.out, "%s %d\n", verb, count)
	return err
}

func printRows(w io.Writer, columns []string, rows []map[string]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, column := range columns {
			cells[i] = formatCell(row[column])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	default:
		return fmt.Sprint(v)
	}
}
