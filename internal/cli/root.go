package cli

import (
	"bufio"
	"io"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath      string
	DataDir         string
	StoreName       string
	SchemaFile      string
	SchemaVersion   int
	LogLevel        string
	JSON            bool
	Quiet           bool
	PassphraseStdin bool
	PassphraseEnv   string
}

type commandDeps struct {
	out     io.Writer
	build   BuildInfo
	globals *GlobalOptions
	stdin   func(cmd *cobra.Command) *bufio.Reader
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	var stdin *bufio.Reader
	deps := commandDeps{
		out:     out,
		build:   build,
		globals: globals,
		stdin: func(cmd *cobra.Command) *bufio.Reader {
			if stdin == nil {
				stdin = bufio.NewReader(cmd.InOrStdin())
			}
			return stdin
		},
	}

	cmd := &cobra.Command{
		Use:   "strongbox",
		Short: "Locator-addressed access to an encrypted embedded store",
		Long: "strongbox opens a passphrase-protected SQLite store and reads or writes its rows\n" +
			"through content locators of the form content://<authority>/<table>[/<id>].",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "Path to config.toml")
	flags.StringVar(&globals.DataDir, "data-dir", "", "Directory holding the store file")
	flags.StringVar(&globals.StoreName, "store", "", "Store file name or absolute path")
	flags.StringVar(&globals.SchemaFile, "schema", "", "YAML file declaring the store tables")
	flags.IntVar(&globals.SchemaVersion, "schema-version", 0, "Declared schema version")
	flags.StringVar(&globals.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Suppress non-essential output")
	flags.BoolVar(&globals.PassphraseStdin, "passphrase-stdin", false, "Read the passphrase from the first line of stdin")
	flags.StringVar(&globals.PassphraseEnv, "passphrase-env", defaultPassphraseEnv, "Environment variable holding the passphrase")

	cmd.AddCommand(
		newInitCommand(deps),
		newTablesCommand(deps),
		newInsertCommand(deps),
		newBulkInsertCommand(deps),
		newQueryCommand(deps),
		newUpdateCommand(deps),
		newDeleteCommand(deps),
		newJournalCommand(deps),
		newDebugCommand(deps),
		newVersionCommand(deps),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}
