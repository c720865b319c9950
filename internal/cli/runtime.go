package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/amanthanvi/strongbox/internal/audit"
	"github.com/amanthanvi/strongbox/internal/config"
	"github.com/amanthanvi/strongbox/internal/crypto"
	"github.com/amanthanvi/strongbox/internal/locator"
	strongboxlog "github.com/amanthanvi/strongbox/internal/log"
	"github.com/amanthanvi/strongbox/internal/notify"
	"github.com/amanthanvi/strongbox/internal/provider"
	"github.com/amanthanvi/strongbox/internal/schema"
	"github.com/amanthanvi/strongbox/internal/storage"
	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

const (
	defaultPassphraseEnv = "STRONGBOX_PASSPHRASE"
	// storeLockWait bounds how long a command waits for another process
	// holding the store.
	storeLockWait = 30 * time.Second
)

var loadConfigFn = config.Load

// session is one opened store with its dispatcher and journal.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	tables   []*schema.Table
	handle   *storage.Handle
	provider *provider.Provider
	journal  *audit.Journal
}

func loadCommandConfig(cmd *cobra.Command, deps commandDeps) (config.Config, error) {
	flags := config.FlagOverrides{}
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("data-dir") {
		flags.DataDir = &deps.globals.DataDir
	}
	if changed("store") {
		flags.Name = &deps.globals.StoreName
	}
	if changed("schema") {
		flags.SchemaFile = &deps.globals.SchemaFile
	}
	if changed("schema-version") {
		flags.Version = &deps.globals.SchemaVersion
	}
	if changed("log-level") {
		flags.LogLevel = &deps.globals.LogLevel
	}

	cfg, err := loadConfigFn(config.LoadOptions{ConfigPath: strings.TrimSpace(deps.globals.ConfigPath), Flags: flags})
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func loadTables(cfg config.Config) ([]*schema.Table, error) {
	if strings.TrimSpace(cfg.Store.SchemaFile) == "" {
		return nil, usageErrorf("no schema file configured (set --schema or store.schema_file)")
	}
	return schema.LoadFile(cfg.Store.SchemaFile)
}

// newCommandLogger logs to stderr or the configured file, never to the
// command output.
func newCommandLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	return strongboxlog.New(strongboxlog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	}, nil)
}

// withSession opens the configured store, runs fn and closes everything.
func withSession(cmd *cobra.Command, deps commandDeps, fn func(context.Context, *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadCommandConfig(cmd, deps)
	if err != nil {
		return mapCommandError(err)
	}
	tables, err := loadTables(cfg)
	if err != nil {
		return mapCommandError(err)
	}
	logger, logCloser, err := newCommandLogger(cfg)
	if err != nil {
		return mapCommandError(err)
	}
	defer logCloser.Close()

	passphrase, err := readPassphrase(cmd, deps)
	if err != nil {
		return mapCommandError(err)
	}
	defer memguard.WipeBytes(passphrase)

	descriptors := make([]schema.Descriptor, len(tables))
	for i, table := range tables {
		descriptors[i] = table
	}

	manager := storage.NewManager(cfg.Store.DataDir, logger)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("close store", slog.Any("error", err))
		}
	}()
	openCtx, cancelOpen := context.WithTimeout(ctx, storeLockWait)
	defer cancelOpen()
	handle, err := manager.Open(openCtx, storage.OpenOptions{
		Name:       cfg.StorePath(),
		Version:    cfg.Store.Version,
		Tables:     descriptors,
		Passphrase: passphrase,
		Argon2:     argon2Params(cfg),
	})
	if err != nil {
		return mapCommandError(err)
	}

	hub := notify.NewHub(logger)
	s := &session{cfg: cfg, logger: logger, tables: tables, handle: handle}
	if cfg.Journal.Enabled {
		s.journal, err = audit.NewJournal(ctx, handle.Journal, logger)
		if err != nil {
			return mapCommandError(err)
		}
		hub.Subscribe(locator.New(cfg.Store.Authority), true, s.journal)
	}
	s.provider = provider.New(manager, schema.NewRegistry(cfg.Store.Authority, descriptors...), hub, logger)

	return mapCommandError(fn(ctx, s))
}

func argon2Params(cfg config.Config) crypto.Argon2Params {
	params := crypto.DefaultArgon2Params()
	params.Memory = uint32(cfg.Crypto.Argon2MemoryKiB)
	params.Iterations = uint32(cfg.Crypto.Argon2Iterations)
	return params
}

func readPassphrase(cmd *cobra.Command, deps commandDeps) ([]byte, error) {
	if deps.globals.PassphraseStdin {
		line, err := deps.stdin(cmd).ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read passphrase from stdin: %w", err)
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			return nil, usageErrorf("empty passphrase on stdin")
		}
		return line, nil
	}

	name := strings.TrimSpace(deps.globals.PassphraseEnv)
	if name == "" {
		name = defaultPassphraseEnv
	}
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return []byte(value), nil
	}
	return nil, usageErrorf("no passphrase: use --passphrase-stdin or set %s", name)
}

func parseLocatorArg(raw string) (locator.Locator, error) {
	loc, err := locator.Parse(strings.TrimSpace(raw))
	if err != nil {
		return locator.Locator{}, asExitError(ExitCodeInvalidAddress, err)
	}
	return loc, nil
}

// decodeValues parses a JSON object into column values. Integral numbers
// become int64 so INTEGER columns keep their type.
func decodeValues(raw []byte) (provider.Values, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, usageErrorf("values must be a JSON object: %v", err)
	}
	return normalizeValues(values)
}

func decodeValuesList(r io.Reader) ([]provider.Values, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, usageErrorf("rows must be a JSON array of objects: %v", err)
	}
	out := make([]provider.Values, 0, len(rows))
	for _, row := range rows {
		values, err := normalizeValues(row)
		if err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	return out, nil
}

func normalizeValues(values map[string]any) (provider.Values, error) {
	out := make(provider.Values, len(values))
	for key, value := range values {
		switch v := value.(type) {
		case json.Number:
			if i, err := v.Int64(); err == nil {
				out[key] = i
				continue
			}
			f, err := v.Float64()
			if err != nil {
				return nil, usageErrorf("value for %q: %v", key, err)
			}
			out[key] = f
		case map[string]any, []any:
			return nil, usageErrorf("value for %q must be a scalar", key)
		default:
			out[key] = v
		}
	}
	return out, nil
}

func stringArgs(args []string) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = arg
	}
	return out
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
