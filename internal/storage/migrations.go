package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/amanthanvi/strongbox/internal/schema"
)

const (
	schemaVersionMetaKey = "schema_version"
	storeIDMetaKey       = "store_id"
	createdAtMetaKey     = "created_at"
	journalTipMetaKey    = "journal_tip"
)

var internalTables = []string{
	`CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS store_journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL,
		locator TEXT NOT NULL,
		count INTEGER NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

// migrate brings the declared tables to version inside one transaction.
// A store below version has every declared table dropped and recreated; all
// row data in those tables is lost. A store at or above version is left
// untouched. The returned value is the version recorded on disk afterwards.
func migrate(ctx context.Context, db *sql.DB, storeID string, tables []schema.Descriptor, version int, logger *slog.Logger) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrSchemaMigrationFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range internalTables {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("%w: ensure internal tables: %v", ErrSchemaMigrationFailure, err)
		}
	}

	if err := ensureStoreIdentity(ctx, tx, storeID); err != nil {
		return 0, err
	}

	current, err := readSchemaVersion(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSchemaMigrationFailure, err)
	}
	if current >= version {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("%w: commit: %v", ErrSchemaMigrationFailure, err)
		}
		return current, nil
	}

	if current > 0 {
		logger.Warn("upgrading store schema; all prior row data will be destroyed",
			slog.Int("from", current), slog.Int("to", version))
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, table.DropScript()); err != nil {
				return 0, fmt.Errorf("%w: drop %s: %v", ErrSchemaMigrationFailure, table.Name(), err)
			}
		}
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, table.CreateScript()); err != nil {
			return 0, fmt.Errorf("%w: create %s: %v", ErrSchemaMigrationFailure, table.Name(), err)
		}
	}

	if err := putMeta(ctx, tx, schemaVersionMetaKey, strconv.Itoa(version)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSchemaMigrationFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrSchemaMigrationFailure, err)
	}
	return version, nil
}

// ensureStoreIdentity records storeID in a new store and rejects a store
// whose recorded identity belongs to a different key file.
func ensureStoreIdentity(ctx context.Context, tx *sql.Tx, storeID string) error {
	recorded, found, err := readMeta(ctx, tx, storeIDMetaKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMigrationFailure, err)
	}
	if found {
		if recorded != storeID {
			return fmt.Errorf("%w: key file belongs to store %s, file records %s", ErrAuthenticationFailure, storeID, recorded)
		}
		return nil
	}
	for _, kv := range [][2]string{
		{storeIDMetaKey, storeID},
		{createdAtMetaKey, nowUTCString()},
		{journalTipMetaKey, ""},
	} {
		if err := putMeta(ctx, tx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaMigrationFailure, err)
		}
	}
	return nil
}

func putMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, key, value); err != nil {
		return fmt.Errorf("write store meta %s: %w", key, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readMeta reports found=false when the key or the meta table is missing.
func readMeta(ctx context.Context, q queryRower, key string) (string, bool, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = 'store_meta'`).Scan(&count); err != nil {
		return "", false, fmt.Errorf("inspect store meta: %w", err)
	}
	if count == 0 {
		return "", false, nil
	}

	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read store meta %s: %w", key, err)
	}
	return value, true, nil
}

func readSchemaVersion(ctx context.Context, q queryRower) (int, error) {
	raw, found, err := readMeta(ctx, q, schemaVersionMetaKey)
	if err != nil || !found {
		return 0, err
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return version, nil
}

func nowUTCString() string {
	return fmtTime(time.Now())
}
