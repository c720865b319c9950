package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type journalRepository struct {
	db *sql.DB
}

// AppendWithTip stores entry and advances the chain tip atomically.
func (r *journalRepository) AppendWithTip(ctx context.Context, entry *JournalEntry, tip string) error {
	if entry == nil {
		return fmt.Errorf("append journal entry: entry is nil")
	}
	if entry.Operation == "" {
		return fmt.Errorf("append journal entry: operation is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append journal entry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, _, err := readMeta(ctx, tx, journalTipMetaKey)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	if current != entry.PrevHash {
		return ErrJournalTipMoved
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO store_journal(id, operation, locator, count, prev_hash, entry_hash, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Operation, entry.Locator, entry.Count, entry.PrevHash, entry.EntryHash, fmtTime(entry.CreatedAt)); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	if err := putMeta(ctx, tx, journalTipMetaKey, tip); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append journal entry: commit: %w", err)
	}
	return nil
}

// List returns entries in append order. A limit <= 0 defaults to 1000.
func (r *journalRepository) List(ctx context.Context, limit int) ([]JournalEntry, error) {
	return r.ListAfter(ctx, 0, limit)
}

func (r *journalRepository) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, id, operation, locator, count, prev_hash, entry_hash, created_at
		FROM store_journal
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	entries := []JournalEntry{}
	for rows.Next() {
		var (
			entry   JournalEntry
			created string
		)
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.Operation, &entry.Locator, &entry.Count, &entry.PrevHash, &entry.EntryHash, &created); err != nil {
			return nil, fmt.Errorf("list journal entries: scan row: %w", err)
		}
		if entry.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list journal entries: iterate: %w", err)
	}
	return entries, nil
}

func (r *journalRepository) ChainTip(ctx context.Context) (string, error) {
	tip, _, err := readMeta(ctx, r.db, journalTipMetaKey)
	if err != nil {
		return "", fmt.Errorf("read journal chain tip: %w", err)
	}
	return tip, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
