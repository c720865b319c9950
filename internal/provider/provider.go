// Package provider is the locator-addressed CRUD surface over an open store.
// Every operation resolves its locator against the registry first; mutations
// notify the hub after they commit.
package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/amanthanvi/strongbox/internal/locator"
	"github.com/amanthanvi/strongbox/internal/notify"
	"github.com/amanthanvi/strongbox/internal/schema"
	"github.com/amanthanvi/strongbox/internal/storage"
)

// Values maps column names to the values written by Insert and Update.
type Values map[string]any

// Query carries the read parameters. An empty Projection selects every
// declared column. Filter and Order are SQL fragments passed through as
// written; Filter placeholders bind to Args.
type Query struct {
	Projection []string
	Filter     string
	Args       []any
	Order      string
}

// Stores hands out the open store handle. *storage.Manager satisfies it.
type Stores interface {
	Readable() (*storage.Handle, error)
	Writable() (*storage.Handle, error)
}

// Hub is the change notifier the provider publishes to and cursors
// subscribe through. *notify.Hub satisfies it.
type Hub interface {
	notify.Notifier
	Subscribe(loc locator.Locator, descendants bool, observer notify.Observer) *notify.Subscription
}

type Provider struct {
	stores   Stores
	registry *schema.Registry
	hub      Hub
	logger   *slog.Logger
}

func New(stores Stores, registry *schema.Registry, hub Hub, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		stores:   stores,
		registry: registry,
		hub:      hub,
		logger:   logger.With(slog.String("component", "provider")),
	}
}

// Authority is the locator authority this provider answers for.
func (p *Provider) Authority() string { return p.registry.Authority() }

func (p *Provider) Registry() *schema.Registry { return p.registry }

// Insert writes one row through a whole-table locator and returns the row
// locator of the new row.
func (p *Provider) Insert(ctx context.Context, loc locator.Locator, values Values) (locator.Locator, error) {
	table, match, err := p.resolve(loc)
	if err != nil {
		return locator.Locator{}, err
	}
	if match.IsRow() {
		return locator.Locator{}, fmt.Errorf("%w: insert requires a table locator, got %s", ErrInvalidAddress, loc)
	}
	handle, err := p.stores.Writable()
	if err != nil {
		return locator.Locator{}, err
	}

	id, err := insertRow(ctx, handle.DB(), handle, table, values)
	if err != nil {
		return locator.Locator{}, err
	}
	inserted := loc.WithAppendedID(id)
	p.notify(ctx, inserted, notify.OpInsert, 1)
	return inserted, nil
}

// BulkInsert writes every row in one transaction. Any failing row rolls the
// whole batch back. The table locator is notified once, also for an empty
// batch.
func (p *Provider) BulkInsert(ctx context.Context, loc locator.Locator, rows []Values) (int, error) {
	table, match, err := p.resolve(loc)
	if err != nil {
		return 0, err
	}
	if match.IsRow() {
		return 0, fmt.Errorf("%w: bulk insert requires a table locator, got %s", ErrInvalidAddress, loc)
	}
	handle, err := p.stores.Writable()
	if err != nil {
		return 0, err
	}

	err = handle.WithTx(ctx, func(tx *sql.Tx) error {
		for i, values := range rows {
			if _, err := insertRow(ctx, tx, handle, table, values); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrWriteFailure) {
			err = fmt.Errorf("%w: bulk insert into %s: %v", ErrWriteFailure, table.Name(), err)
		}
		return 0, err
	}
	p.notify(ctx, loc, notify.OpBulkInsert, int64(len(rows)))
	return len(rows), nil
}

// Query opens a lazy cursor. On a row locator the id predicate is combined
// with the caller's filter, so the filter can only narrow the result. The
// cursor is subscribed to the locator and everything below it until closed.
func (p *Provider) Query(ctx context.Context, loc locator.Locator, q Query) (*Cursor, error) {
	table, match, err := p.resolve(loc)
	if err != nil {
		return nil, err
	}
	columns, err := projection(table, q.Projection)
	if err != nil {
		return nil, err
	}
	handle, err := p.stores.Readable()
	if err != nil {
		return nil, err
	}

	names := make([]string, len(columns))
	for i, column := range columns {
		names[i] = column.Name
	}
	stmt := "SELECT " + strings.Join(names, ", ") + " FROM " + table.Name()
	var (
		where []string
		args  []any
	)
	if match.IsRow() {
		where = append(where, schema.IDColumn+" = ?")
		args = append(args, match.RowID)
	}
	if filter := strings.TrimSpace(q.Filter); filter != "" {
		where = append(where, "("+filter+")")
		args = append(args, q.Args...)
	}
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	if order := strings.TrimSpace(q.Order); order != "" {
		stmt += " ORDER BY " + order
	}

	rows, err := handle.DB().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table.Name(), err)
	}
	return newCursor(rows, table.Name(), columns, handle.Keyring(), p.hub, loc), nil
}

// Update applies values to the addressed row, ignoring the caller's filter,
// or to the rows of a table locator selected by the filter (all rows when
// empty). The locator is notified even when no row changed.
func (p *Provider) Update(ctx context.Context, loc locator.Locator, values Values, filter string, args ...any) (int64, error) {
	table, match, err := p.resolve(loc)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: update %s: no values", ErrWriteFailure, table.Name())
	}
	if assignsID(values) {
		return 0, fmt.Errorf("%w: update %s: %s is assigned by the store", ErrWriteFailure, table.Name(), schema.IDColumn)
	}
	handle, err := p.stores.Writable()
	if err != nil {
		return 0, err
	}
	names, bound, err := bindValues(handle, table, values)
	if err != nil {
		return 0, err
	}

	assignments := make([]string, len(names))
	for i, name := range names {
		assignments[i] = name + " = ?"
	}
	where, whereArgs := mutationFilter(match, filter, args)
	stmt := "UPDATE " + table.Name() + " SET " + strings.Join(assignments, ", ") + where

	count, err := execCount(ctx, handle.DB(), stmt, append(bound, whereArgs...))
	if err != nil {
		return 0, fmt.Errorf("%w: update %s: %v", ErrWriteFailure, table.Name(), err)
	}
	p.notify(ctx, loc, notify.OpUpdate, count)
	return count, nil
}

// Delete follows the same row-versus-filter rule as Update.
func (p *Provider) Delete(ctx context.Context, loc locator.Locator, filter string, args ...any) (int64, error) {
	table, match, err := p.resolve(loc)
	if err != nil {
		return 0, err
	}
	handle, err := p.stores.Writable()
	if err != nil {
		return 0, err
	}

	where, whereArgs := mutationFilter(match, filter, args)
	count, err := execCount(ctx, handle.DB(), "DELETE FROM "+table.Name()+where, whereArgs)
	if err != nil {
		return 0, fmt.Errorf("%w: delete from %s: %v", ErrWriteFailure, table.Name(), err)
	}
	p.notify(ctx, loc, notify.OpDelete, count)
	return count, nil
}

func (p *Provider) resolve(loc locator.Locator) (schema.Descriptor, schema.Match, error) {
	match, ok := p.registry.Resolve(loc)
	if !ok {
		return nil, schema.Match{}, fmt.Errorf("%w: %s", ErrInvalidAddress, loc)
	}
	table, ok := p.registry.Lookup(match.Table)
	if !ok {
		return nil, schema.Match{}, fmt.Errorf("%w: %s", ErrInvalidAddress, loc)
	}
	return table, match, nil
}

func (p *Provider) notify(ctx context.Context, loc locator.Locator, op notify.Operation, count int64) {
	p.logger.Debug("store changed", slog.String("locator", loc.String()), slog.String("op", string(op)), slog.Int64("count", count))
	if p.hub == nil {
		return
	}
	p.hub.Notify(ctx, notify.Change{Locator: loc, Op: op, Count: count})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRow(ctx context.Context, db execer, handle *storage.Handle, table schema.Descriptor, values Values) (int64, error) {
	if assignsID(values) {
		return 0, fmt.Errorf("%w: insert into %s: %s is assigned by the store", ErrWriteFailure, table.Name(), schema.IDColumn)
	}
	names, bound, err := bindValues(handle, table, values)
	if err != nil {
		return 0, err
	}

	stmt := "INSERT INTO " + table.Name() + " DEFAULT VALUES"
	if len(names) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
		stmt = "INSERT INTO " + table.Name() + " (" + strings.Join(names, ", ") + ") VALUES (" + placeholders + ")"
	}
	res, err := db.ExecContext(ctx, stmt, bound...)
	if err != nil {
		return 0, fmt.Errorf("%w: insert into %s: %v", ErrWriteFailure, table.Name(), err)
	}
	id, err := res.LastInsertId()
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: insert into %s: no row id generated", ErrWriteFailure, table.Name())
	}
	return id, nil
}

// bindValues checks every key against the declared columns and returns the
// canonical column names with their bound values, sealing where declared.
// Names are sorted so statements are stable.
func bindValues(handle *storage.Handle, table schema.Descriptor, values Values) ([]string, []any, error) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	names := make([]string, 0, len(keys))
	bound := make([]any, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		column, ok := findColumn(table, key)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s has no column %q", ErrWriteFailure, table.Name(), key)
		}
		if _, dup := seen[column.Name]; dup {
			return nil, nil, fmt.Errorf("%w: column %q given twice", ErrWriteFailure, column.Name)
		}
		seen[column.Name] = struct{}{}

		value := values[key]
		if column.Sealed {
			sealed, err := sealValue(handle, table.Name(), column, value)
			if err != nil {
				return nil, nil, err
			}
			value = sealed
		}
		names = append(names, column.Name)
		bound = append(bound, value)
	}
	return names, bound, nil
}

func sealValue(handle *storage.Handle, table string, column schema.Column, value any) (any, error) {
	var plaintext []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		plaintext = []byte(v)
	case []byte:
		plaintext = v
	default:
		return nil, fmt.Errorf("%w: sealed column %q accepts text or bytes, got %T", ErrWriteFailure, column.Name, value)
	}
	sealed, err := handle.Keyring().SealColumn(table, column.Name, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return sealed, nil
}

func findColumn(table schema.Descriptor, name string) (schema.Column, bool) {
	for _, column := range table.Columns() {
		if strings.EqualFold(column.Name, name) {
			return column, true
		}
	}
	return schema.Column{}, false
}

func assignsID(values Values) bool {
	for key := range values {
		if strings.EqualFold(key, schema.IDColumn) {
			return true
		}
	}
	return false
}

func projection(table schema.Descriptor, requested []string) ([]schema.Column, error) {
	if len(requested) == 0 {
		return table.Columns(), nil
	}
	columns := make([]schema.Column, 0, len(requested))
	for _, name := range requested {
		column, ok := findColumn(table, strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("query %s: unknown column %q", table.Name(), name)
		}
		columns = append(columns, column)
	}
	return columns, nil
}

// mutationFilter builds the WHERE clause for update and delete. A row match
// ignores the caller's filter entirely.
func mutationFilter(match schema.Match, filter string, args []any) (string, []any) {
	if match.IsRow() {
		return " WHERE " + schema.IDColumn + " = ?", []any{match.RowID}
	}
	if filter = strings.TrimSpace(filter); filter != "" {
		return " WHERE " + filter, args
	}
	return "", nil
}

func execCount(ctx context.Context, db execer, stmt string, args []any) (int64, error) {
	res, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
