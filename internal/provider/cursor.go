package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/amanthanvi/strongbox/internal/crypto"
	"github.com/amanthanvi/strongbox/internal/locator"
	"github.com/amanthanvi/strongbox/internal/notify"
	"github.com/amanthanvi/strongbox/internal/schema"
)

var errCursorClosed = errors.New("cursor closed")

// Cursor is a forward-only view over a query result. Rows are read from the
// store as Next is called; a consumed cursor cannot be rewound. Sealed
// columns are decrypted as rows are read.
//
// The cursor watches the locator it was opened on. The first matching change
// marks it stale and closes the Changed channel; rows already read are not
// refreshed.
type Cursor struct {
	rows    *sql.Rows
	table   string
	columns []schema.Column
	keyring *crypto.Keyring

	current map[string]any
	err     error
	closed  bool

	sub     *notify.Subscription
	changed chan struct{}
	once    sync.Once
	stale   atomic.Bool
}

func newCursor(rows *sql.Rows, table string, columns []schema.Column, keyring *crypto.Keyring, hub Hub, loc locator.Locator) *Cursor {
	c := &Cursor{
		rows:    rows,
		table:   table,
		columns: columns,
		keyring: keyring,
		changed: make(chan struct{}),
	}
	if hub != nil {
		c.sub = hub.Subscribe(loc, true, notify.ObserverFunc(c.invalidate))
	}
	return c
}

// Next advances to the next row. It returns false at the end of the result
// or on error; check Err afterwards.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.current = nil
		return false
	}

	raw := make([]any, len(c.columns))
	dest := make([]any, len(c.columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := c.rows.Scan(dest...); err != nil {
		c.err = fmt.Errorf("read %s: scan row: %w", c.table, err)
		c.current = nil
		return false
	}

	row := make(map[string]any, len(c.columns))
	for i, column := range c.columns {
		value := raw[i]
		if column.Sealed {
			opened, err := c.open(column, value)
			if err != nil {
				c.err = err
				c.current = nil
				return false
			}
			value = opened
		}
		row[column.Name] = value
	}
	c.current = row
	return true
}

// Row returns the current row keyed by column name. The map is owned by the
// caller.
func (c *Cursor) Row() map[string]any {
	return c.current
}

func (c *Cursor) Columns() []string {
	names := make([]string, len(c.columns))
	for i, column := range c.columns {
		names[i] = column.Name
	}
	return names
}

func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return nil
	}
	return c.rows.Err()
}

// Close releases the result set and the change subscription.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.current = nil
	c.sub.Cancel()
	return c.rows.Close()
}

// Changed is closed when the watched locator is first notified.
func (c *Cursor) Changed() <-chan struct{} {
	return c.changed
}

func (c *Cursor) Stale() bool {
	return c.stale.Load()
}

// All drains the cursor and closes it.
func (c *Cursor) All() ([]map[string]any, error) {
	defer func() { _ = c.Close() }()
	if c.closed {
		return nil, errCursorClosed
	}
	out := []map[string]any{}
	for c.Next() {
		out = append(out, c.Row())
	}
	return out, c.Err()
}

func (c *Cursor) invalidate(context.Context, notify.Change) {
	c.once.Do(func() {
		c.stale.Store(true)
		close(c.changed)
	})
}

func (c *Cursor) open(column schema.Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	sealed, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("read %s.%s: sealed value has type %T", c.table, column.Name, value)
	}
	plaintext, err := c.keyring.OpenColumn(c.table, column.Name, sealed)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.table, err)
	}
	if column.Type == schema.TypeText {
		return string(plaintext), nil
	}
	return plaintext, nil
}
