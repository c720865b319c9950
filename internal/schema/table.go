package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/amanthanvi/strongbox/internal/locator"
)

var ErrInvalidTable = errors.New("schema: invalid table")

// Descriptor is what the store and the dispatcher need from a table.
type Descriptor interface {
	Name() string
	Columns() []Column
	CreateScript() string
	DropScript() string
	Match(loc locator.Locator) (Match, bool)
}

// Match is the result of resolving a locator. RowID is zero for whole-table
// matches; row ids are always positive.
type Match struct {
	Table string
	RowID int64
}

func (m Match) IsRow() bool {
	return m.RowID > 0
}

type Table struct {
	name         string
	columns      []Column
	createScript string
}

// NewTable validates the column set and renders the create script. When no
// column named _id is declared one is prepended as
// INTEGER PRIMARY KEY AUTOINCREMENT.
func NewTable(name string, columns ...Column) (*Table, error) {
	if !isIdentifier(name) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrInvalidTable, name)
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") || strings.HasPrefix(name, "store_") {
		return nil, fmt.Errorf("%w: table name %q is reserved", ErrInvalidTable, name)
	}

	hasID := false
	seen := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		if err := column.validate(); err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		key := strings.ToLower(column.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: table %s declares column %q twice", ErrInvalidTable, name, column.Name)
		}
		seen[key] = struct{}{}
		if strings.EqualFold(column.Name, IDColumn) {
			hasID = true
		}
	}

	out := make([]Column, 0, len(columns)+1)
	if !hasID {
		out = append(out, NewColumn(IDColumn, TypeInteger, "PRIMARY KEY AUTOINCREMENT"))
	}
	out = append(out, columns...)

	defs := make([]string, 0, len(out))
	for _, column := range out {
		defs = append(defs, column.Definition())
	}

	return &Table{
		name:         name,
		columns:      out,
		createScript: "CREATE TABLE " + name + " (" + strings.Join(defs, ", ") + ")",
	}, nil
}

// MustTable is NewTable for statically declared tables.
func MustTable(name string, columns ...Column) *Table {
	t, err := NewTable(name, columns...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Name() string { return t.name }

func (t *Table) Columns() []Column {
	return append([]Column(nil), t.columns...)
}

func (t *Table) Column(name string) (Column, bool) {
	for _, column := range t.columns {
		if column.Name == name {
			return column, true
		}
	}
	return Column{}, false
}

func (t *Table) CreateScript() string { return t.createScript }

func (t *Table) DropScript() string {
	return "DROP TABLE IF EXISTS " + t.name
}

// Match tests the path only; authority checks belong to the Registry.
func (t *Table) Match(loc locator.Locator) (Match, bool) {
	segments := loc.Segments()
	if len(segments) == 0 || len(segments) > 2 || segments[0] != t.name {
		return Match{}, false
	}
	if len(segments) == 1 {
		return Match{Table: t.name}, true
	}
	id, err := strconv.ParseInt(segments[1], 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != segments[1] {
		return Match{}, false
	}
	return Match{Table: t.name, RowID: id}, true
}
