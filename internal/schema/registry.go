package schema

import (
	"fmt"

	"github.com/amanthanvi/strongbox/internal/locator"
)

// Registry resolves locators against an ordered set of tables. Table names
// are expected to be unique; the first structural match wins.
type Registry struct {
	authority string
	tables    []Descriptor
}

func NewRegistry(authority string, tables ...Descriptor) *Registry {
	return &Registry{
		authority: authority,
		tables:    append([]Descriptor(nil), tables...),
	}
}

func (r *Registry) Authority() string { return r.authority }

func (r *Registry) Tables() []Descriptor {
	return append([]Descriptor(nil), r.tables...)
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	for _, table := range r.tables {
		if table.Name() == name {
			return table, true
		}
	}
	return nil, false
}

// TableLocator returns the whole-table locator for a registered table.
func (r *Registry) TableLocator(name string) (locator.Locator, error) {
	if _, ok := r.Lookup(name); !ok {
		return locator.Locator{}, fmt.Errorf("%w: unknown table %q", ErrInvalidTable, name)
	}
	return locator.New(r.authority, name), nil
}

// Resolve returns false when the locator belongs to another scheme or
// authority, names no registered table, or carries a malformed id.
func (r *Registry) Resolve(loc locator.Locator) (Match, bool) {
	if loc.Scheme() != locator.Scheme || loc.Authority() != r.authority {
		return Match{}, false
	}
	for _, table := range r.tables {
		if m, ok := table.Match(loc); ok {
			return m, true
		}
	}
	return Match{}, false
}
