package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type fileSchema struct {
	Tables []fileTable `yaml:"tables"`
}

type fileTable struct {
	Name    string       `yaml:"name"`
	Columns []fileColumn `yaml:"columns"`
}

type fileColumn struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Extra  string `yaml:"extra,omitempty"`
	Sealed bool   `yaml:"sealed,omitempty"`
}

// LoadFile reads table declarations from a YAML file of the form
//
//	tables:
//	  - name: notes
//	    columns:
//	      - {name: text, type: TEXT}
//	      - {name: body, type: TEXT, sealed: true}
func LoadFile(path string) ([]*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	tables, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return tables, nil
}

func Parse(data []byte) ([]*Table, error) {
	var raw fileSchema
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse YAML: %v", ErrInvalidTable, err)
	}
	if len(raw.Tables) == 0 {
		return nil, fmt.Errorf("%w: no tables declared", ErrInvalidTable)
	}

	names := make(map[string]struct{}, len(raw.Tables))
	out := make([]*Table, 0, len(raw.Tables))
	for _, ft := range raw.Tables {
		if _, dup := names[ft.Name]; dup {
			return nil, fmt.Errorf("%w: table %q declared twice", ErrInvalidTable, ft.Name)
		}
		names[ft.Name] = struct{}{}

		columns := make([]Column, 0, len(ft.Columns))
		for _, fc := range ft.Columns {
			typ, err := ParseDataType(fc.Type)
			if err != nil {
				return nil, fmt.Errorf("table %s column %s: %w", ft.Name, fc.Name, err)
			}
			columns = append(columns, Column{Name: fc.Name, Type: typ, Extra: fc.Extra, Sealed: fc.Sealed})
		}
		table, err := NewTable(ft.Name, columns...)
		if err != nil {
			return nil, err
		}
		out = append(out, table)
	}
	return out, nil
}
