package schema

import (
	"fmt"
	"strings"
)

// IDColumn is the primary key every table exposes for row addressing.
const IDColumn = "_id"

type DataType string

const (
	TypeInteger DataType = "INTEGER"
	TypeText    DataType = "TEXT"
	TypeReal    DataType = "REAL"
	TypeBlob    DataType = "BLOB"
	TypeNumeric DataType = "NUMERIC"
)

func ParseDataType(raw string) (DataType, error) {
	switch t := DataType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case TypeInteger, TypeText, TypeReal, TypeBlob, TypeNumeric:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown column type %q", ErrInvalidTable, raw)
	}
}

// Column describes one column. Extra is raw schema text appended after the
// type (constraints, defaults, autoincrement). Sealed columns are stored
// encrypted and are only valid for TEXT and BLOB.
type Column struct {
	Name   string
	Type   DataType
	Extra  string
	Sealed bool
}

func NewColumn(name string, typ DataType, extra string) Column {
	return Column{Name: name, Type: typ, Extra: extra}
}

// SealedColumn declares an encrypted TEXT or BLOB column.
func SealedColumn(name string, typ DataType) Column {
	return Column{Name: name, Type: typ, Sealed: true}
}

// Definition renders "<name> <TYPE>[ <extra>]". Sealed columns are always
// persisted as BLOB.
func (c Column) Definition() string {
	typ := c.Type
	if c.Sealed {
		typ = TypeBlob
	}
	def := c.Name + " " + string(typ)
	if extra := strings.TrimSpace(c.Extra); extra != "" {
		def += " " + extra
	}
	return def
}

func (c Column) validate() error {
	if !isIdentifier(c.Name) {
		return fmt.Errorf("%w: invalid column name %q", ErrInvalidTable, c.Name)
	}
	if _, err := ParseDataType(string(c.Type)); err != nil {
		return err
	}
	if c.Sealed && c.Type != TypeText && c.Type != TypeBlob {
		return fmt.Errorf("%w: sealed column %q must be TEXT or BLOB", ErrInvalidTable, c.Name)
	}
	if strings.EqualFold(c.Name, IDColumn) && (c.Type != TypeInteger || c.Sealed) {
		return fmt.Errorf("%w: %s must be a plain INTEGER column", ErrInvalidTable, IDColumn)
	}
	return nil
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
