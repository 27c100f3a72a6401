package storage

import "fmt"

// Type is a semantic column type. Backends map it to SQL through a TypeMap.
type Type string

const (
	// TypeKey is a bounded identifier (task, bucket ids).
	TypeKey Type = "key"
	// TypeLabel is a bounded label such as a join-table category key.
	TypeLabel Type = "label"
	// TypeName is a bounded display name.
	TypeName Type = "name"
	// TypeText is an unbounded string; nested values are stored as JSON text.
	TypeText Type = "text"
	// TypeFloat is a 64-bit float.
	TypeFloat Type = "float"
	// TypeInt is an integer.
	TypeInt Type = "int"
)

// TypeMap maps semantic types to a backend's SQL types.
type TypeMap map[Type]string

// SQL returns the SQL type for t.
func (m TypeMap) SQL(t Type) (string, error) {
	s, ok := m[t]
	if !ok || s == "" {
		return "", fmt.Errorf("storage: no SQL type for %q", t)
	}
	return s, nil
}

// TableSpec describes a table to create.
type TableSpec struct {
	Name    string
	Columns []ColumnSpec
}

// ColumnSpec describes one column.
type ColumnSpec struct {
	Name       string
	Type       Type
	PrimaryKey bool
}

// ColumnNames returns the column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Validate rejects empty names and duplicate columns.
func (t TableSpec) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s has no columns", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("storage: table %s has an unnamed column", t.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("storage: table %s has duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}
