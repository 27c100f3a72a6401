// Package storage holds the dialect-neutral Repository and the registry of
// SQL backends behind it.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Kind must match a registered backend ("mssql", "postgres", "sqlite").
// DSN is passed through to the backend; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic set of statements the loader issues.
//
// Each backend expresses them in its own dialect (identifier quoting,
// placeholders, the UPDATE ... FROM form). None of the methods check for
// existing objects: CreateTable on an existing table returns the backend's
// error unchanged (wrapped).
type Repository interface {
	// Close releases backend resources. Call it once.
	Close()

	// Kind reports the registered backend kind.
	Kind() string

	CreateTable(ctx context.Context, t TableSpec) error
	AddColumn(ctx context.Context, table string, c ColumnSpec) error
	DropTable(ctx context.Context, table string) error

	// InsertRows inserts rows (aligned with columns) and returns the count
	// written. Backends chunk statements to stay under parameter limits.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// UpdateFromLookup sets u.Target.u.SetColumn from u.Source.u.SourceColumn
	// where the key columns match.
	UpdateFromLookup(ctx context.Context, u LookupUpdate) (int64, error)

	// InTx runs fn against a transaction-bound Repository. The transaction
	// commits when fn returns nil and rolls back otherwise. Calling InTx on a
	// transaction-bound Repository runs fn in the same transaction.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}

// LookupUpdate describes "UPDATE Target SET SetColumn = Source.SourceColumn
// FROM Target JOIN Source ON Target.TargetKey = Source.SourceKey".
type LookupUpdate struct {
	Target       string
	TargetKey    string
	SetColumn    string
	Source       string
	SourceKey    string
	SourceColumn string
}

// Validate reports a missing field.
func (u LookupUpdate) Validate() error {
	if u.Target == "" || u.TargetKey == "" || u.SetColumn == "" ||
		u.Source == "" || u.SourceKey == "" || u.SourceColumn == "" {
		return fmt.Errorf("storage: incomplete lookup update %+v", u)
	}
	return nil
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under kind. Call it from a backend's init().
//
// Registering an empty kind, a nil factory, or the same kind twice panics.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a Repository using the registered backend for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ChunkRows splits rows so that each chunk binds at most maxParams parameters.
// Every chunk holds at least one row.
func ChunkRows(rows [][]any, columns int, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := maxParams / max(1, columns)
	if per < 1 {
		per = 1
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}
