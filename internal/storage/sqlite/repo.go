package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"planneretl/internal/storage"
)

// Kind is the registry key of this backend.
const Kind = "sqlite"

// maxParams is below SQLite's default SQLITE_MAX_VARIABLE_NUMBER (32766).
const maxParams = 30000

// typeMap is the semantic-type mapping for SQLite. Bounded types keep their
// declared length for readability; SQLite itself does not enforce it.
var typeMap = storage.TypeMap{
	storage.TypeKey:   "VARCHAR(255)",
	storage.TypeLabel: "VARCHAR(255)",
	storage.TypeName:  "VARCHAR(255)",
	storage.TypeText:  "TEXT",
	storage.TypeFloat: "REAL",
	storage.TypeInt:   "INTEGER",
}

func init() {
	storage.Register(Kind, New)
}

// Repo implements storage.Repository for SQLite (modernc.org/sqlite, no cgo).
type Repo struct {
	db *sql.DB
	ex execer
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New opens cfg.DSN, which is a file path or a "file:" URI.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: empty DSN")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and the loader is sequential anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Repo{db: db, ex: db}, nil
}

// DB exposes the pool for read-back in tests and tooling.
func (r *Repo) DB() *sql.DB { return r.db }

// Close releases the pool. It is a no-op on a transaction-bound Repo.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// Kind implements storage.Repository.
func (r *Repo) Kind() string { return Kind }

// CreateTable issues a plain CREATE TABLE (no IF NOT EXISTS).
func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	q, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.ex.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", t.Name, err)
	}
	return nil
}

// AddColumn issues ALTER TABLE ... ADD COLUMN.
func (r *Repo) AddColumn(ctx context.Context, table string, c storage.ColumnSpec) error {
	def, err := columnDef(c)
	if err != nil {
		return err
	}
	if _, err := r.ex.ExecContext(ctx, "ALTER TABLE "+sqlIdent(table)+" ADD COLUMN "+def); err != nil {
		return fmt.Errorf("sqlite: add column %s.%s: %w", table, c.Name, err)
	}
	return nil
}

// DropTable issues DROP TABLE.
func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.ex.ExecContext(ctx, "DROP TABLE "+sqlIdent(table)); err != nil {
		return fmt.Errorf("sqlite: drop table %s: %w", table, err)
	}
	return nil
}

// InsertRows inserts rows with multi-row INSERT ... VALUES statements.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: InsertRows: table and columns are required")
	}

	var total int64
	for _, part := range storage.ChunkRows(rows, len(columns), maxParams) {
		q, args, err := buildInsertSQL(table, columns, part)
		if err != nil {
			return total, err
		}
		res, err := r.ex.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("sqlite: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// UpdateFromLookup uses a correlated subquery, restricted to rows that have a
// match so unmatched rows keep their current value like an inner join update.
func (r *Repo) UpdateFromLookup(ctx context.Context, u storage.LookupUpdate) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}
	res, err := r.ex.ExecContext(ctx, buildUpdateFromLookupSQL(u))
	if err != nil {
		return 0, fmt.Errorf("sqlite: update %s from %s: %w", u.Target, u.Source, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InTx runs fn in one transaction.
func (r *Repo) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Repository) error) (err error) {
	if r.db == nil {
		return fn(ctx, r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("sqlite: rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(ctx, &Repo{ex: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		d, err := columnDef(c)
		if err != nil {
			return "", fmt.Errorf("sqlite: table %s: %w", t.Name, err)
		}
		defs = append(defs, d)
	}
	return "CREATE TABLE " + sqlIdent(t.Name) + " (\n  " + strings.Join(defs, ",\n  ") + "\n)", nil
}

func columnDef(c storage.ColumnSpec) (string, error) {
	typ, err := typeMap.SQL(c.Type)
	if err != nil {
		return "", err
	}
	d := sqlIdent(c.Name) + " " + typ
	if c.PrimaryKey {
		d += " PRIMARY KEY"
	}
	return d, nil
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	idents := make([]string, len(columns))
	for i, c := range columns {
		idents[i] = sqlIdent(c)
	}
	tuple := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(idents, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("sqlite: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		args = append(args, row...)
	}
	return b.String(), args, nil
}

func buildUpdateFromLookupSQL(u storage.LookupUpdate) string {
	target := sqlIdent(u.Target)
	match := fmt.Sprintf("FROM %s AS src WHERE src.%s = %s.%s",
		sqlIdent(u.Source), sqlIdent(u.SourceKey), target, sqlIdent(u.TargetKey))
	return fmt.Sprintf(
		"UPDATE %s SET %s = (SELECT src.%s %s) WHERE EXISTS (SELECT 1 %s)",
		target, sqlIdent(u.SetColumn), sqlIdent(u.SourceColumn), match, match,
	)
}

// sqlIdent double-quotes an identifier.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
