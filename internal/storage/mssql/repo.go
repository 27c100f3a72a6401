package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"planneretl/internal/storage"
)

// Kind is the registry key of this backend.
const Kind = "mssql"

// maxParams stays under SQL Server's hard limit of 2100 parameters per request.
const maxParams = 2000

// typeMap is the semantic-type mapping for SQL Server.
var typeMap = storage.TypeMap{
	storage.TypeKey:   "NVARCHAR(255)",
	storage.TypeLabel: "VARCHAR(255)",
	storage.TypeName:  "NVARCHAR(255)",
	storage.TypeText:  "VARCHAR(MAX)",
	storage.TypeFloat: "FLOAT",
	storage.TypeInt:   "INT",
}

func init() {
	storage.Register(Kind, New)
}

// Repo implements storage.Repository for Microsoft SQL Server using
// database/sql and the "sqlserver" driver from go-mssqldb.
//
// A Repo either owns the pool (db != nil) or is bound to a transaction.
type Repo struct {
	db *sql.DB
	ex execer
}

// execer is the part of *sql.DB and *sql.Tx the repository uses.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New opens a pool for cfg.DSN and checks connectivity with PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	// The loader is strictly sequential.
	raw.SetMaxOpenConns(1)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Repo{db: raw, ex: raw}, nil
}

// Close releases the pool. It is a no-op on a transaction-bound Repo.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// Kind implements storage.Repository.
func (r *Repo) Kind() string { return Kind }

// CreateTable issues a plain CREATE TABLE. An existing table is an error.
func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	q, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.ex.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
	}
	return nil
}

// AddColumn issues ALTER TABLE ... ADD.
func (r *Repo) AddColumn(ctx context.Context, table string, c storage.ColumnSpec) error {
	def, err := columnDef(c)
	if err != nil {
		return err
	}
	q := "ALTER TABLE " + mssqlTableIdent(table) + " ADD " + def
	if _, err := r.ex.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: add column %s.%s: %w", table, c.Name, err)
	}
	return nil
}

// DropTable issues DROP TABLE.
func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.ex.ExecContext(ctx, "DROP TABLE "+mssqlTableIdent(table)); err != nil {
		return fmt.Errorf("mssql: drop table %s: %w", table, err)
	}
	return nil
}

// InsertRows inserts rows with multi-row INSERT ... VALUES statements.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("mssql: InsertRows: table and columns are required")
	}

	var total int64
	for _, part := range storage.ChunkRows(rows, len(columns), maxParams) {
		q, args, err := buildInsertSQL(table, columns, part)
		if err != nil {
			return total, err
		}
		res, err := r.ex.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// UpdateFromLookup uses SQL Server's UPDATE ... FROM ... INNER JOIN form.
func (r *Repo) UpdateFromLookup(ctx context.Context, u storage.LookupUpdate) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}
	res, err := r.ex.ExecContext(ctx, buildUpdateFromLookupSQL(u))
	if err != nil {
		return 0, fmt.Errorf("mssql: update %s from %s: %w", u.Target, u.Source, err)
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
		return fmt.Errorf("mssql: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("mssql: rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(ctx, &Repo{ex: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

// buildCreateTableSQL renders CREATE TABLE with inline PRIMARY KEY columns.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		d, err := columnDef(c)
		if err != nil {
			return "", fmt.Errorf("mssql: table %s: %w", t.Name, err)
		}
		defs = append(defs, d)
	}
	return "CREATE TABLE " + mssqlTableIdent(t.Name) + " (\n  " + strings.Join(defs, ",\n  ") + "\n)", nil
}

func columnDef(c storage.ColumnSpec) (string, error) {
	typ, err := typeMap.SQL(c.Type)
	if err != nil {
		return "", err
	}
	d := mssqlIdent(c.Name) + " " + typ
	if c.PrimaryKey {
		d += " PRIMARY KEY"
	}
	return d, nil
}

// buildInsertSQL builds one INSERT ... VALUES statement with @pN placeholders.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mssql: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args, nil
}

func buildUpdateFromLookupSQL(u storage.LookupUpdate) string {
	target := mssqlTableIdent(u.Target)
	return fmt.Sprintf(
		"UPDATE %s SET %s.%s = [src].%s FROM %s INNER JOIN %s AS [src] ON %s.%s = [src].%s",
		target, target, mssqlIdent(u.SetColumn), mssqlIdent(u.SourceColumn),
		target, mssqlTableIdent(u.Source),
		target, mssqlIdent(u.TargetKey), mssqlIdent(u.SourceKey),
	)
}

// mssqlIdent bracket-quotes an identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent bracket-quotes each part of a schema-qualified name.
//
//	"dbo.Buckets" -> [dbo].[Buckets]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
