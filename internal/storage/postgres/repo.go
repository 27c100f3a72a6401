package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"planneretl/internal/storage"
)

// Kind is the registry key of this backend.
const Kind = "postgres"

// maxParams stays under the protocol limit of 65535 bind parameters.
const maxParams = 65000

var typeMap = storage.TypeMap{
	storage.TypeKey:   "VARCHAR(255)",
	storage.TypeLabel: "VARCHAR(255)",
	storage.TypeName:  "VARCHAR(255)",
	storage.TypeText:  "TEXT",
	storage.TypeFloat: "DOUBLE PRECISION",
	storage.TypeInt:   "BIGINT",
}

func init() {
	storage.Register(Kind, New)
}

// execer is the part of *pgxpool.Pool and pgx.Tx the repository uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

/*
Repo implements storage.Repository for Postgres on a pgx pool.

Identifiers are double-quoted so the mixed-case names coming from Graph
(bucketId, Planner_data_raw) survive unfolded.
*/
type Repo struct {
	pool *pgxpool.Pool
	ex   execer
	tx   pgx.Tx
}

// New creates the pool and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool, ex: pool}, nil
}

// Close closes the pool. It is a no-op on a transaction-bound Repo.
func (r *Repo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Kind implements storage.Repository.
func (r *Repo) Kind() string { return Kind }

// CreateTable issues a plain CREATE TABLE.
func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	q, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.ex.Exec(ctx, q); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
	}
	return nil
}

// AddColumn issues ALTER TABLE ... ADD COLUMN.
func (r *Repo) AddColumn(ctx context.Context, table string, c storage.ColumnSpec) error {
	def, err := columnDef(c)
	if err != nil {
		return err
	}
	if _, err := r.ex.Exec(ctx, "ALTER TABLE "+pgTableIdent(table)+" ADD COLUMN "+def); err != nil {
		return fmt.Errorf("postgres: add column %s.%s: %w", table, c.Name, err)
	}
	return nil
}

// DropTable issues DROP TABLE.
func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.ex.Exec(ctx, "DROP TABLE "+pgTableIdent(table)); err != nil {
		return fmt.Errorf("postgres: drop table %s: %w", table, err)
	}
	return nil
}

// InsertRows inserts rows with multi-row INSERT ... VALUES statements.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("postgres: InsertRows: table and columns are required")
	}

	var total int64
	for _, part := range storage.ChunkRows(rows, len(columns), maxParams) {
		q, args, err := buildInsertSQL(table, columns, part)
		if err != nil {
			return total, err
		}
		tag, err := r.ex.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("postgres: insert into %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// UpdateFromLookup uses Postgres' UPDATE ... FROM form.
func (r *Repo) UpdateFromLookup(ctx context.Context, u storage.LookupUpdate) (int64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}
	tag, err := r.ex.Exec(ctx, buildUpdateFromLookupSQL(u))
	if err != nil {
		return 0, fmt.Errorf("postgres: update %s from %s: %w", u.Target, u.Source, err)
	}
	return tag.RowsAffected(), nil
}

// InTx runs fn in one transaction. Postgres DDL is transactional, so a failed
// load leaves no tables behind.
func (r *Repo) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Repository) error) (err error) {
	if r.tx != nil || r.pool == nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(ctx, &Repo{ex: tx, tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
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
			return "", fmt.Errorf("postgres: table %s: %w", t.Name, err)
		}
		defs = append(defs, d)
	}
	return "CREATE TABLE " + pgTableIdent(t.Name) + " (\n  " + strings.Join(defs, ",\n  ") + "\n)", nil
}

func columnDef(c storage.ColumnSpec) (string, error) {
	typ, err := typeMap.SQL(c.Type)
	if err != nil {
		return "", err
	}
	d := pgIdent(c.Name) + " " + typ
	if c.PrimaryKey {
		d += " PRIMARY KEY"
	}
	return d, nil
}

// buildInsertSQL builds one INSERT statement with $N placeholders numbered
// across all rows.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	argN := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("postgres: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", argN)
			args = append(args, row[j])
			argN++
		}
		b.WriteString(")")
	}
	return b.String(), args, nil
}

func buildUpdateFromLookupSQL(u storage.LookupUpdate) string {
	return fmt.Sprintf(
		"UPDATE %s AS dst SET %s = src.%s FROM %s AS src WHERE dst.%s = src.%s",
		pgTableIdent(u.Target), pgIdent(u.SetColumn), pgIdent(u.SourceColumn),
		pgTableIdent(u.Source), pgIdent(u.TargetKey), pgIdent(u.SourceKey),
	)
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes each part of an optionally schema-qualified name.
func pgTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = pgIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
