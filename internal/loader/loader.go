// Package loader writes a transformed Planner dataset into SQL tables.
//
// Statement order is fixed: Buckets, the join tables, Planner_data_raw, then
// the category enrichment through a staging table. Tables are created without
// existence checks, so loading into a database that already holds them fails
// with the backend's error.
package loader

import (
	"context"
	"fmt"
	"strings"

	"planneretl/internal/metrics"
	"planneretl/internal/planner"
	"planneretl/internal/storage"
	"planneretl/internal/transformer"
)

// Table names.
const (
	BucketsTable      = "Buckets"
	MainTable         = "Planner_data_raw"
	TempCategoryTable = "TempCategoryTable"
	CategoriesTable   = transformer.CategoriesColumn
)

// Join and lookup column names.
const (
	joinIDColumn       = "id"
	joinKeyColumn      = "category"
	categoryNameColumn = "category_name"
)

// columnTypes maps inferred kinds to semantic storage types for the main table.
var columnTypes = map[transformer.Kind]storage.Type{
	transformer.KindText:  storage.TypeText,
	transformer.KindFloat: storage.TypeFloat,
	transformer.KindInt:   storage.TypeInt,
	transformer.KindMap:   storage.TypeText,
}

// Options controls a load.
type Options struct {
	// Atomic runs the whole load in one transaction. When false every
	// statement commits on its own and a failure leaves earlier tables behind.
	Atomic bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options { return Options{Atomic: true} }

// Summary reports rows written per table, in load order.
type Summary struct {
	Tables []string
	Rows   map[string]int64
}

func (s *Summary) add(table string, n int64) {
	if s.Rows == nil {
		s.Rows = make(map[string]int64)
	}
	if _, ok := s.Rows[table]; !ok {
		s.Tables = append(s.Tables, table)
	}
	s.Rows[table] += n
}

// String renders "table=n" pairs in load order.
func (s Summary) String() string {
	parts := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		parts = append(parts, fmt.Sprintf("%s=%d", t, s.Rows[t]))
	}
	return strings.Join(parts, " ")
}

// Loader writes datasets through a Repository.
type Loader struct {
	repo storage.Repository
	opts Options
}

// New returns a Loader over repo. The caller keeps ownership of repo.
func New(repo storage.Repository, opts Options) *Loader {
	return &Loader{repo: repo, opts: opts}
}

// Load writes ds and enriches the Categories table with categories.
func (l *Loader) Load(ctx context.Context, ds *transformer.Dataset, categories []planner.CategoryName) (Summary, error) {
	if ds == nil {
		return Summary{}, fmt.Errorf("loader: nil dataset")
	}

	var sum Summary
	run := func(ctx context.Context, repo storage.Repository) error {
		sum = Summary{}
		if err := loadBuckets(ctx, repo, ds, &sum); err != nil {
			return err
		}
		if err := loadJoinTables(ctx, repo, ds, &sum); err != nil {
			return err
		}
		if err := loadMain(ctx, repo, ds, &sum); err != nil {
			return err
		}
		return enrichCategories(ctx, repo, categories)
	}

	var err error
	if l.opts.Atomic {
		err = l.repo.InTx(ctx, run)
	} else {
		err = run(ctx, l.repo)
	}
	if err != nil {
		return Summary{}, err
	}

	for _, t := range sum.Tables {
		metrics.RecordRows(t, sum.Rows[t])
	}
	return sum, nil
}

func loadBuckets(ctx context.Context, repo storage.Repository, ds *transformer.Dataset, sum *Summary) error {
	spec := storage.TableSpec{Name: BucketsTable, Columns: []storage.ColumnSpec{
		{Name: transformer.BucketIDColumn, Type: storage.TypeKey, PrimaryKey: true},
		{Name: transformer.BucketNameColumn, Type: storage.TypeText},
	}}
	rows := make([][]any, len(ds.Buckets))
	for i, b := range ds.Buckets {
		rows[i] = []any{b.ID, b.Name}
	}
	return createAndInsert(ctx, repo, spec, rows, sum)
}

// loadJoinTables writes one (id, category) table per map column. Categories is
// created even when no task carries a category so the enrichment has a target.
func loadJoinTables(ctx context.Context, repo storage.Repository, ds *transformer.Dataset, sum *Summary) error {
	cols := ds.JoinColumns()
	hasCategories := false
	for _, c := range cols {
		if c == CategoriesTable {
			hasCategories = true
		}
	}
	if !hasCategories {
		cols = append(cols, CategoriesTable)
	}

	for _, c := range cols {
		spec := storage.TableSpec{Name: c, Columns: []storage.ColumnSpec{
			{Name: joinIDColumn, Type: storage.TypeKey},
			{Name: joinKeyColumn, Type: storage.TypeLabel},
		}}
		if err := createAndInsert(ctx, repo, spec, ds.JoinRows(c), sum); err != nil {
			return err
		}
	}
	return nil
}

func loadMain(ctx context.Context, repo storage.Repository, ds *transformer.Dataset, sum *Summary) error {
	spec := storage.TableSpec{Name: MainTable}
	for _, c := range ds.Columns {
		if c.Name == CategoriesTable {
			continue
		}
		t, ok := columnTypes[c.Kind]
		if !ok {
			return fmt.Errorf("loader: column %s: no storage type for kind %v", c.Name, c.Kind)
		}
		spec.Columns = append(spec.Columns, storage.ColumnSpec{Name: c.Name, Type: t})
	}

	rows := make([][]any, len(ds.Rows))
	for i, r := range ds.Rows {
		row := make([]any, len(spec.Columns))
		for j, c := range spec.Columns {
			v, err := storage.NormalizeValue(r.Value(c.Name), c.Type)
			if err != nil {
				return fmt.Errorf("loader: task %v column %s: %w", r.Value(transformer.IDColumn), c.Name, err)
			}
			row[j] = v
		}
		rows[i] = row
	}
	return createAndInsert(ctx, repo, spec, rows, sum)
}

// enrichCategories adds category_name to Categories via a staging table.
func enrichCategories(ctx context.Context, repo storage.Repository, categories []planner.CategoryName) error {
	temp := storage.TableSpec{Name: TempCategoryTable, Columns: []storage.ColumnSpec{
		{Name: joinKeyColumn, Type: storage.TypeName},
		{Name: categoryNameColumn, Type: storage.TypeName},
	}}
	if err := repo.CreateTable(ctx, temp); err != nil {
		return fmt.Errorf("loader: %w", err)
	}

	rows := make([][]any, len(categories))
	for i, c := range categories {
		var name any
		if c.Name != nil {
			name = *c.Name
		}
		rows[i] = []any{c.ID, name}
	}
	if _, err := repo.InsertRows(ctx, TempCategoryTable, temp.ColumnNames(), rows); err != nil {
		return fmt.Errorf("loader: %w", err)
	}

	if err := repo.AddColumn(ctx, CategoriesTable, storage.ColumnSpec{Name: categoryNameColumn, Type: storage.TypeName}); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	if _, err := repo.UpdateFromLookup(ctx, storage.LookupUpdate{
		Target:       CategoriesTable,
		TargetKey:    joinKeyColumn,
		SetColumn:    categoryNameColumn,
		Source:       TempCategoryTable,
		SourceKey:    joinKeyColumn,
		SourceColumn: categoryNameColumn,
	}); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	if err := repo.DropTable(ctx, TempCategoryTable); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	return nil
}

func createAndInsert(ctx context.Context, repo storage.Repository, spec storage.TableSpec, rows [][]any, sum *Summary) error {
	if err := repo.CreateTable(ctx, spec); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	n, err := repo.InsertRows(ctx, spec.Name, spec.ColumnNames(), rows)
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	sum.add(spec.Name, n)
	return nil
}
