// Package transformer flattens Planner task records into one table.
//
// The output Dataset is the schema and the rows the loader persists: column
// order, per-column kinds (decided by scanning every row), the distinct bucket
// rows, and the join-table candidates.
package transformer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"planneretl/internal/records"
)

// Column names produced or consumed by Transform.
const (
	IDColumn         = "id"
	BucketIDColumn   = "bucketId"
	BucketNameColumn = "bucket_name"
	CreatedByColumn  = "createdBy"

	CreatedByUserColumn        = "created_by_user"
	CreatedByApplicationColumn = "created_by_application"

	CreatedByUserDisplayName        = "created_by_user_displayname"
	CreatedByUserID                 = "created_by_user_id"
	CreatedByApplicationDisplayName = "created_by_application_displayname"
	CreatedByApplicationID          = "created_by_application_id"

	CategoriesColumn  = "Categories"
	AssignmentsColumn = "Assignments"
)

// renames applies after sanitizing.
var renames = map[string]string{
	"appliedCategories": CategoriesColumn,
	"assignments":       AssignmentsColumn,
}

var (
	ErrMissingID   = errors.New("transformer: task without id")
	ErrDuplicateID = errors.New("transformer: duplicate task id")
)

// BucketRow is one distinct (bucketId, bucket_name) pair. Name is nil when the
// bucket id was not in the bucket mapping.
type BucketRow struct {
	ID   string
	Name any
}

// Dataset is the flattened task table.
type Dataset struct {
	// Columns in table order; bucket_name is not among them.
	Columns []Column
	Rows    []records.Record
	Buckets []BucketRow
}

// Transform flattens tasks and attaches bucket names from buckets.
//
// The input records are not modified.
func Transform(tasks []records.Record, buckets map[string]string) (*Dataset, error) {
	rows := make([]records.Record, len(tasks))
	for i, t := range tasks {
		rows[i] = t.Clone()
	}
	cols := unionColumns(rows)

	if err := checkIDs(rows); err != nil {
		return nil, err
	}

	// id first.
	cols = moveToFront(cols, IDColumn)
	for i := range rows {
		rows[i].MoveToFront(IDColumn)
	}

	// bucket name lookup, null-safe.
	cols = append(cols, BucketNameColumn)
	for i := range rows {
		var name any
		if id, ok := rows[i].Value(BucketIDColumn).(string); ok {
			if n, found := buckets[id]; found {
				name = n
			}
		}
		rows[i].Set(BucketNameColumn, name)
	}

	// sanitize names.
	var err error
	cols, err = sanitizeColumns(cols, rows)
	if err != nil {
		return nil, err
	}

	// createdBy -> four scalar columns.
	cols = removeColumn(cols, CreatedByColumn)
	cols = append(cols, CreatedByUserDisplayName, CreatedByUserID, CreatedByApplicationDisplayName, CreatedByApplicationID)
	for i := range rows {
		decomposeCreatedBy(&rows[i])
	}

	// friendly names for the join tables.
	for i, c := range cols {
		if to, ok := renames[c]; ok {
			cols[i] = to
			for j := range rows {
				rows[j].Rename(c, to)
			}
		}
	}

	// distinct buckets, then bucket_name leaves the table.
	bucketRows := distinctBuckets(rows)
	cols = removeColumn(cols, BucketNameColumn)
	for i := range rows {
		rows[i].Delete(BucketNameColumn)
	}

	// kinds, from every row.
	return &Dataset{
		Columns: InferColumns(cols, rows),
		Rows:    rows,
		Buckets: bucketRows,
	}, nil
}

// SanitizeColumnName replaces "." and "-" with "_" and removes "@".
func SanitizeColumnName(name string) string {
	return columnSanitizer.Replace(name)
}

var columnSanitizer = strings.NewReplacer(".", "_", "@", "", "-", "_")

func sanitizeColumns(cols []string, rows []records.Record) ([]string, error) {
	out := make([]string, len(cols))
	seen := make(map[string]string, len(cols))
	for i, c := range cols {
		s := SanitizeColumnName(c)
		if prev, dup := seen[s]; dup {
			return nil, fmt.Errorf("transformer: columns %q and %q both sanitize to %q", prev, c, s)
		}
		seen[s] = c
		out[i] = s
		if s != c {
			for j := range rows {
				rows[j].Rename(c, s)
			}
		}
	}
	return out, nil
}

func decomposeCreatedBy(r *records.Record) {
	createdBy, _ := asObject(r.Value(CreatedByColumn))
	user, _ := asObject(createdBy.Value("user"))
	app, _ := asObject(createdBy.Value("application"))

	r.Delete(CreatedByColumn)
	r.Set(CreatedByUserDisplayName, user.Value("displayName"))
	r.Set(CreatedByUserID, user.Value("id"))
	r.Set(CreatedByApplicationDisplayName, app.Value("displayName"))
	r.Set(CreatedByApplicationID, app.Value("id"))
}

func distinctBuckets(rows []records.Record) []BucketRow {
	type pair struct {
		id   string
		name any
	}
	seen := make(map[pair]struct{})
	var out []BucketRow
	for _, r := range rows {
		// A missing or null bucketId has no row; Buckets keys on it.
		id, ok := r.Value(BucketIDColumn).(string)
		if !ok {
			continue
		}
		p := pair{id: id, name: r.Value(BucketNameColumn)}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, BucketRow{ID: id, Name: p.name})
	}
	return out
}

func checkIDs(rows []records.Record) error {
	seen := make(map[string]struct{}, len(rows))
	for i, r := range rows {
		id, ok := r.Value(IDColumn).(string)
		if !ok || id == "" {
			return fmt.Errorf("%w (task #%d)", ErrMissingID, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// unionColumns lists keys in order of first appearance across rows.
func unionColumns(rows []records.Record) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range rows {
		for _, k := range r.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	return cols
}

func moveToFront(cols []string, name string) []string {
	out := make([]string, 0, len(cols))
	out = append(out, name)
	for _, c := range cols {
		if c != name {
			out = append(out, c)
		}
	}
	return out
}

func removeColumn(cols []string, name string) []string {
	out := cols[:0]
	for _, c := range cols {
		if c != name {
			out = append(out, c)
		}
	}
	return out
}

// Column returns the named column.
func (d *Dataset) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in table order.
func (d *Dataset) ColumnNames() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Name
	}
	return out
}

// DictColumns returns id plus every map-valued column, in table order.
func (d *Dataset) DictColumns() []string {
	var out []string
	for _, c := range d.Columns {
		if c.Name == IDColumn || c.Kind == KindMap {
			out = append(out, c.Name)
		}
	}
	return out
}

// JoinColumns returns the dict columns that become join tables.
func (d *Dataset) JoinColumns() []string {
	var out []string
	for _, c := range d.DictColumns() {
		switch c {
		case IDColumn, CreatedByUserColumn, CreatedByApplicationColumn:
			continue
		}
		out = append(out, c)
	}
	return out
}

// JoinRows returns (task id, key) pairs for every truthy key of column,
// in the order the keys appear in each task.
func (d *Dataset) JoinRows(column string) [][]any {
	var out [][]any
	for _, r := range d.Rows {
		m, ok := asObject(r.Value(column))
		if !ok {
			continue
		}
		id := r.Value(IDColumn)
		for _, k := range m.Keys() {
			if Truthy(m.Value(k)) {
				out = append(out, []any{id, k})
			}
		}
	}
	return out
}

// asObject returns v as a Record. Plain maps have no order of their own and
// come back with sorted keys.
func asObject(v any) (records.Record, bool) {
	switch x := v.(type) {
	case records.Record:
		return x, true
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var r records.Record
		for _, k := range keys {
			r.Set(k, x[k])
		}
		return r, true
	default:
		return records.Record{}, false
	}
}
