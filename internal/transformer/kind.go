package transformer

import (
	"encoding/json"
	"strings"

	"planneretl/internal/records"
)

// Kind is the inferred value class of a column.
type Kind int

const (
	KindText Kind = iota
	KindFloat
	KindInt
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindMap:
		return "map"
	default:
		return "text"
	}
}

// Column is a named, classified column of the flattened table.
type Column struct {
	Name string
	Kind Kind
}

// InferColumns classifies each of cols by scanning every row.
func InferColumns(cols []string, rows []records.Record) []Column {
	out := make([]Column, len(cols))
	for i, c := range cols {
		vals := make([]any, len(rows))
		for j, r := range rows {
			vals[j] = r.Value(c)
		}
		out[i] = Column{Name: c, Kind: InferKind(vals)}
	}
	return out
}

// InferKind applies data-frame dtype rules to a column's values:
// any object makes it a map column; integers with nulls widen to float;
// booleans without nulls count as integers; anything mixed is text.
func InferKind(vals []any) Kind {
	var nulls, bools, ints, floats, other int
	for _, v := range vals {
		switch x := v.(type) {
		case nil:
			nulls++
		case records.Record, map[string]any:
			return KindMap
		case bool:
			bools++
		case json.Number:
			if isIntegral(x) {
				ints++
			} else {
				floats++
			}
		case int, int32, int64:
			ints++
		case float32, float64:
			floats++
		default:
			other++
		}
	}
	numbers := ints + floats
	switch {
	case other > 0:
		return KindText
	case bools > 0 && numbers == 0 && nulls == 0:
		return KindInt
	case bools > 0:
		return KindText
	case numbers == 0:
		return KindText
	case floats > 0 || nulls > 0:
		return KindFloat
	default:
		return KindInt
	}
}

// isIntegral reports whether n is a whole number that fits in an int64.
// Larger whole numbers are classed as floats.
func isIntegral(n json.Number) bool {
	if strings.ContainsAny(n.String(), ".eE") {
		return false
	}
	_, err := n.Int64()
	return err == nil
}

// Truthy reports whether v counts as set in a Planner flag map.
// Nulls, false, zero, and empty strings, maps or lists are not.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case records.Record:
		return x.Len() > 0
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}
