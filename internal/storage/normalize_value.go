package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"planneretl/internal/records"
)

// NormalizeValue converts a decoded JSON value into a driver value suitable
// for a column of semantic type t.
//
// nil stays nil. Objects and arrays become JSON text. Booleans bound for
// integer columns become 0/1. json.Number is parsed per the column type.
func NormalizeValue(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch x := v.(type) {
	case records.Record, map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("storage: encode nested value: %w", err)
		}
		return string(b), nil
	}

	switch t {
	case TypeInt:
		return toInt64(v)
	case TypeFloat:
		return toFloat64(v)
	default:
		return toText(v), nil
	}
}

func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("storage: %q is not a number", x.String())
		}
		return floatToInt64(f)
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return floatToInt64(x)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("storage: %q is not an integer", x)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("storage: cannot store %T as integer", v)
	}
}

// floatToInt64 truncates f, rejecting values an int64 cannot hold.
func floatToInt64(f float64) (any, error) {
	if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, fmt.Errorf("storage: %v is out of integer range", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("storage: %q is not a number", x.String())
		}
		return f, nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return float64(1), nil
		}
		return float64(0), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("storage: %q is not a float", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("storage: cannot store %T as float", v)
	}
}

func toText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(v)
	}
}
