package scenario

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/periods"
)

// Scalar converts a decoded YAML or JSON value to the Go type stored in
// arrays of v's kind. Enums are given by name or index, dates as ISO
// strings.
func Scalar(v *engine.Variable, raw any) (any, error) {
	switch v.ValueType {
	case array.KindBool:
		switch x := raw.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not a boolean", v.Name, x)
			}
			return b, nil
		}
		if f, ok := number(raw); ok {
			return f != 0, nil
		}
	case array.KindInt:
		if f, ok := number(raw); ok {
			return int64(f), nil
		}
	case array.KindFloat:
		if f, ok := number(raw); ok {
			return f, nil
		}
	case array.KindDate:
		switch x := raw.(type) {
		case periods.Instant:
			return x, nil
		case time.Time:
			return periods.FromTime(x), nil
		case string:
			i, err := periods.ParseInstant(x)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", v.Name, err)
			}
			return i, nil
		}
	case array.KindString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprint(raw), nil
	case array.KindEnum:
		if s, ok := raw.(string); ok {
			for i, name := range v.PossibleValues {
				if name == s {
					return i, nil
				}
			}
			return nil, fmt.Errorf("%s: %q is not one of %v", v.Name, s, v.PossibleValues)
		}
		if f, ok := number(raw); ok && f >= 0 && int(f) < len(v.PossibleValues) {
			return int(f), nil
		}
	}
	return nil, fmt.Errorf("%s: cannot use %v (%T) as %s", v.Name, raw, raw, v.ValueType)
}

func number(raw any) (float64, bool) {
	switch x := raw.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, !math.IsNaN(x)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Display converts element i of arr back to a value fit for YAML or JSON:
// enums by name, dates as ISO strings.
func Display(v *engine.Variable, arr array.Array, i int) any {
	x := array.At(arr, i)
	switch y := x.(type) {
	case periods.Instant:
		return y.String()
	case int:
		if v.ValueType == array.KindEnum && y >= 0 && y < len(v.PossibleValues) {
			return v.PossibleValues[y]
		}
	}
	return x
}

// normalize rewrites decoded YAML so that every mapping is a
// map[string]any. Integer and timestamp keys ("2016", 2016-01-01) become
// their period strings.
func normalize(raw any) any {
	switch x := raw.(type) {
	case map[string]any:
		return normalizeMap(x)
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[keyString(k)] = normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = normalize(v)
		}
		return out
	}
	return raw
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func keyString(k any) string {
	if t, ok := k.(time.Time); ok {
		return t.Format(time.DateOnly)
	}
	return fmt.Sprint(k)
}
