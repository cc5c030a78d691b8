package engine

import (
	"fmt"
	"strconv"
	"time"
)

// Float reads a numeric option. YAML and JSON decoding produce int, float64
// or string values; all three are accepted. A missing key yields def.
func Float(opts map[string]any, key string, def float64) (float64, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("option %s: want a number, got %T", key, v)
	}
}

// Duration reads a duration option given either as a Go duration string
// ("250ms") or as a number of milliseconds.
func Duration(opts map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return d, nil
	}
	ms, err := Float(opts, key, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}
