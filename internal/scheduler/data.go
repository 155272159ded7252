package scheduler

import (
	"math"
	"strconv"
	"strings"
)

// stringField reads a task_data value as a string. Chat ids arrive as JSON
// numbers from some clients.
func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func intField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

// requestText is the natural-language request used for workflow lookup.
func requestText(data map[string]any) string {
	if s := stringField(data, "request"); s != "" {
		return s
	}
	return stringField(data, "query")
}
