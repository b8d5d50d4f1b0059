package template

import (
	"encoding/json"
	"strings"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// EvaluateLoop renders expr and coerces the result into an item slice per
// §4.3: arrays pass through, objects become {key, value} pairs, strings
// are JSON-parsed or comma/newline split, numbers yield [0, n).
func EvaluateLoop(expr string, ctx map[string]interface{}) ([]interface{}, error) {
	val, err := renderOperand(expr, ctx)
	if err != nil {
		return nil, err
	}

	switch v := val.(type) {
	case []interface{}:
		return v, nil
	case map[string]interface{}:
		out := make([]interface{}, 0, len(v))
		for k, item := range v {
			out = append(out, map[string]interface{}{"key": k, "value": item})
		}
		return out, nil
	case string:
		var parsed interface{}
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			if arr, ok := parsed.([]interface{}); ok {
				return arr, nil
			}
		}
		sep := ","
		if strings.Contains(v, "\n") {
			sep = "\n"
		}
		parts := strings.Split(v, sep)
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
		return out, nil
	case float64:
		n := int(v)
		out := make([]interface{}, n)
		for i := 0; i < n; i++ {
			out[i] = float64(i)
		}
		return out, nil
	default:
		return nil, kernelerr.New(kernelerr.Validation, "loop expression did not resolve to array, object, string, or number")
	}
}
