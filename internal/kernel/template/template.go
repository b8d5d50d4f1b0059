// Package template implements the Jinja2-compatible rendering subset and
// the condition/loop evaluators that drive playbook transitions. It has
// no access to I/O or the filesystem: every operation is a pure function
// of (template, context).
package template

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

var (
	exprTag  = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	blockTag = regexp.MustCompile(`\{%\s*(.*?)\s*%\}`)
)

// Render substitutes every {{ expr }} in tmpl with its rendered string
// value and evaluates {% if %}/{% for %} control blocks, given context.
// Expression substitution happens inside each block's own (possibly
// loop-scoped) context, so a {{ item }} inside a {% for %} body sees that
// iteration's binding rather than the template's outer context.
func Render(tmpl string, ctx map[string]interface{}) (string, error) {
	return renderBlocks(tmpl, ctx)
}

// RenderValue walks value, rendering any string containing `{{` or `{%`
// and leaving every other type untouched.
func RenderValue(value interface{}, ctx map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, "{{") || strings.Contains(v, "{%") {
			return Render(v, ctx)
		}
		return v, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			rendered, err := RenderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := RenderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderValueMap is the map-shaped convenience RenderValue callers reach
// for most often (tool config rendering).
func RenderValueMap(m map[string]interface{}, ctx map[string]interface{}) (map[string]interface{}, error) {
	rendered, err := RenderValue(m, ctx)
	if err != nil {
		return nil, err
	}
	out, _ := rendered.(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func renderExpressions(tmpl string, ctx map[string]interface{}) (string, error) {
	var firstErr error
	result := exprTag.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := exprTag.FindStringSubmatch(match)[1]
		val, err := evalPipeline(inner, ctx)
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// evalPipeline evaluates `expr | filter1(args) | filter2` left to right.
func evalPipeline(expr string, ctx map[string]interface{}) (interface{}, error) {
	parts := splitPipeline(expr)
	val, missing, err := resolveTerm(parts[0], ctx)
	if err != nil {
		return nil, err
	}
	hasDefault := false
	for _, filterExpr := range parts[1:] {
		name, args := parseFilterCall(filterExpr)
		if name == "default" || name == "d" {
			hasDefault = true
		}
		rendered, err := applyFilter(name, val, args, ctx)
		if err != nil {
			return nil, err
		}
		val = rendered
	}
	if missing && !hasDefault {
		return "", nil
	}
	return val, nil
}

// splitPipeline splits on top-level `|` (not inside quotes or parens).
func splitPipeline(expr string) []string {
	var parts []string
	depth := 0
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '|' && depth == 0:
			parts = append(parts, strings.TrimSpace(expr[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts
}

func parseFilterCall(s string) (name string, args []string) {
	open := strings.Index(s, "(")
	if open == -1 {
		return strings.TrimSpace(s), nil
	}
	name = strings.TrimSpace(s[:open])
	close := strings.LastIndex(s, ")")
	if close == -1 {
		close = len(s)
	}
	inner := s[open+1 : close]
	if strings.TrimSpace(inner) == "" {
		return name, nil
	}
	for _, a := range splitTopLevelComma(inner) {
		args = append(args, strings.TrimSpace(a))
	}
	return name, args
}

func splitTopLevelComma(s string) []string {
	var parts []string
	depth := 0
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// resolveTerm resolves a dotted path against ctx, or a literal
// (quoted string, number, true/false/null). missing reports whether a
// path lookup found nothing, distinguishing "absent" from "present but
// empty string" for the default filter.
func resolveTerm(term string, ctx map[string]interface{}) (interface{}, bool, error) {
	term = strings.TrimSpace(term)
	if lit, ok := parseLiteral(term); ok {
		return lit, false, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, false, kernelerr.Wrap(kernelerr.Internal, "marshal context for template lookup", err)
	}
	res := gjson.GetBytes(b, gjsonPath(term))
	if !res.Exists() {
		return nil, true, nil
	}
	return res.Value(), false, nil
}

// gjsonPath rewrites a dotted template path into gjson's path syntax.
// Both use `.`-separated segments for maps; gjson additionally supports
// numeric segments for array indices, which passes through unchanged.
func gjsonPath(term string) string { return term }

func parseLiteral(term string) (interface{}, bool) {
	if len(term) >= 2 {
		if (term[0] == '\'' && term[len(term)-1] == '\'') || (term[0] == '"' && term[len(term)-1] == '"') {
			return term[1 : len(term)-1], true
		}
	}
	switch term {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null", "none", "nil":
		return nil, true
	}
	if n, err := strconv.ParseFloat(term, 64); err == nil {
		return n, true
	}
	return nil, false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func applyFilter(name string, val interface{}, args []string, ctx map[string]interface{}) (interface{}, error) {
	switch name {
	case "int":
		return toInt(val), nil
	case "float":
		return toFloat(val), nil
	case "default", "d":
		if val == nil || val == "" {
			if len(args) == 0 {
				return "", nil
			}
			lit, _ := parseLiteral(args[0])
			return lit, nil
		}
		return val, nil
	case "tojson":
		b, err := json.Marshal(val)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.Internal, "tojson filter", err)
		}
		return string(b), nil
	case "fromjson":
		s, _ := val.(string)
		var out interface{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, kernelerr.Wrap(kernelerr.Validation, "fromjson filter", err)
		}
		return out, nil
	case "length", "len":
		return float64(lengthOf(val)), nil
	case "upper":
		return strings.ToUpper(stringify(val)), nil
	case "lower":
		return strings.ToLower(stringify(val)), nil
	case "trim":
		return strings.TrimSpace(stringify(val)), nil
	case "replace":
		if len(args) < 2 {
			return val, nil
		}
		from, _ := parseLiteral(args[0])
		to, _ := parseLiteral(args[1])
		return strings.ReplaceAll(stringify(val), stringify(from), stringify(to)), nil
	case "split":
		sep := ","
		if len(args) > 0 {
			if lit, ok := parseLiteral(args[0]); ok {
				sep = stringify(lit)
			}
		}
		parts := strings.Split(stringify(val), sep)
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "join":
		sep := ","
		if len(args) > 0 {
			if lit, ok := parseLiteral(args[0]); ok {
				sep = stringify(lit)
			}
		}
		items, _ := val.([]interface{})
		strs := make([]string, len(items))
		for i, it := range items {
			strs[i] = stringify(it)
		}
		return strings.Join(strs, sep), nil
	case "first":
		items, ok := val.([]interface{})
		if !ok || len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	case "last":
		items, ok := val.([]interface{})
		if !ok || len(items) == 0 {
			return nil, nil
		}
		return items[len(items)-1], nil
	case "b64encode":
		return base64.StdEncoding.EncodeToString([]byte(stringify(val))), nil
	case "b64decode":
		decoded, err := base64.StdEncoding.DecodeString(stringify(val))
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.Validation, "b64decode filter", err)
		}
		return string(decoded), nil
	default:
		return nil, kernelerr.New(kernelerr.Validation, "unknown template filter: "+name)
	}
}

func toInt(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return float64(int64(t))
	case string:
		n, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return float64(int64(n))
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		n, _ := strconv.ParseFloat(t, 64)
		return n
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func lengthOf(v interface{}) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []interface{}:
		return len(t)
	case map[string]interface{}:
		return len(t)
	default:
		return 0
	}
}
