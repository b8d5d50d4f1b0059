package template

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
)

var conditionOps = []string{"==", "!=", ">=", "<=", ">", "<", "contains", "matches", "in", "not_in"}

// EvaluateCondition renders expr then evaluates the result against the
// comparison/membership operators §4.3 names. A bare expression (no
// operator) is evaluated for truthiness.
func EvaluateCondition(expr string, ctx map[string]interface{}) (bool, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "rhai:") {
		return EvaluateCEL(strings.TrimPrefix(expr, "rhai:"), ctx)
	}

	if strings.HasSuffix(expr, "truthy") && !containsAnyOp(expr) {
		left := strings.TrimSpace(strings.TrimSuffix(expr, "truthy"))
		val, err := renderOperand(left, ctx)
		if err != nil {
			return false, err
		}
		return isTruthy(val), nil
	}
	if strings.HasSuffix(expr, "falsy") && !containsAnyOp(expr) {
		left := strings.TrimSpace(strings.TrimSuffix(expr, "falsy"))
		val, err := renderOperand(left, ctx)
		if err != nil {
			return false, err
		}
		return !isTruthy(val), nil
	}

	op, left, right, found := splitOperator(expr)
	if !found {
		val, err := renderOperand(expr, ctx)
		if err != nil {
			return false, err
		}
		return isTruthy(val), nil
	}

	lv, err := renderOperand(left, ctx)
	if err != nil {
		return false, err
	}
	rv, err := renderOperand(right, ctx)
	if err != nil {
		return false, err
	}

	switch op {
	case "==":
		return equalValues(lv, rv), nil
	case "!=":
		return !equalValues(lv, rv), nil
	case ">", "<", ">=", "<=":
		return compareNumeric(op, lv, rv)
	case "contains":
		return containsValue(lv, rv), nil
	case "matches":
		re, err := regexp.Compile(stringify(rv))
		if err != nil {
			return false, kernelerr.Wrap(kernelerr.Validation, "compile matches regex", err)
		}
		return re.MatchString(stringify(lv)), nil
	case "in":
		return containsValue(rv, lv), nil
	case "not_in":
		return !containsValue(rv, lv), nil
	default:
		return false, kernelerr.New(kernelerr.Validation, "unparseable condition: "+expr)
	}
}

func containsAnyOp(expr string) bool {
	for _, op := range conditionOps {
		if strings.Contains(expr, " "+op+" ") {
			return true
		}
	}
	return false
}

func splitOperator(expr string) (op, left, right string, found bool) {
	for _, candidate := range conditionOps {
		idx := strings.Index(expr, " "+candidate+" ")
		if idx == -1 {
			continue
		}
		return candidate, strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(candidate)+2:]), true
	}
	return "", "", "", false
}

// renderOperand resolves a bare path/literal, or a {{ }}-wrapped
// expression, against ctx.
func renderOperand(s string, ctx map[string]interface{}) (interface{}, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "{{") {
		rendered, err := Render(s, ctx)
		if err != nil {
			return nil, err
		}
		if lit, ok := parseLiteral(rendered); ok {
			return lit, nil
		}
		return rendered, nil
	}
	val, _, err := resolveTerm(s, ctx)
	return val, err
}

func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func equalValues(a, b interface{}) bool {
	return stringify(normalizeForCompare(a)) == stringify(normalizeForCompare(b))
}

func normalizeForCompare(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
	}
	return v
}

func compareNumeric(op string, a, b interface{}) (bool, error) {
	af, aok := toFloatStrict(a)
	bf, bok := toFloatStrict(b)
	if !aok || !bok {
		return false, kernelerr.New(kernelerr.Validation, "non-numeric operand for comparison operator "+op)
	}
	switch op {
	case ">":
		return af > bf, nil
	case "<":
		return af < bf, nil
	case ">=":
		return af >= bf, nil
	case "<=":
		return af <= bf, nil
	}
	return false, nil
}

func toFloatStrict(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func containsValue(container, item interface{}) bool {
	switch c := container.(type) {
	case []interface{}:
		for _, e := range c {
			if equalValues(e, item) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(c, stringify(item))
	case map[string]interface{}:
		_, ok := c[stringify(item)]
		return ok
	default:
		return false
	}
}

// NextTransition is one resolved (possibly parallel) transition.
type NextTransition struct {
	NextStep   string
	WithParams map[string]interface{}
}

// EvaluateNext expands step.Next into zero or more transitions.
func EvaluateNext(step playbook.Step, ctx map[string]interface{}) ([]NextTransition, error) {
	if step.Next == nil {
		return nil, nil
	}
	switch step.Next.Kind {
	case playbook.NextSingleKind:
		return []NextTransition{{NextStep: step.Next.Single}}, nil
	case playbook.NextListKind:
		out := make([]NextTransition, len(step.Next.List))
		for i, name := range step.Next.List {
			out[i] = NextTransition{NextStep: name}
		}
		return out, nil
	case playbook.NextTargetsKind:
		out := make([]NextTransition, len(step.Next.Targets))
		for i, t := range step.Next.Targets {
			out[i] = NextTransition{NextStep: t.Step, WithParams: t.Args}
		}
		return out, nil
	default:
		return nil, nil
	}
}

// EvaluateCase returns the first matching case entry's transition, or
// (nil, nil) if none match. case and next are mutually exclusive on a
// step per §4.4; callers evaluate case first.
func EvaluateCase(step playbook.Step, ctx map[string]interface{}) (*NextTransition, error) {
	for _, entry := range step.Case {
		matched, err := EvaluateCondition(entry.When, ctx)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		if entry.Then.Next == nil {
			return nil, kernelerr.New(kernelerr.Validation, "case entry has no next.step")
		}
		return &NextTransition{NextStep: entry.Then.Next.Step, WithParams: entry.Then.Next.Args}, nil
	}
	return nil, nil
}
