package template

import (
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// celCache holds compiled programs keyed by their normalized expression
// string, avoiding a parse+check pass on every evaluation of a condition
// that fires repeatedly across loop iterations.
var celCache = struct {
	mu    sync.Mutex
	progs map[string]cel.Program
}{progs: make(map[string]cel.Program)}

var celEnv = mustNewCELEnv()

func mustNewCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("workload", cel.DynType),
		cel.Variable("vars", cel.DynType),
		cel.Variable("steps", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		panic(err)
	}
	return env
}

// EvaluateCEL evaluates the richer functional-expression dialect tagged
// with `rhai:` in playbook source (§4.3): direct access to workload.*,
// vars.*, and per-step result fields, all provided as plain CEL map access
// since the evaluation context is already a flat JSON object. Only CEL's
// built-in operators and functions are available; no eq/ne/contains_any
// helper functions are registered in the environment.
func EvaluateCEL(expr string, ctx map[string]interface{}) (bool, error) {
	prog, err := compiledCEL(expr)
	if err != nil {
		return false, err
	}

	vars := map[string]interface{}{
		"workload": ctx,
		"vars":     ctx,
		"steps":    ctx["steps"],
		"ctx":      ctx,
	}
	out, _, err := prog.Eval(vars)
	if err != nil {
		return false, kernelerr.Wrap(kernelerr.Validation, "evaluate rhai-dialect condition", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, kernelerr.New(kernelerr.Validation, "rhai-dialect condition did not evaluate to a boolean")
	}
	return b, nil
}

// EvaluateCELValue evaluates expr and returns its CEL value converted to a
// plain Go value (string/float64/bool/map/slice/nil), used by the rhai
// tool kind to surface a script's last-expression result as JSON (§4.7).
func EvaluateCELValue(expr string, ctx map[string]interface{}) (interface{}, error) {
	prog, err := compiledCEL(expr)
	if err != nil {
		return nil, err
	}
	vars := map[string]interface{}{
		"workload": ctx,
		"vars":     ctx,
		"steps":    ctx["steps"],
		"ctx":      ctx,
	}
	out, _, err := prog.Eval(vars)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Validation, "evaluate rhai script", err)
	}
	return out.Value(), nil
}

func compiledCEL(expr string) (cel.Program, error) {
	celCache.mu.Lock()
	defer celCache.mu.Unlock()
	if prog, ok := celCache.progs[expr]; ok {
		return prog, nil
	}

	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, kernelerr.Wrap(kernelerr.Validation, "compile rhai-dialect condition", issues.Err())
	}
	prog, err := celEnv.Program(ast)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Validation, "build rhai-dialect program", err)
	}
	celCache.progs[expr] = prog
	return prog, nil
}
