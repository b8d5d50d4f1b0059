package tool

import (
	"context"

	"github.com/noetl/orchestrator/internal/kernel/template"
	"github.com/noetl/orchestrator/internal/kernelerr"
)

// Rhai is the `rhai` tool kind (§4.7). No Go Rhai interpreter exists
// anywhere in the example pack (see DESIGN.md); this evaluates `code`
// through the same cel-go environment already backing the `rhai:`
// condition dialect, returning the last expression's value as JSON.
// HTTP/log/sleep helpers the original scripting language exposes are out
// of scope for a CEL expression, which has no side effects by design.
type Rhai struct{}

func NewRhai() *Rhai { return &Rhai{} }

func (r *Rhai) Name() string { return "rhai" }

func (r *Rhai) Execute(ctx context.Context, cfg Config) (Result, error) {
	code, _ := cfg.Map["code"].(string)
	if code == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "rhai tool requires code")
	}

	evalCtx := make(map[string]interface{}, len(cfg.Ctx)+1)
	for k, v := range cfg.Ctx {
		evalCtx[k] = v
	}
	if args, ok := cfg.Map["args"].(map[string]interface{}); ok {
		for k, v := range args {
			evalCtx[k] = v
		}
	}

	value, err := template.EvaluateCELValue(code, evalCtx)
	if err != nil {
		return Result{}, err
	}

	data, ok := value.(map[string]interface{})
	if !ok {
		data = map[string]interface{}{"result": value}
	}
	return Result{Status: StatusSuccess, Data: data}, nil
}
