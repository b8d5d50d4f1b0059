package tool

import (
	"context"

	"github.com/noetl/orchestrator/internal/kernel/template"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
)

// TaskSequence is the `task_sequence` tool kind (§4.7): executes an
// ordered list of sub-tool specs, merging each task's output under its
// own name and re-rendering the next task's config against the running
// context so later tasks can reference earlier ones' results.
type TaskSequence struct {
	registry *Registry
}

func NewTaskSequence(registry *Registry) *TaskSequence {
	return &TaskSequence{registry: registry}
}

func (t *TaskSequence) Name() string { return "task_sequence" }

func (t *TaskSequence) Execute(ctx context.Context, cfg Config) (Result, error) {
	tasks, _ := cfg.Map["tasks"].([]interface{})
	if len(tasks) == 0 {
		return Result{}, kernelerr.New(kernelerr.Validation, "task_sequence tool requires a non-empty tasks list")
	}

	runCtx := make(map[string]interface{}, len(cfg.Ctx)+1)
	for k, v := range cfg.Ctx {
		runCtx[k] = v
	}
	outputs := make(map[string]interface{})

	for i, raw := range tasks {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return Result{}, kernelerr.New(kernelerr.Validation, "task_sequence entry must be an object")
		}
		name, _ := entry["name"].(string)
		kind, _ := entry["kind"].(string)
		taskConfig, _ := entry["config"].(map[string]interface{})
		var taskAuth *playbook.AuthSpec
		if a, ok := entry["auth"].(*playbook.AuthSpec); ok {
			taskAuth = a
		}

		rendered, err := template.RenderValueMap(taskConfig, runCtx)
		if err != nil {
			return Result{}, kernelerr.Wrap(kernelerr.Validation, "render task_sequence entry", err)
		}

		res, err := t.registry.Execute(ctx, playbook.ToolKind(kind), Config{
			Map: rendered, Ctx: runCtx, Auth: taskAuth, Secrets: cfg.Secrets,
		})
		if err != nil {
			return Result{}, err
		}
		if res.Status != StatusSuccess {
			return Result{Status: res.Status, Error: res.Error, Data: map[string]interface{}{"failed_task": name, "index": i}}, nil
		}

		key := name
		if key == "" {
			key = kind
		}
		outputs[key] = res.Data
		runCtx[key] = res.Data
	}

	return Result{Status: StatusSuccess, Data: outputs}, nil
}
