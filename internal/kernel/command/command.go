// Package command builds the in-flight tool invocation records the
// orchestrator hands to workers.
package command

import (
	"github.com/noetl/orchestrator/internal/kernel/template"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
)

// ToolCommand is the rendered tool invocation a worker executes.
type ToolCommand struct {
	Kind      playbook.ToolKind      `json:"kind"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Auth      *playbook.AuthSpec     `json:"auth,omitempty"`
	TimeoutMS *int                   `json:"timeout_ms,omitempty"`
}

// Iterator carries the loop-expansion metadata threaded into a command's
// context when it was built by BuildIterationCommand.
type Iterator struct {
	ParentExecutionID int64       `json:"parent_execution_id"`
	IteratorStep      string      `json:"iterator_step"`
	Index             int         `json:"index"`
	Total             int         `json:"total"`
	Item              interface{} `json:"item"`
	ItemVar           string      `json:"item_var"`
}

// Command is the in-flight tool invocation record (§3 Data Model).
type Command struct {
	CommandID     int64                  `json:"command_id"`
	ExecutionID   int64                  `json:"execution_id"`
	CatalogID     int64                  `json:"catalog_id"`
	ParentEventID int64                  `json:"parent_event_id"`
	StepName      string                 `json:"step_name"`
	Tool          ToolCommand            `json:"tool"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
	Iterator      *Iterator              `json:"iterator,omitempty"`
}

// Builder renders step tool specs into Commands.
type Builder struct{}

func NewBuilder() *Builder { return &Builder{} }

// Build derives the tool invocation from step.Tool: a single ToolSpec
// renders its config directly, a pipeline becomes a task_sequence command
// whose config is the rendered, serialized pipeline.
func (b *Builder) Build(
	commandID, executionID, catalogID, parentEventID int64,
	step playbook.Step,
	ctx map[string]interface{},
	meta map[string]interface{},
) (Command, error) {
	tool, err := b.buildTool(step.Tool, ctx)
	if err != nil {
		return Command{}, err
	}
	return Command{
		CommandID:     commandID,
		ExecutionID:   executionID,
		CatalogID:     catalogID,
		ParentEventID: parentEventID,
		StepName:      step.Step,
		Tool:          tool,
		Context:       ctx,
		Meta:          meta,
	}, nil
}

// BuildIteration injects item_var/_index/_total into ctx before rendering
// the step's tool, per the loop-expansion contract (§4.5).
func (b *Builder) BuildIteration(
	commandID, executionID, catalogID, parentEventID int64,
	step playbook.Step,
	ctx map[string]interface{},
	meta map[string]interface{},
	iter Iterator,
) (Command, error) {
	iterCtx := make(map[string]interface{}, len(ctx)+3)
	for k, v := range ctx {
		iterCtx[k] = v
	}
	if iter.ItemVar != "" {
		iterCtx[iter.ItemVar] = iter.Item
	}
	iterCtx["_index"] = iter.Index
	iterCtx["_total"] = iter.Total

	cmd, err := b.Build(commandID, executionID, catalogID, parentEventID, step, iterCtx, meta)
	if err != nil {
		return Command{}, err
	}
	iterCopy := iter
	cmd.Iterator = &iterCopy
	return cmd, nil
}

// BuildPlaybookCall emits a command dispatching a nested execution.
func (b *Builder) BuildPlaybookCall(
	commandID, executionID, catalogID, parentEventID int64,
	stepName, path, version string,
	args map[string]interface{},
) Command {
	return Command{
		CommandID:     commandID,
		ExecutionID:   executionID,
		CatalogID:     catalogID,
		ParentEventID: parentEventID,
		StepName:      stepName,
		Tool: ToolCommand{
			Kind: playbook.ToolPlaybook,
			Config: map[string]interface{}{
				"path":    path,
				"version": version,
				"args":    args,
			},
		},
	}
}

// BuildNoop emits a command with no config, used to advance bookkeeping
// steps that perform no real work.
func (b *Builder) BuildNoop(commandID, executionID, catalogID, parentEventID int64, stepName string) Command {
	return Command{
		CommandID:     commandID,
		ExecutionID:   executionID,
		CatalogID:     catalogID,
		ParentEventID: parentEventID,
		StepName:      stepName,
		Tool:          ToolCommand{Kind: playbook.ToolNoop},
	}
}

func (b *Builder) buildTool(tool playbook.Tool, ctx map[string]interface{}) (ToolCommand, error) {
	if tool.IsPipeline() {
		rendered := make([]map[string]interface{}, 0, len(tool.Pipeline))
		for _, spec := range tool.Pipeline {
			cfg, err := template.RenderValueMap(spec.Extra, ctx)
			if err != nil {
				return ToolCommand{}, kernelerr.Wrap(kernelerr.Validation, "render pipeline task config", err)
			}
			entry := map[string]interface{}{"name": spec.Name, "kind": string(spec.Kind), "config": cfg, "auth": spec.Auth}
			rendered = append(rendered, entry)
		}
		return ToolCommand{
			Kind:   playbook.ToolTaskSequence,
			Config: map[string]interface{}{"tasks": rendered},
		}, nil
	}

	if tool.Single == nil {
		return ToolCommand{}, kernelerr.New(kernelerr.Validation, "step tool is neither a spec nor a pipeline")
	}
	spec := tool.Single
	cfg, err := template.RenderValueMap(spec.Extra, ctx)
	if err != nil {
		return ToolCommand{}, kernelerr.Wrap(kernelerr.Validation, "render tool config", err)
	}
	return ToolCommand{Kind: spec.Kind, Config: cfg, Auth: spec.Auth}, nil
}
