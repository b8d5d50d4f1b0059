package tool

import (
	"context"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// PlaybookDispatcher starts a nested execution and returns a reference to
// it, resolved once that execution completes; the coordinator layer
// (outside the kernel) is responsible for actually driving the nested
// execution to completion and filling in the result.
type PlaybookDispatcher interface {
	Dispatch(ctx context.Context, path, version string, args map[string]interface{}) (map[string]interface{}, error)
}

// PlaybookTool is the `playbook` tool kind (§4.7): starts a nested
// execution and returns a result reference.
type PlaybookTool struct {
	dispatcher PlaybookDispatcher
}

func NewPlaybookTool(dispatcher PlaybookDispatcher) *PlaybookTool {
	return &PlaybookTool{dispatcher: dispatcher}
}

func (p *PlaybookTool) Name() string { return "playbook" }

func (p *PlaybookTool) Execute(ctx context.Context, cfg Config) (Result, error) {
	path, _ := cfg.Map["path"].(string)
	if path == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "playbook tool requires a path")
	}
	version, _ := cfg.Map["version"].(string)
	args, _ := cfg.Map["args"].(map[string]interface{})

	if p.dispatcher == nil {
		return Result{}, kernelerr.New(kernelerr.Internal, "playbook tool has no dispatcher configured")
	}
	data, err := p.dispatcher.Dispatch(ctx, path, version, args)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusSuccess, Data: data}, nil
}
