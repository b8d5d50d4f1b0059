// Package tool implements the tool registry and the twelve tool kinds a
// command's configuration can select (§4.7). Every tool renders nothing
// itself: by the time Execute is called, command.Builder has already
// rendered the step's template expressions into config.
package tool

import (
	"context"
	"time"

	"github.com/noetl/orchestrator/internal/kernel/auth"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
)

// Status is the outcome classification a tool invocation reports.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusError   Status = "Error"
	StatusTimeout Status = "Timeout"
)

// Result is the uniform shape every tool returns (§3 Data Model).
type Result struct {
	Status     Status                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Stdout     string                 `json:"stdout,omitempty"`
	Stderr     string                 `json:"stderr,omitempty"`
	ExitCode   *int                   `json:"exit_code,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
}

// Config is everything a tool invocation needs: its rendered config map,
// the evaluation context (for tools that template at execution time, such
// as a task_sequence entry rendering against an upstream task's output),
// resolved credentials, and a deadline.
type Config struct {
	Map     map[string]interface{}
	Ctx     map[string]interface{}
	Auth    *playbook.AuthSpec
	Secrets auth.Secrets
	Timeout time.Duration
}

// Tool is the polymorphic execution contract every tool kind implements.
type Tool interface {
	Name() string
	Execute(ctx context.Context, cfg Config) (Result, error)
}

// Registry dispatches a ToolKind to its Tool implementation.
type Registry struct {
	tools map[playbook.ToolKind]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[playbook.ToolKind]Tool)}
}

// Register installs a tool under the caller-supplied kind; the tool's own
// Name() is not used as a key.
func (r *Registry) Register(kind playbook.ToolKind, t Tool) {
	r.tools[kind] = t
}

func (r *Registry) Get(kind playbook.ToolKind) (Tool, bool) {
	t, ok := r.tools[kind]
	return t, ok
}

// Execute looks up kind and runs it, timing the call and converting an
// error returned by the tool into a Result rather than propagating it, so
// callers (the worker runtime) have a Result to emit when a tool fails. An
// unregistered kind is the one case returned as an error (Validation).
func (r *Registry) Execute(ctx context.Context, kind playbook.ToolKind, cfg Config) (Result, error) {
	t, ok := r.tools[kind]
	if !ok {
		return Result{}, kernelerr.New(kernelerr.Validation, "no tool registered for kind: "+string(kind))
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := t.Execute(ctx, cfg)
	result.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Status: StatusTimeout, Error: err.Error(), DurationMS: result.DurationMS}, nil
		}
		return Result{Status: StatusError, Error: err.Error(), DurationMS: result.DurationMS}, nil
	}
	if result.Status == "" {
		result.Status = StatusSuccess
	}
	return result, nil
}

// NewDefaultRegistry builds a Registry with every tool kind the core
// requires wired in. playbookDispatcher backs the `playbook` kind, which
// needs to start a nested execution rather than merely compute a value.
func NewDefaultRegistry(playbookDispatcher PlaybookDispatcher) *Registry {
	r := NewRegistry()
	r.Register(playbook.ToolNoop, NewNoop())
	r.Register(playbook.ToolHTTP, NewHTTP())
	r.Register(playbook.ToolShell, NewShell())
	r.Register(playbook.ToolDuckDB, NewDuckDB())
	r.Register(playbook.ToolPostgres, NewPostgres())
	r.Register(playbook.ToolSnowflake, NewSnowflake())
	r.Register(playbook.ToolPython, NewPython())
	r.Register(playbook.ToolRhai, NewRhai())
	r.Register(playbook.ToolScript, NewScript())
	r.Register(playbook.ToolTransfer, NewTransfer(r))
	r.Register(playbook.ToolPlaybook, NewPlaybookTool(playbookDispatcher))
	r.Register(playbook.ToolTaskSequence, NewTaskSequence(r))
	return r
}
