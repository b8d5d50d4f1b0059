// Package state reconstructs workflow state by folding an ordered event
// slice. fold is a pure function: no I/O, no clock reads beyond what the
// events themselves carry, deterministic given the same event slice.
package state

import (
	"strconv"
	"time"

	"github.com/noetl/orchestrator/internal/kernel/event"
)

// Execution is the high-level run status.
type Execution string

const (
	ExecutionInitial    Execution = "initial"
	ExecutionInProgress Execution = "in_progress"
	ExecutionCompleted  Execution = "completed"
	ExecutionFailed     Execution = "failed"
	ExecutionCancelled  Execution = "cancelled"
)

// Step is the per-step lifecycle status.
type Step string

const (
	StepPending        Step = "pending"
	StepEntered        Step = "entered"
	StepCommandIssued  Step = "command_issued"
	StepCommandClaimed Step = "command_claimed"
	StepCommandStarted Step = "command_started"
	StepCompleted      Step = "completed"
	StepFailed         Step = "failed"
	StepSkipped        Step = "skipped"
)

// StepInfo tracks one node's progress through its lifecycle.
type StepInfo struct {
	Name        string
	State       Step
	Result      map[string]interface{}
	Error       string
	EnteredAt   *time.Time
	CompletedAt *time.Time
	Attempt     int
}

func newStepInfo(name string) *StepInfo {
	return &StepInfo{Name: name, State: StepPending}
}

// Workflow is the complete reconstructed state of one execution.
type Workflow struct {
	ExecutionID       int64
	CatalogID         int64
	State             Execution
	Steps             map[string]*StepInfo
	Workload          map[string]interface{}
	Path              string
	Version           string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ParentExecutionID *int64
}

func newWorkflow(executionID, catalogID int64) *Workflow {
	return &Workflow{
		ExecutionID: executionID,
		CatalogID:   catalogID,
		State:       ExecutionInitial,
		Steps:       make(map[string]*StepInfo),
	}
}

// Fold reconstructs a Workflow by applying events in order. Returns nil if
// events is empty: there is no state to reconstruct for an execution with
// no recorded history.
func Fold(events []event.Event) *Workflow {
	if len(events) == 0 {
		return nil
	}
	first := events[0]
	w := newWorkflow(first.ExecutionID, first.CatalogID)
	for _, e := range events {
		w.apply(e)
	}
	return w
}

func (w *Workflow) step(name string) *StepInfo {
	s, ok := w.Steps[name]
	if !ok {
		s = newStepInfo(name)
		w.Steps[name] = s
	}
	return s
}

func (w *Workflow) apply(e event.Event) {
	createdAt := e.CreatedAt
	switch e.EventType {
	case event.TypePlaybookStarted:
		w.State = ExecutionInProgress
		w.StartedAt = &createdAt
		w.ParentExecutionID = e.ParentExecutionID
		if e.Context != nil {
			if wl, ok := e.Context["workload"].(map[string]interface{}); ok {
				w.Workload = wl
			}
			if p, ok := e.Context["path"].(string); ok {
				w.Path = p
			}
			if v, ok := e.Context["version"].(string); ok {
				w.Version = v
			}
		}

	case event.TypePlaybookCompleted:
		w.State = ExecutionCompleted
		w.CompletedAt = &createdAt

	case event.TypePlaybookFailed:
		w.State = ExecutionFailed
		w.CompletedAt = &createdAt

	case event.TypePlaybookCancelled:
		w.State = ExecutionCancelled
		w.CompletedAt = &createdAt

	case event.TypeStepEnter:
		if e.NodeName != "" {
			s := w.step(e.NodeName)
			s.State = StepEntered
			s.EnteredAt = &createdAt
		}

	case event.TypeCommandIssued:
		if e.NodeName != "" {
			w.step(e.NodeName).State = StepCommandIssued
		}

	case event.TypeCommandClaimed:
		if e.NodeName != "" {
			w.step(e.NodeName).State = StepCommandClaimed
		}

	case event.TypeCommandStarted:
		if e.NodeName != "" {
			s := w.step(e.NodeName)
			s.State = StepCommandStarted
			if e.Attempt != 0 {
				s.Attempt = e.Attempt
			}
		}

	case event.TypeCommandCompleted, event.TypeActionCompleted, event.TypeStepCompleted:
		if e.NodeName != "" {
			s := w.step(e.NodeName)
			s.State = StepCompleted
			s.CompletedAt = &createdAt
			s.Result = e.Result
		}

	case event.TypeCommandFailed, event.TypeStepFailed:
		if e.NodeName != "" {
			s := w.step(e.NodeName)
			s.State = StepFailed
			s.CompletedAt = &createdAt
			if e.Result != nil {
				if errMsg, ok := e.Result["error"].(string); ok {
					s.Error = errMsg
				}
			}
		}
	}
}

// StepResult returns the recorded result for a step, if any.
func (w *Workflow) StepResult(name string) (map[string]interface{}, bool) {
	s, ok := w.Steps[name]
	if !ok || s.Result == nil {
		return nil, false
	}
	return s.Result, true
}

// AllResults returns every step's recorded result, keyed by step name.
func (w *Workflow) AllResults() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{})
	for name, s := range w.Steps {
		if s.Result != nil {
			out[name] = s.Result
		}
	}
	return out
}

// IsStepDone reports whether a step reached a terminal state (completed,
// failed, or skipped).
func (w *Workflow) IsStepDone(name string) bool {
	s, ok := w.Steps[name]
	if !ok {
		return false
	}
	return s.State == StepCompleted || s.State == StepFailed || s.State == StepSkipped
}

// IsStepCompleted reports whether a step completed successfully.
func (w *Workflow) IsStepCompleted(name string) bool {
	s, ok := w.Steps[name]
	return ok && s.State == StepCompleted
}

// IsStepFailed reports whether a step failed.
func (w *Workflow) IsStepFailed(name string) bool {
	s, ok := w.Steps[name]
	return ok && s.State == StepFailed
}

// RunningSteps returns the names of steps that have entered but not
// reached a terminal state.
func (w *Workflow) RunningSteps() []string {
	var out []string
	for name, s := range w.Steps {
		switch s.State {
		case StepEntered, StepCommandIssued, StepCommandClaimed, StepCommandStarted:
			out = append(out, name)
		}
	}
	return out
}

// HasRunningSteps reports whether any step is still in flight.
func (w *Workflow) HasRunningSteps() bool {
	return len(w.RunningSteps()) > 0
}

// BuildContext assembles the template-rendering context: workload
// variables at the top level, step results namespaced under "steps", and
// execution metadata.
func (w *Workflow) BuildContext() map[string]interface{} {
	ctx := make(map[string]interface{})
	for k, v := range w.Workload {
		ctx[k] = v
	}

	steps := make(map[string]interface{})
	for name, s := range w.Steps {
		if s.Result != nil {
			steps[name] = s.Result
		}
	}
	ctx["steps"] = steps

	ctx["execution_id"] = strconv.FormatInt(w.ExecutionID, 10)
	ctx["catalog_id"] = strconv.FormatInt(w.CatalogID, 10)
	if w.Path != "" {
		ctx["path"] = w.Path
	}
	if w.Version != "" {
		ctx["version"] = w.Version
	}
	return ctx
}
