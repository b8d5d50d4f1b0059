// Package orchestrator implements the pure evaluate() function that
// folds an execution's event history and decides the next commands and
// events to emit. It performs no I/O: callers persist events_to_emit and
// deliver commands via command.issued events.
package orchestrator

import (
	"github.com/noetl/orchestrator/internal/kernel/command"
	"github.com/noetl/orchestrator/internal/kernel/event"
	"github.com/noetl/orchestrator/internal/kernel/state"
	"github.com/noetl/orchestrator/internal/kernel/template"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
)

// CompletionStatus describes why an execution is finishing.
type CompletionStatus struct {
	Status      event.Status
	Error       string
	FailedSteps []string
}

// EventToEmit is a caller-persisted event the orchestrator decided to
// record; it carries no event_id because event ids are minted by the
// caller (the coordinator choreography layer) immediately before append.
// Command ids, by contrast, are minted here through the IDMinter.
type EventToEmit struct {
	EventType event.Type
	NodeName  string
	Status    event.Status
	Context   map[string]interface{}
	Result    map[string]interface{}
	Error     string
}

// Result is the orchestrator's evaluation output.
type Result struct {
	State            state.Execution
	Commands         []command.Command
	ShouldComplete   bool
	CompletionStatus *CompletionStatus
	EventsToEmit     []EventToEmit
}

// IDMinter mints the next globally unique event/command id. The caller
// supplies it so evaluate can construct commands with a real command_id
// rather than the legacy zero placeholder (§9 corrected behavior).
type IDMinter interface {
	Next() int64
}

// Orchestrator evaluates execution events against a playbook definition.
type Orchestrator struct {
	builder *command.Builder
	ids     IDMinter
}

func New(ids IDMinter) *Orchestrator {
	return &Orchestrator{builder: command.NewBuilder(), ids: ids}
}

var progressMarkerTypes = map[event.Type]bool{
	"step_started": true,
	"step_running": true,
}

var completionTriggerTypes = map[event.Type]bool{
	event.TypeCommandCompleted: true,
	event.TypeActionCompleted:  true,
	event.TypeStepCompleted:    true,
	"iterator_completed":       true,
}

// Evaluate is the main orchestration entry point, called when a new
// execution starts or a worker reports a result via event.
func (o *Orchestrator) Evaluate(events []event.Event, pb playbook.Playbook, trigger event.Type) (Result, error) {
	w := state.Fold(events)
	if w == nil {
		return Result{}, kernelerr.New(kernelerr.Validation, "no events found for execution")
	}

	if w.State == state.ExecutionCompleted || w.State == state.ExecutionFailed || w.State == state.ExecutionCancelled {
		return Result{State: w.State}, nil
	}

	if trigger != "" && progressMarkerTypes[trigger] {
		return Result{State: w.State}, nil
	}

	ctx := w.BuildContext()
	steps := pb.StepIndex()

	switch w.State {
	case state.ExecutionInitial:
		return o.dispatchInitial(w, pb, ctx)
	case state.ExecutionInProgress:
		if len(w.Steps) == 0 {
			return o.dispatchInitial(w, pb, ctx)
		}
		return o.processInProgress(w, steps, ctx, trigger)
	default:
		return Result{State: w.State}, nil
	}
}

func (o *Orchestrator) dispatchInitial(w *state.Workflow, pb playbook.Playbook, ctx map[string]interface{}) (Result, error) {
	start, ok := pb.GetStep("start")
	if !ok {
		return Result{}, kernelerr.New(kernelerr.Validation, "start step 'start' not found")
	}

	eventsToEmit := []EventToEmit{{
		EventType: event.TypeStepEnter,
		NodeName:  start.Step,
		Status:    event.StatusStarted,
	}}

	cmdID := o.ids.Next()
	cmd, err := o.builder.Build(cmdID, w.ExecutionID, w.CatalogID, 0, start, ctx, nil)
	if err != nil {
		return Result{}, err
	}

	return Result{
		State:        state.ExecutionInProgress,
		Commands:     []command.Command{cmd},
		EventsToEmit: eventsToEmit,
	}, nil
}

func (o *Orchestrator) processInProgress(
	w *state.Workflow,
	steps map[string]playbook.Step,
	ctx map[string]interface{},
	trigger event.Type,
) (Result, error) {
	var commands []command.Command
	var eventsToEmit []EventToEmit

	if trigger == "" || !completionTriggerTypes[trigger] {
		return Result{State: state.ExecutionInProgress}, nil
	}

	running := make(map[string]bool)
	for _, name := range w.RunningSteps() {
		running[name] = true
	}

	for stepName := range w.Steps {
		if !w.IsStepCompleted(stepName) {
			continue
		}
		step, ok := steps[stepName]
		if !ok {
			continue
		}

		transitions, err := o.resolveTransitions(step, ctx)
		if err != nil {
			return Result{}, err
		}

		for _, t := range transitions {
			if t.NextStep == "end" {
				return Result{
					State:          state.ExecutionInProgress,
					ShouldComplete: true,
					CompletionStatus: &CompletionStatus{
						Status: event.StatusCompleted,
					},
					EventsToEmit: eventsToEmit,
				}, nil
			}

			nextStep, ok := steps[t.NextStep]
			if !ok {
				continue
			}
			if w.IsStepDone(t.NextStep) || running[t.NextStep] {
				continue
			}

			stepCtx := make(map[string]interface{}, len(ctx)+len(t.WithParams))
			for k, v := range ctx {
				stepCtx[k] = v
			}
			for k, v := range t.WithParams {
				stepCtx[k] = v
			}

			eventsToEmit = append(eventsToEmit, EventToEmit{
				EventType: event.TypeStepEnter,
				NodeName:  t.NextStep,
				Status:    event.StatusStarted,
				Context:   t.WithParams,
			})

			cmdID := o.ids.Next()
			cmd, err := o.builder.Build(cmdID, w.ExecutionID, w.CatalogID, 0, nextStep, stepCtx, nil)
			if err != nil {
				return Result{}, err
			}
			commands = append(commands, cmd)
			running[t.NextStep] = true
		}
	}

	shouldComplete := o.checkCompletion(w, steps)
	var completionStatus *CompletionStatus
	if shouldComplete {
		var failed []string
		for name, s := range w.Steps {
			if s.Error != "" {
				failed = append(failed, name)
			}
		}
		if len(failed) == 0 {
			completionStatus = &CompletionStatus{Status: event.StatusCompleted}
		} else {
			completionStatus = &CompletionStatus{Status: event.StatusFailed, FailedSteps: failed}
		}
	}

	return Result{
		State:            state.ExecutionInProgress,
		Commands:         commands,
		ShouldComplete:   shouldComplete,
		CompletionStatus: completionStatus,
		EventsToEmit:     eventsToEmit,
	}, nil
}

// resolveTransitions evaluates case first (mutually exclusive with next
// per §4.4). A step with no case entries uses next; a step whose case
// entries all fail to match has no transition (next is not consulted).
func (o *Orchestrator) resolveTransitions(step playbook.Step, ctx map[string]interface{}) ([]template.NextTransition, error) {
	if len(step.Case) > 0 {
		t, err := template.EvaluateCase(step, ctx)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, nil
		}
		return []template.NextTransition{*t}, nil
	}
	return template.EvaluateNext(step, ctx)
}

// checkCompletion implements the corrected rule (§9). The legacy rule
// declared completion as soon as it found any one terminal step (a step
// with no successor) that had completed, which fires early when a
// playbook has multiple terminal branches and only one has finished.
// The corrected rule instead requires every branch actually entered
// during this execution to have reached a terminal step (no successor,
// 'end', or Failed/Skipped) before declaring completion: no steps
// running, and every step this execution entered that has no declared
// successor has reached a terminal per-step state.
func (o *Orchestrator) checkCompletion(w *state.Workflow, steps map[string]playbook.Step) bool {
	if w.HasRunningSteps() {
		return false
	}
	if w.IsStepCompleted("end") {
		return true
	}

	sawTerminal := false
	for name := range w.Steps {
		step, ok := steps[name]
		if !ok || step.HasSuccessor() {
			continue
		}
		if !w.IsStepDone(name) {
			return false
		}
		sawTerminal = true
	}
	return sawTerminal
}

// HandleFailure records a step failure as an immediate execution failure.
func (o *Orchestrator) HandleFailure(stepName, errMsg string) Result {
	return Result{
		State:          state.ExecutionFailed,
		ShouldComplete: true,
		CompletionStatus: &CompletionStatus{
			Status:      event.StatusFailed,
			Error:       errMsg,
			FailedSteps: []string{stepName},
		},
		EventsToEmit: []EventToEmit{{
			EventType: event.TypeStepFailed,
			NodeName:  stepName,
			Status:    event.StatusFailed,
			Error:     errMsg,
		}},
	}
}
