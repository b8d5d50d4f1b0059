// Package coordinator choreographs a single execution step: it turns an
// orchestrator.Result into persisted events and published commands. It
// is the thin layer a control-plane HTTP handler or an in-process
// interpreter calls after every externally observed event.
package coordinator

import (
	"context"

	"github.com/noetl/orchestrator/internal/kernel/catalog"
	"github.com/noetl/orchestrator/internal/kernel/event"
	"github.com/noetl/orchestrator/internal/kernel/orchestrator"
	"github.com/noetl/orchestrator/internal/kernel/state"
	"github.com/noetl/orchestrator/internal/kernel/worker"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
)

// Catalog is the subset of catalog.Store the reconciler needs to resolve
// an execution's playbook by its catalog id.
type Catalog interface {
	Get(ctx context.Context, catalogID int64) (catalog.Entry, bool, error)
}

// Logger is the minimal structured-logging contract this package needs,
// matching the teacher's per-package Logger interface convention
// (cmd/workflow-runner/coordinator/coordinator.go) rather than pulling in
// a concrete logger type.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Opts configures a Coordinator.
type Opts struct {
	Events       event.Store
	Orchestrator *orchestrator.Orchestrator
	Notifier     worker.Notifier
	IDs          IDMinter
	PoolName     string
	Logger       Logger
}

// IDMinter mints the next event id; the same generator instance the
// orchestrator uses for command ids.
type IDMinter interface {
	Next() int64
}

// Coordinator drives one execution's event log forward.
type Coordinator struct {
	events       event.Store
	orchestrator *orchestrator.Orchestrator
	notifier     worker.Notifier
	ids          IDMinter
	poolName     string
	log          Logger
}

func New(opts Opts) *Coordinator {
	return &Coordinator{
		events:       opts.Events,
		orchestrator: opts.Orchestrator,
		notifier:     opts.Notifier,
		ids:          opts.IDs,
		poolName:     opts.PoolName,
		log:          opts.Logger,
	}
}

// Trigger starts a new execution: it mints an execution id, appends the
// playbook_started event, and runs the first evaluation round.
func (c *Coordinator) Trigger(ctx context.Context, catalogID int64, pb playbook.Playbook, workload map[string]interface{}) (int64, error) {
	executionID := c.ids.Next()

	_, err := c.events.Append(ctx, event.Event{
		EventID:     c.ids.Next(),
		ExecutionID: executionID,
		CatalogID:   catalogID,
		EventType:   event.TypePlaybookStarted,
		Status:      event.StatusStarted,
		Context:     map[string]interface{}{"workload": workload},
	})
	if err != nil {
		return 0, err
	}

	if err := c.Advance(ctx, executionID, pb, event.TypePlaybookStarted); err != nil {
		return executionID, err
	}
	return executionID, nil
}

// Advance re-evaluates an execution's event history against pb in
// response to trigger and persists/publishes whatever the orchestrator
// decides (§4.6's "a worker reports a result via event" re-entry point).
func (c *Coordinator) Advance(ctx context.Context, executionID int64, pb playbook.Playbook, trigger event.Type) error {
	events, err := c.events.ByExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return kernelerr.New(kernelerr.NotFound, "no events for execution")
	}
	catalogID := events[0].CatalogID

	result, err := c.orchestrator.Evaluate(events, pb, trigger)
	if err != nil {
		return err
	}

	return c.applyResult(ctx, executionID, catalogID, result)
}

// Reconcile is the completion-signal consumer's entry point: it folds the
// current event history and either records a terminal failure for a
// step whose last command attempt was exhausted, or re-evaluates
// normally. Call it once per CompletionSignal.Wait() delivery.
func (c *Coordinator) Reconcile(ctx context.Context, executionID int64, pb playbook.Playbook) error {
	events, err := c.events.ByExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return kernelerr.New(kernelerr.NotFound, "no events for execution")
	}
	catalogID := events[0].CatalogID

	wf := state.Fold(events)
	if wf.State != state.ExecutionInProgress && wf.State != state.ExecutionInitial {
		return nil
	}
	for name, step := range wf.Steps {
		if step.State == state.StepFailed {
			result := c.orchestrator.HandleFailure(name, step.Error)
			return c.applyResult(ctx, executionID, catalogID, result)
		}
	}

	return c.Advance(ctx, executionID, pb, event.TypeCommandCompleted)
}

// RunReconciler drains signal until ctx is cancelled, reconciling each
// signaled execution against its catalog entry.
func (c *Coordinator) RunReconciler(ctx context.Context, signal worker.CompletionSignal, catalog Catalog) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		executionID, err := signal.Wait(ctx)
		if err == worker.ErrNoMessage {
			continue
		}
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil
		}
		if err != nil {
			if c.log != nil {
				c.log.Error("completion signal wait failed", "error", err)
			}
			continue
		}

		if err := c.ReconcileOne(ctx, executionID, catalog); err != nil && c.log != nil {
			c.log.Error("reconcile failed", "execution_id", executionID, "error", err)
		}
	}
}

// ReconcileOne resolves executionID's catalog entry and reconciles it;
// the single-execution step RunReconciler loops over, also usable
// directly by a synchronous caller that already knows an executionID
// needs a look.
func (c *Coordinator) ReconcileOne(ctx context.Context, executionID int64, catalog Catalog) error {
	events, err := c.events.ByExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return kernelerr.New(kernelerr.NotFound, "no events for execution")
	}
	entry, ok, err := catalog.Get(ctx, events[0].CatalogID)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "catalog entry for execution not found")
	}
	return c.Reconcile(ctx, executionID, entry.Playbook)
}

func (c *Coordinator) applyResult(ctx context.Context, executionID, catalogID int64, result orchestrator.Result) error {
	for _, e := range result.EventsToEmit {
		result := e.Result
		if e.Error != "" {
			if result == nil {
				result = map[string]interface{}{}
			}
			result["error"] = e.Error
		}
		if _, err := c.events.Append(ctx, event.Event{
			EventID:     c.ids.Next(),
			ExecutionID: executionID,
			CatalogID:   catalogID,
			EventType:   e.EventType,
			Status:      e.Status,
			NodeName:    e.NodeName,
			Context:     e.Context,
			Result:      result,
		}); err != nil {
			return err
		}
	}

	for _, cmd := range result.Commands {
		if _, err := c.events.Append(ctx, event.Event{
			EventID:     cmd.CommandID,
			ExecutionID: cmd.ExecutionID,
			CatalogID:   cmd.CatalogID,
			EventType:   event.TypeCommandIssued,
			Status:      event.StatusPending,
			NodeName:    cmd.StepName,
			Context:     cmd.Context,
			Meta:        cmd.Meta,
		}); err != nil {
			return err
		}
		if err := c.notifier.Publish(ctx, c.poolName, cmd); err != nil {
			if c.log != nil {
				c.log.Error("publish command failed", "command_id", cmd.CommandID, "error", err)
			}
			return err
		}
	}

	if result.ShouldComplete && result.CompletionStatus != nil {
		eventType := event.TypePlaybookCompleted
		if result.CompletionStatus.Status == event.StatusFailed {
			eventType = event.TypePlaybookFailed
		}
		if _, err := c.events.Append(ctx, event.Event{
			EventID:     c.ids.Next(),
			ExecutionID: executionID,
			CatalogID:   catalogID,
			EventType:   eventType,
			Status:      result.CompletionStatus.Status,
			Result: map[string]interface{}{
				"failed_steps": result.CompletionStatus.FailedSteps,
				"error":        result.CompletionStatus.Error,
			},
		}); err != nil {
			return err
		}
	}

	return nil
}

// Cancel records a playbook.cancelled event; workers observe it via
// event.Store.HasType and abort their current attempt (§4.6 S5).
func (c *Coordinator) Cancel(ctx context.Context, executionID, catalogID int64, reason string) error {
	_, err := c.events.Append(ctx, event.Event{
		EventID:     c.ids.Next(),
		ExecutionID: executionID,
		CatalogID:   catalogID,
		EventType:   event.TypePlaybookCancelled,
		Status:      event.StatusCancelled,
		Result:      map[string]interface{}{"reason": reason},
	})
	return err
}
