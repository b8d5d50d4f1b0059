package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/noetl/orchestrator/internal/kernel/auth"
	"github.com/noetl/orchestrator/internal/kernel/command"
	"github.com/noetl/orchestrator/internal/kernel/event"
	"github.com/noetl/orchestrator/internal/kernel/tool"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/snowflakeid"
)

// Config tunes the worker's retry and timeout behavior (§4.6).
type Config struct {
	WorkerID       string
	PoolName       string
	MaxAttempts    int
	MaxEmitRetries int
	DefaultTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxEmitRetries <= 0 {
		c.MaxEmitRetries = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

// Worker runs the claim protocol and the fetch/start/execute/complete
// loop against commands it receives (§4.6). It performs no orchestration
// of its own: the events it appends are what drives the control plane's
// next orchestrator.Evaluate call.
type Worker struct {
	cfg      Config
	claims   ClaimStore
	notifier Notifier
	events   event.Store
	tools    *tool.Registry
	secrets  auth.Secrets
	ids      *snowflakeid.Generator
	signal   CompletionSignal
}

func New(cfg Config, claims ClaimStore, notifier Notifier, events event.Store, tools *tool.Registry, secrets auth.Secrets, ids *snowflakeid.Generator, signal CompletionSignal) *Worker {
	return &Worker{cfg: cfg.withDefaults(), claims: claims, notifier: notifier, events: events, tools: tools, secrets: secrets, ids: ids, signal: signal}
}

// notifyDone best-effort signals the control plane that this execution
// has a terminal command outcome worth re-evaluating. A dropped signal
// only costs latency: nothing else depends on it for correctness.
func (w *Worker) notifyDone(ctx context.Context, executionID int64) {
	if w.signal == nil {
		return
	}
	if err := w.signal.Notify(ctx, executionID); err != nil {
		_ = err
	}
}

// Run pulls commands from the pool's queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cmd, msgID, err := w.notifier.Next(ctx, w.cfg.PoolName, w.cfg.WorkerID)
		if err == ErrNoMessage {
			continue
		}
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil
		}
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		if err := w.ProcessCommand(ctx, cmd); err != nil && !kernelerr.Is(err, kernelerr.Conflict) {
			// Best-effort: the event log is the system of record: a
			// processing error here is already reflected as a
			// command.failed event by ProcessCommand itself whenever
			// possible, so there is nothing further to do but move on.
			_ = err
		}
		if msgID != "" {
			_ = w.notifier.Ack(ctx, w.cfg.PoolName, msgID)
		}
	}
}

// ProcessCommand runs the claim/fetch/start/execute/complete sequence for
// a single dispatched command (§4.6). Fetch is a no-op here: in this
// kernel the command already carries its tool/context/meta in full, so
// there is no separate detail round-trip to perform.
func (w *Worker) ProcessCommand(ctx context.Context, cmd command.Command) error {
	outcome, err := w.claims.Claim(ctx, cmd.CommandID, w.cfg.WorkerID)
	if err != nil {
		return err
	}
	if outcome == ClaimConflict {
		return kernelerr.New(kernelerr.Conflict, "command already claimed by another worker")
	}

	w.emitBestEffort(ctx, event.Event{
		EventID:     w.ids.Next(),
		ExecutionID: cmd.ExecutionID,
		CatalogID:   cmd.CatalogID,
		EventType:   event.TypeCommandClaimed,
		Status:      event.StatusClaimed,
		NodeName:    cmd.StepName,
		WorkerID:    w.cfg.WorkerID,
		Meta:        map[string]interface{}{"command_id": cmd.CommandID},
	})

	attempt := 1
	for {
		if w.isCancelled(ctx, cmd.ExecutionID) {
			w.emitBestEffort(ctx, event.Event{
				EventID:     w.ids.Next(),
				ExecutionID: cmd.ExecutionID,
				CatalogID:   cmd.CatalogID,
				EventType:   event.TypeCommandFailed,
				Status:      event.StatusCancelled,
				NodeName:    cmd.StepName,
				WorkerID:    w.cfg.WorkerID,
				Attempt:     attempt,
				Result:      map[string]interface{}{"error": "cancelled"},
				Meta:        map[string]interface{}{"command_id": cmd.CommandID},
			})
			w.notifyDone(ctx, cmd.ExecutionID)
			return nil
		}

		w.emitBestEffort(ctx, event.Event{
			EventID:     w.ids.Next(),
			ExecutionID: cmd.ExecutionID,
			CatalogID:   cmd.CatalogID,
			EventType:   event.TypeCommandStarted,
			Status:      event.StatusRunning,
			NodeName:    cmd.StepName,
			WorkerID:    w.cfg.WorkerID,
			Attempt:     attempt,
			Meta:        map[string]interface{}{"command_id": cmd.CommandID},
		})

		result, execErr := w.execute(ctx, cmd)

		if execErr == nil && result.Status == tool.StatusSuccess {
			w.emitBestEffort(ctx, event.Event{
				EventID:     w.ids.Next(),
				ExecutionID: cmd.ExecutionID,
				CatalogID:   cmd.CatalogID,
				EventType:   event.TypeCommandCompleted,
				Status:      event.StatusCompleted,
				NodeName:    cmd.StepName,
				WorkerID:    w.cfg.WorkerID,
				Attempt:     attempt,
				Result:      resultPayload(result),
				Meta:        map[string]interface{}{"command_id": cmd.CommandID},
			})
			w.notifyDone(ctx, cmd.ExecutionID)
			return nil
		}

		status := event.StatusFailed
		if result.Status == tool.StatusTimeout {
			status = event.StatusFailed
		}

		retryable := classifyRetryable(execErr, result)
		if retryable && attempt < w.cfg.MaxAttempts {
			w.emitBestEffort(ctx, event.Event{
				EventID:     w.ids.Next(),
				ExecutionID: cmd.ExecutionID,
				CatalogID:   cmd.CatalogID,
				EventType:   event.TypeCommandFailed,
				Status:      status,
				NodeName:    cmd.StepName,
				WorkerID:    w.cfg.WorkerID,
				Attempt:     attempt,
				Result:      resultPayload(result),
				Meta:        map[string]interface{}{"command_id": cmd.CommandID, "transient": true},
			})
			if !w.sleepBackoff(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		w.emitBestEffort(ctx, event.Event{
			EventID:     w.ids.Next(),
			ExecutionID: cmd.ExecutionID,
			CatalogID:   cmd.CatalogID,
			EventType:   event.TypeCommandFailed,
			Status:      status,
			NodeName:    cmd.StepName,
			WorkerID:    w.cfg.WorkerID,
			Attempt:     attempt,
			Result:      resultPayload(result),
			Meta:        map[string]interface{}{"command_id": cmd.CommandID, "transient": false},
		})
		w.notifyDone(ctx, cmd.ExecutionID)
		return nil
	}
}

func (w *Worker) execute(ctx context.Context, cmd command.Command) (tool.Result, error) {
	timeout := w.cfg.DefaultTimeout
	if cmd.Tool.TimeoutMS != nil {
		timeout = time.Duration(*cmd.Tool.TimeoutMS) * time.Millisecond
	}
	return w.tools.Execute(ctx, cmd.Tool.Kind, tool.Config{
		Map:     cmd.Tool.Config,
		Ctx:     cmd.Context,
		Auth:    cmd.Tool.Auth,
		Secrets: w.secrets,
		Timeout: timeout,
	})
}

// isCancelled checks for a playbook.cancelled event (§4.6 step 4, S5).
// A real deployment would scope this to a cheap indexed lookup; the
// event store interface already gives us HasType for that.
func (w *Worker) isCancelled(ctx context.Context, executionID int64) bool {
	cancelled, err := w.events.HasType(ctx, executionID, event.TypePlaybookCancelled)
	if err != nil {
		return false
	}
	return cancelled
}

// emitBestEffort retries an emit up to MaxEmitRetries, then drops the
// event without logging and continues (§4.6): the event store is the system of record and
// duplicate claimed/started events are acceptable, since claim
// uniqueness is already enforced by the claim store.
func (w *Worker) emitBestEffort(ctx context.Context, e event.Event) {
	var err error
	for attempt := 0; attempt <= w.cfg.MaxEmitRetries; attempt++ {
		if _, err = w.events.Append(ctx, e); err == nil {
			return
		}
		if kernelerr.Is(err, kernelerr.Conflict) {
			return
		}
		if attempt < w.cfg.MaxEmitRetries {
			time.Sleep(backoffDuration(attempt, w.cfg.BaseBackoff, w.cfg.MaxBackoff))
		}
	}
}

// sleepBackoff waits the exponential-with-jitter backoff for the given
// attempt, returning false if ctx was cancelled while waiting.
func (w *Worker) sleepBackoff(ctx context.Context, attempt int) bool {
	d := backoffDuration(attempt, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoffDuration(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// classifyRetryable decides whether a failed attempt should be retried
// (§4.6): transient/timeout/storage failures retry, validation and auth
// failures are terminal.
func classifyRetryable(execErr error, result tool.Result) bool {
	if execErr != nil {
		for _, kind := range []kernelerr.Kind{kernelerr.Transient, kernelerr.Timeout, kernelerr.Storage} {
			if kernelerr.Is(execErr, kind) {
				return true
			}
		}
		return false
	}
	return result.Status == tool.StatusTimeout
}

func resultPayload(result tool.Result) map[string]interface{} {
	payload := map[string]interface{}{"status": string(result.Status), "duration_ms": result.DurationMS}
	if result.Data != nil {
		payload["data"] = result.Data
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if result.ExitCode != nil {
		payload["exit_code"] = *result.ExitCode
	}
	return payload
}
