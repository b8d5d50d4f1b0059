package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noetl/orchestrator/internal/kernel/command"
	"github.com/noetl/orchestrator/internal/kernel/event"
	"github.com/noetl/orchestrator/internal/kernel/tool"
	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
	"github.com/noetl/orchestrator/internal/snowflakeid"
)

// TestClaimCollisionRejectsSecondWorker is property S3: the first worker
// to claim a command_id wins; any other worker claiming the same id is
// rejected, and the winner's own repeated claim is idempotent.
func TestClaimCollisionRejectsSecondWorker(t *testing.T) {
	store := NewMemoryClaimStore()

	outcome, err := store.Claim(context.Background(), 1, "worker-a")
	if err != nil || outcome != ClaimAccepted {
		t.Fatalf("expected first claim accepted, got %v, %v", outcome, err)
	}

	outcome, err = store.Claim(context.Background(), 1, "worker-b")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != ClaimConflict {
		t.Fatalf("expected second worker's claim to conflict, got %v", outcome)
	}

	outcome, err = store.Claim(context.Background(), 1, "worker-a")
	if err != nil || outcome != ClaimAccepted {
		t.Fatalf("expected re-claim by original owner to be idempotent, got %v, %v", outcome, err)
	}
}

// flakyTool fails with a transient kernelerr error for the first
// failCount calls, then succeeds.
type flakyTool struct {
	failCount int32
	calls     int32
}

func (f *flakyTool) Name() string { return "flaky" }

func (f *flakyTool) Execute(ctx context.Context, cfg tool.Config) (tool.Result, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failCount {
		return tool.Result{}, kernelerr.New(kernelerr.Transient, "upstream unavailable")
	}
	return tool.Result{Status: tool.StatusSuccess, Data: map[string]interface{}{"attempt": n}}, nil
}

// TestWorkerRetriesTransientFailureThenSucceeds is property S4: a
// transient failure is retried with backoff up to MaxAttempts and the
// command ultimately completes once the tool succeeds.
func TestWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	flaky := &flakyTool{failCount: 2}
	registry := tool.NewRegistry()
	registry.Register(playbook.ToolKind("flaky"), flaky)

	ids, err := snowflakeid.New(1)
	if err != nil {
		t.Fatal(err)
	}
	events := event.NewMemory()
	signal := NewMemoryCompletionSignal()

	w := New(Config{
		WorkerID:    "worker-a",
		PoolName:    "default",
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	}, NewMemoryClaimStore(), NewMemoryNotifier(), events, registry, nil, ids, signal)

	cmd := command.Command{
		CommandID:   1,
		ExecutionID: 100,
		CatalogID:   1,
		StepName:    "fetch",
		Tool:        command.ToolCommand{Kind: playbook.ToolKind("flaky")},
	}

	if err := w.ProcessCommand(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&flaky.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}

	all, err := events.ByExecution(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	completed := 0
	for _, e := range all {
		if e.EventType == event.TypeCommandCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly one command.completed event, got %d", completed)
	}

	select {
	case executionID := <-signal.ch:
		if executionID != 100 {
			t.Fatalf("expected completion signal for execution 100, got %d", executionID)
		}
	default:
		t.Fatal("expected a completion signal on terminal success")
	}
}

// blockingTool never returns until its context is cancelled, so a
// cancellation check must stop the worker from waiting on it forever.
type blockingTool struct{}

func (blockingTool) Name() string { return "blocking" }

func (blockingTool) Execute(ctx context.Context, cfg tool.Config) (tool.Result, error) {
	<-ctx.Done()
	return tool.Result{}, ctx.Err()
}

// TestWorkerAbortsOnCancellation is property S5: a playbook.cancelled
// event observed before an attempt starts aborts the command without
// ever invoking the tool.
func TestWorkerAbortsOnCancellation(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register(playbook.ToolKind("blocking"), blockingTool{})

	ids, err := snowflakeid.New(2)
	if err != nil {
		t.Fatal(err)
	}
	events := event.NewMemory()
	if _, err := events.Append(context.Background(), event.Event{
		EventID:     ids.Next(),
		ExecutionID: 200,
		EventType:   event.TypePlaybookCancelled,
		Status:      event.StatusCancelled,
	}); err != nil {
		t.Fatal(err)
	}

	w := New(Config{
		WorkerID: "worker-a",
		PoolName: "default",
	}, NewMemoryClaimStore(), NewMemoryNotifier(), events, registry, nil, ids, NewMemoryCompletionSignal())

	cmd := command.Command{
		CommandID:   2,
		ExecutionID: 200,
		CatalogID:   1,
		StepName:    "long_running",
		Tool:        command.ToolCommand{Kind: playbook.ToolKind("blocking")},
	}

	done := make(chan error, 1)
	go func() { done <- w.ProcessCommand(context.Background(), cmd) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("ProcessCommand did not return promptly on cancellation")
	}

	all, err := events.ByExecution(context.Background(), 200)
	if err != nil {
		t.Fatal(err)
	}
	foundCancelledFailure := false
	for _, e := range all {
		if e.EventType == event.TypeCommandFailed && e.Status == event.StatusCancelled {
			foundCancelledFailure = true
		}
	}
	if !foundCancelledFailure {
		t.Fatal("expected a command.failed/CANCELLED event")
	}
}
