package state

import (
	"testing"
	"time"

	"github.com/noetl/orchestrator/internal/kernel/event"
)

func makeEvent(eventType event.Type, nodeName string) event.Event {
	return event.Event{
		ExecutionID: 12345,
		CatalogID:   67890,
		EventType:   eventType,
		NodeName:    nodeName,
		CreatedAt:   time.Now(),
	}
}

func TestFoldEmptyReturnsNil(t *testing.T) {
	if w := Fold(nil); w != nil {
		t.Fatalf("expected nil workflow for empty events, got %+v", w)
	}
}

func TestFoldReconstructsCompletedStep(t *testing.T) {
	started := makeEvent(event.TypePlaybookStarted, "")
	started.Context = map[string]interface{}{
		"workload": map[string]interface{}{"key": "value"},
		"path":     "test/playbook",
		"version":  "1",
	}

	completed := makeEvent(event.TypeCommandCompleted, "step1")
	completed.Result = map[string]interface{}{"output": "success"}

	events := []event.Event{
		started,
		makeEvent(event.TypeStepEnter, "step1"),
		makeEvent(event.TypeCommandIssued, "step1"),
		completed,
	}

	w := Fold(events)
	if w == nil {
		t.Fatal("expected non-nil workflow")
	}
	if w.ExecutionID != 12345 {
		t.Fatalf("expected execution_id 12345, got %d", w.ExecutionID)
	}
	if w.State != ExecutionInProgress {
		t.Fatalf("expected in_progress, got %s", w.State)
	}
	if !w.IsStepCompleted("step1") {
		t.Fatal("expected step1 to be completed")
	}
	result, ok := w.StepResult("step1")
	if !ok || result["output"] != "success" {
		t.Fatalf("expected step1 result output=success, got %+v", result)
	}
}

func TestBuildContext(t *testing.T) {
	w := newWorkflow(12345, 67890)
	w.Workload = map[string]interface{}{"var1": "value1"}
	w.Path = "test/path"

	s := newStepInfo("step1")
	s.Result = map[string]interface{}{"output": "result1"}
	w.Steps["step1"] = s

	ctx := w.BuildContext()
	if ctx["var1"] != "value1" {
		t.Fatalf("expected var1=value1, got %+v", ctx["var1"])
	}
	if ctx["path"] != "test/path" {
		t.Fatalf("expected path=test/path, got %+v", ctx["path"])
	}
	if _, ok := ctx["steps"]; !ok {
		t.Fatal("expected steps key in context")
	}
}

func TestStepStateTransitions(t *testing.T) {
	w := newWorkflow(1, 1)

	w.apply(makeEvent(event.TypeStepEnter, "step1"))
	if w.Steps["step1"].State != StepEntered {
		t.Fatalf("expected entered, got %s", w.Steps["step1"].State)
	}

	w.apply(makeEvent(event.TypeCommandIssued, "step1"))
	if w.Steps["step1"].State != StepCommandIssued {
		t.Fatalf("expected command_issued, got %s", w.Steps["step1"].State)
	}

	w.apply(makeEvent(event.TypeCommandCompleted, "step1"))
	if w.Steps["step1"].State != StepCompleted {
		t.Fatalf("expected completed, got %s", w.Steps["step1"].State)
	}
}

func TestAliasSpellingsFoldIdentically(t *testing.T) {
	w1 := newWorkflow(1, 1)
	w1.apply(makeEvent(event.Normalize("step.exit"), "step1"))

	w2 := newWorkflow(1, 1)
	w2.apply(makeEvent(event.TypeStepCompleted, "step1"))

	if w1.Steps["step1"].State != w2.Steps["step1"].State {
		t.Fatalf("alias and canonical spellings diverged: %s vs %s",
			w1.Steps["step1"].State, w2.Steps["step1"].State)
	}
}
