package orchestrator

import (
	"testing"
	"time"

	"github.com/noetl/orchestrator/internal/kernel/event"
	"github.com/noetl/orchestrator/internal/playbook"
)

type fakeIDs struct{ n int64 }

func (f *fakeIDs) Next() int64 { f.n++; return f.n }

func makeStep(name string, next *playbook.Next) playbook.Step {
	return playbook.Step{
		Step: name,
		Tool: playbook.Tool{Single: &playbook.ToolSpec{Kind: playbook.ToolPython}},
		Next: next,
	}
}

func testPlaybook() playbook.Playbook {
	return playbook.Playbook{
		APIVersion: "noetl.io/v2",
		Kind:       "Playbook",
		Metadata:   playbook.Metadata{Name: "test_playbook"},
		Workflow: []playbook.Step{
			makeStep("start", &playbook.Next{Kind: playbook.NextSingleKind, Single: "step2"}),
			makeStep("step2", &playbook.Next{Kind: playbook.NextSingleKind, Single: "end"}),
			makeStep("end", nil),
		},
	}
}

func TestEvaluateInitialState(t *testing.T) {
	o := New(&fakeIDs{})
	events := []event.Event{{
		ExecutionID: 12345,
		CatalogID:   67890,
		EventType:   event.TypePlaybookStarted,
		CreatedAt:   time.Now(),
		Context: map[string]interface{}{
			"workload": map[string]interface{}{},
			"path":     "test",
			"version":  "1",
		},
	}}

	result, err := o.Evaluate(events, testPlaybook(), "")
	if err != nil {
		t.Fatal(err)
	}
	if result.State != "in_progress" {
		t.Fatalf("expected in_progress, got %s", result.State)
	}
	if len(result.Commands) == 0 {
		t.Fatal("expected at least one command")
	}
	if result.Commands[0].CommandID == 0 {
		t.Fatal("expected a non-zero minted command id")
	}
	if len(result.EventsToEmit) == 0 {
		t.Fatal("expected at least one event to emit")
	}
}

func TestHandleFailure(t *testing.T) {
	o := New(&fakeIDs{})
	result := o.HandleFailure("failed_step", "something went wrong")

	if result.State != "failed" {
		t.Fatalf("expected failed, got %s", result.State)
	}
	if !result.ShouldComplete {
		t.Fatal("expected should_complete")
	}
	if result.CompletionStatus == nil || result.CompletionStatus.Error == "" {
		t.Fatal("expected completion status with error")
	}
}

func TestCompletionWaitsForAllTerminalBranches(t *testing.T) {
	o := New(&fakeIDs{})
	pb := playbook.Playbook{
		Metadata: playbook.Metadata{Name: "fanout"},
		Workflow: []playbook.Step{
			makeStep("start", &playbook.Next{Kind: playbook.NextListKind, List: []string{"branch_a", "branch_b"}}),
			makeStep("branch_a", nil),
			makeStep("branch_b", nil),
		},
	}

	started := event.Event{ExecutionID: 1, CatalogID: 1, EventType: event.TypePlaybookStarted, CreatedAt: time.Now()}
	enterStart := event.Event{ExecutionID: 1, EventType: event.TypeStepEnter, NodeName: "start", CreatedAt: time.Now()}
	completeStart := event.Event{ExecutionID: 1, EventType: event.TypeCommandCompleted, NodeName: "start", CreatedAt: time.Now(), Result: map[string]interface{}{}}
	enterA := event.Event{ExecutionID: 1, EventType: event.TypeStepEnter, NodeName: "branch_a", CreatedAt: time.Now()}
	completeA := event.Event{ExecutionID: 1, EventType: event.TypeCommandCompleted, NodeName: "branch_a", CreatedAt: time.Now(), Result: map[string]interface{}{}}
	enterB := event.Event{ExecutionID: 1, EventType: event.TypeStepEnter, NodeName: "branch_b", CreatedAt: time.Now()}

	events := []event.Event{started, enterStart, completeStart, enterA, completeA, enterB}

	result, err := o.Evaluate(events, pb, event.TypeCommandCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if result.ShouldComplete {
		t.Fatal("expected completion to wait for branch_b, which hasn't finished")
	}
}
