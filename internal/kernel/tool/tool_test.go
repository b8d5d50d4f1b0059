package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/noetl/orchestrator/internal/playbook"
)

func TestNoopAlwaysSucceeds(t *testing.T) {
	r := NewRegistry()
	r.Register(playbook.ToolNoop, NewNoop())

	res, err := r.Execute(context.Background(), playbook.ToolNoop, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s", res.Status)
	}
}

func TestShellCapturesOutputAndExitCode(t *testing.T) {
	r := NewRegistry()
	r.Register(playbook.ToolShell, NewShell())

	res, err := r.Execute(context.Background(), playbook.ToolShell, Config{
		Map: map[string]interface{}{"command": "echo hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s: %s", res.Status, res.Error)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
}

func TestShellNonZeroExitIsError(t *testing.T) {
	r := NewRegistry()
	r.Register(playbook.ToolShell, NewShell())

	res, err := r.Execute(context.Background(), playbook.ToolShell, Config{
		Map: map[string]interface{}{"command": "exit 3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError {
		t.Fatalf("expected Error, got %s", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", res.ExitCode)
	}
}

func TestHTTPToolClassifiesStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	r := NewRegistry()
	r.Register(playbook.ToolHTTP, NewHTTP())

	res, err := r.Execute(context.Background(), playbook.ToolHTTP, Config{
		Map: map[string]interface{}{"url": srv.URL, "method": "GET", "response_type": "json"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s", res.Status)
	}
	if res.Data["status_code"] != 201 {
		t.Fatalf("expected status_code 201, got %v", res.Data["status_code"])
	}
}

func TestHTTPToolTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRegistry()
	r.Register(playbook.ToolHTTP, NewHTTP())

	res, err := r.Execute(context.Background(), playbook.ToolHTTP, Config{
		Map:     map[string]interface{}{"url": srv.URL},
		Timeout: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("expected Timeout, got %s", res.Status)
	}
}

func TestTaskSequenceMergesOutputsUnderTaskName(t *testing.T) {
	r := NewRegistry()
	r.Register(playbook.ToolNoop, NewNoop())
	r.Register(playbook.ToolShell, NewShell())
	r.Register(playbook.ToolTaskSequence, NewTaskSequence(r))

	tasks := []interface{}{
		map[string]interface{}{"name": "step_one", "kind": "shell", "config": map[string]interface{}{"command": "echo one"}},
		map[string]interface{}{"name": "step_two", "kind": "noop", "config": map[string]interface{}{}},
	}

	res, err := r.Execute(context.Background(), playbook.ToolTaskSequence, Config{
		Map: map[string]interface{}{"tasks": tasks},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s: %s", res.Status, res.Error)
	}
	if _, ok := res.Data["step_one"]; !ok {
		t.Fatal("expected step_one output in merged result")
	}
	if _, ok := res.Data["step_two"]; !ok {
		t.Fatal("expected step_two output in merged result")
	}
}

func TestRegistryUnknownKindIsValidationError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), playbook.ToolKind("unknown"), Config{})
	if err == nil {
		t.Fatal("expected error for unregistered tool kind")
	}
}
