package template

import (
	"testing"

	"github.com/noetl/orchestrator/internal/playbook"
)

func TestRenderVariable(t *testing.T) {
	out, err := Render("hello {{ name }}", map[string]interface{}{"name": "world"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello world" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderDefaultFilter(t *testing.T) {
	out, err := Render("{{ missing | default('fallback') }}", map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "fallback" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderUpperFilter(t *testing.T) {
	out, err := Render("{{ name | upper }}", map[string]interface{}{"name": "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "ABC" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderIfBlock(t *testing.T) {
	tmpl := "{% if flag == true %}yes{% else %}no{% endif %}"
	out, err := Render(tmpl, map[string]interface{}{"flag": true})
	if err != nil {
		t.Fatal(err)
	}
	if out != "yes" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderForBlock(t *testing.T) {
	tmpl := "{% for item in items %}[{{ item }}]{% endfor %}"
	out, err := Render(tmpl, map[string]interface{}{"items": []interface{}{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "[a][b]" {
		t.Fatalf("got %q", out)
	}
}

func TestEvaluateConditionNumeric(t *testing.T) {
	ok, err := EvaluateCondition("count > 3", map[string]interface{}{"count": float64(5)})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected condition to match")
	}
}

func TestEvaluateConditionTruthy(t *testing.T) {
	ok, err := EvaluateCondition("flag truthy", map[string]interface{}{"flag": true})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected truthy match")
	}
}

func TestEvaluateLoopArray(t *testing.T) {
	items, err := EvaluateLoop("list", map[string]interface{}{"list": []interface{}{"x", "y"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestEvaluateLoopNumberRange(t *testing.T) {
	items, err := EvaluateLoop("n", map[string]interface{}{"n": float64(3)})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
}

func TestEvaluateNextSingle(t *testing.T) {
	step := playbook.Step{Next: &playbook.Next{Kind: playbook.NextSingleKind, Single: "step2"}}
	transitions, err := EvaluateNext(step, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 1 || transitions[0].NextStep != "step2" {
		t.Fatalf("got %+v", transitions)
	}
}

func TestEvaluateCaseFirstMatch(t *testing.T) {
	step := playbook.Step{
		Case: []playbook.CaseEntry{
			{When: "flag == false", Then: playbook.CaseAction{Next: &playbook.NextTarget{Step: "no_branch"}}},
			{When: "flag == true", Then: playbook.CaseAction{Next: &playbook.NextTarget{Step: "yes_branch"}}},
		},
	}
	transition, err := EvaluateCase(step, map[string]interface{}{"flag": true})
	if err != nil {
		t.Fatal(err)
	}
	if transition == nil || transition.NextStep != "yes_branch" {
		t.Fatalf("got %+v", transition)
	}
}
