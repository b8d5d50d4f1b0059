package playbook

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/noetl/orchestrator/internal/kernelerr"
)

// schemaJSON is the structural validation schema applied to every parsed
// playbook before it is handed to the orchestrator. It intentionally
// stays permissive on tool-specific fields (validated per-kind by the
// tool registry instead, see §4.7) and only pins the shape the
// orchestrator itself depends on.
const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["api_version", "kind", "metadata", "workflow"],
	"properties": {
		"api_version": {"type": "string"},
		"kind": {"type": "string", "const": "Playbook"},
		"metadata": {
			"type": "object",
			"required": ["name"],
			"properties": {"name": {"type": "string", "minLength": 1}}
		},
		"workflow": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["step", "tool"],
				"properties": {
					"step": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		panic(err)
	}
	if err := c.AddResource("playbook.schema.json", doc); err != nil {
		panic(err)
	}
	schema, err := c.Compile("playbook.schema.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// Parse decodes and validates a playbook from YAML source. Structural
// validity is checked against the embedded schema; step-local semantic
// checks (reserved step names, transition target existence) run after.
func Parse(src []byte) (Playbook, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(src, &raw); err != nil {
		return Playbook{}, kernelerr.Wrap(kernelerr.Validation, "parse playbook yaml", err)
	}

	if err := compiledSchema.Validate(raw); err != nil {
		return Playbook{}, kernelerr.Wrap(kernelerr.Validation, "validate playbook schema", err)
	}

	var p Playbook
	if err := yaml.Unmarshal(src, &p); err != nil {
		return Playbook{}, kernelerr.Wrap(kernelerr.Validation, "decode playbook", err)
	}

	if err := validateSemantics(p); err != nil {
		return Playbook{}, err
	}
	return p, nil
}

func validateSemantics(p Playbook) error {
	if _, ok := p.GetStep("start"); !ok {
		return kernelerr.New(kernelerr.Validation, "playbook missing reserved step 'start'")
	}

	names := p.StepIndex()
	for _, s := range p.Workflow {
		if s.Next == nil {
			continue
		}
		targets := s.Next.targetsList()
		for _, t := range targets {
			if t == "end" {
				continue
			}
			if _, ok := names[t]; !ok {
				return kernelerr.New(kernelerr.Validation, "step '"+s.Step+"' transitions to unknown step '"+t+"'")
			}
		}
	}
	return nil
}

// targetsList flattens a Next into the step names it can transition to,
// regardless of which shape (single/list/targets) it was declared in.
func (n Next) targetsList() []string {
	switch n.Kind {
	case NextSingleKind:
		return []string{n.Single}
	case NextListKind:
		return n.List
	case NextTargetsKind:
		out := make([]string, len(n.Targets))
		for i, t := range n.Targets {
			out[i] = t.Step
		}
		return out
	default:
		return nil
	}
}

// UnmarshalYAML implements the single/list/targets polymorphism §3
// describes for a step's `next` field.
func (n *Next) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		n.Kind = NextSingleKind
		n.Single = s
		return nil
	case yaml.SequenceNode:
		if len(value.Content) == 0 {
			n.Kind = NextListKind
			return nil
		}
		if value.Content[0].Kind == yaml.ScalarNode {
			var list []string
			if err := value.Decode(&list); err != nil {
				return err
			}
			n.Kind = NextListKind
			n.List = list
			return nil
		}
		var targets []NextTarget
		if err := value.Decode(&targets); err != nil {
			return err
		}
		n.Kind = NextTargetsKind
		n.Targets = targets
		return nil
	default:
		return kernelerr.New(kernelerr.Validation, "unsupported 'next' shape")
	}
}

// UnmarshalYAML implements the single-spec/pipeline polymorphism §3
// describes for a step's `tool` field.
func (t *Tool) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var pipeline []ToolSpec
		if err := value.Decode(&pipeline); err != nil {
			return err
		}
		t.Pipeline = pipeline
		return nil
	}
	var single ToolSpec
	if err := value.Decode(&single); err != nil {
		return err
	}
	t.Single = &single
	return nil
}

// MarshalForRender converts a Playbook step's tool into a plain JSON-able
// structure for rendering and for the task_sequence config the command
// builder produces for pipeline tools.
func (t Tool) MarshalForRender() (interface{}, error) {
	if t.IsPipeline() {
		return t.Pipeline, nil
	}
	return t.Single, nil
}

// ToJSON is a convenience used by the command builder when it must embed
// a rendered pipeline into a command's config.
func ToJSON(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "marshal value", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "unmarshal into map", err)
	}
	return out, nil
}
