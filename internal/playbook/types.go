// Package playbook defines the parsed YAML workflow definition: steps,
// tool specs, transition and loop expressions.
package playbook

// Metadata identifies a playbook.
type Metadata struct {
	Name        string            `yaml:"name" json:"name"`
	Path        string            `yaml:"path,omitempty" json:"path,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// ExecutorProfile names where a playbook is intended to run.
type ExecutorProfile string

const (
	ExecutorLocal       ExecutorProfile = "local"
	ExecutorDistributed ExecutorProfile = "distributed"
	ExecutorAuto        ExecutorProfile = "auto"
)

// Requires names the tools/features a playbook depends on.
type Requires struct {
	Tools    []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	Features []string `yaml:"features,omitempty" json:"features,omitempty"`
}

// Executor describes the intended execution environment.
type Executor struct {
	Profile  ExecutorProfile `yaml:"profile,omitempty" json:"profile,omitempty"`
	Version  string          `yaml:"version,omitempty" json:"version,omitempty"`
	Requires *Requires       `yaml:"requires,omitempty" json:"requires,omitempty"`
}

// ToolKind enumerates the supported tool kinds (§4.7 of the tool registry).
type ToolKind string

const (
	ToolShell        ToolKind = "shell"
	ToolHTTP         ToolKind = "http"
	ToolDuckDB       ToolKind = "duckdb"
	ToolPostgres     ToolKind = "postgres"
	ToolSnowflake    ToolKind = "snowflake"
	ToolPython       ToolKind = "python"
	ToolRhai         ToolKind = "rhai"
	ToolScript       ToolKind = "script"
	ToolTransfer     ToolKind = "transfer"
	ToolPlaybook     ToolKind = "playbook"
	ToolNoop         ToolKind = "noop"
	ToolTaskSequence ToolKind = "task_sequence"
)

// ToolSpec is a single tool invocation definition inside a step. Extra
// holds kind-specific fields not promoted to a named field, keyed by YAML
// tag, so new tool kinds never require a schema migration here.
type ToolSpec struct {
	Name  string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Kind  ToolKind               `yaml:"kind" json:"kind"`
	Auth  *AuthSpec              `yaml:"auth,omitempty" json:"auth,omitempty"`
	Extra map[string]interface{} `yaml:",inline" json:"-"`
}

// AuthKind enumerates the credential resolution strategies (§4.8).
type AuthKind string

const (
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthAPIKey AuthKind = "api_key"
	AuthGcpAdc AuthKind = "gcp_adc"
	AuthNone   AuthKind = "none"
)

// AuthSpec configures how credentials are resolved for a tool invocation.
type AuthSpec struct {
	Kind       AuthKind `yaml:"kind" json:"kind"`
	Token      string   `yaml:"token,omitempty" json:"token,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password   string   `yaml:"password,omitempty" json:"password,omitempty"`
	Header     string   `yaml:"header,omitempty" json:"header,omitempty"`
	Scopes     []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// Tool is either a single ToolSpec or an ordered pipeline of named specs
// (task_sequence). Exactly one of the two fields is populated.
type Tool struct {
	Single   *ToolSpec  `json:"single,omitempty"`
	Pipeline []ToolSpec `json:"pipeline,omitempty"`
}

// IsPipeline reports whether this tool is a task_sequence pipeline.
func (t Tool) IsPipeline() bool { return len(t.Pipeline) > 0 }

// LoopMode selects how a loop's items are dispatched.
type LoopMode string

const (
	LoopSequential LoopMode = "sequential"
	LoopParallel   LoopMode = "parallel"
)

// Loop configures a step's fan-out over a collection.
type Loop struct {
	In       string   `yaml:"in" json:"in"`
	Iterator string   `yaml:"iterator" json:"iterator"`
	Mode     LoopMode `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// CaseEntry is one branch of a step's case table: if When evaluates true,
// Then names the transition to take.
type CaseEntry struct {
	When string     `yaml:"when" json:"when"`
	Then CaseAction `yaml:"then" json:"then"`
}

// CaseAction is the transition a matched case entry performs.
type CaseAction struct {
	Next *NextTarget `yaml:"next,omitempty" json:"next,omitempty"`
}

// NextTarget names a step and the extra args to merge into its context.
type NextTarget struct {
	Step string                 `yaml:"step" json:"step"`
	Args map[string]interface{} `yaml:"args,omitempty" json:"args,omitempty"`
}

// NextKind discriminates the three shapes §3 allows for a step's `next`.
type NextKind int

const (
	NextNone NextKind = iota
	NextSingleKind
	NextListKind
	NextTargetsKind
)

// Next models a step's transition spec: a single name, a list of names
// fired in parallel, or a list of {step, args} target bundles.
type Next struct {
	Kind    NextKind
	Single  string
	List    []string
	Targets []NextTarget
}

// Step is one node in a playbook's workflow list.
type Step struct {
	Step string  `yaml:"step" json:"step"`
	Desc string  `yaml:"desc,omitempty" json:"desc,omitempty"`
	When string  `yaml:"when,omitempty" json:"when,omitempty"`
	Vars map[string]interface{} `yaml:"vars,omitempty" json:"vars,omitempty"`
	Loop *Loop   `yaml:"loop,omitempty" json:"loop,omitempty"`
	Tool Tool    `yaml:"tool" json:"tool"`
	Case []CaseEntry `yaml:"case,omitempty" json:"case,omitempty"`
	Next *Next   `yaml:"next,omitempty" json:"next,omitempty"`
}

// HasSuccessor reports whether this step declares any outgoing transition,
// used by the orchestrator's terminal-step completion fallback.
func (s Step) HasSuccessor() bool {
	return s.Next != nil && s.Next.Kind != NextNone
}

// Playbook is the parsed workflow definition.
type Playbook struct {
	APIVersion string                 `yaml:"api_version" json:"api_version"`
	Kind       string                 `yaml:"kind" json:"kind"`
	Metadata   Metadata               `yaml:"metadata" json:"metadata"`
	Executor   *Executor              `yaml:"executor,omitempty" json:"executor,omitempty"`
	Workload   map[string]interface{} `yaml:"workload,omitempty" json:"workload,omitempty"`
	Workflow   []Step                 `yaml:"workflow" json:"workflow"`
}

// GetStep looks up a step by name.
func (p Playbook) GetStep(name string) (Step, bool) {
	for _, s := range p.Workflow {
		if s.Step == name {
			return s, true
		}
	}
	return Step{}, false
}

// StepIndex builds a name -> Step lookup, used by the orchestrator on
// every evaluate() call.
func (p Playbook) StepIndex() map[string]Step {
	idx := make(map[string]Step, len(p.Workflow))
	for _, s := range p.Workflow {
		idx[s.Step] = s
	}
	return idx
}

// StepToolKinds lists the tool kind of every step, one entry per
// pipeline stage for task_sequence steps, used to profile a playbook's
// rate-limit tier before triggering an execution.
func (p Playbook) StepToolKinds() []string {
	kinds := make([]string, 0, len(p.Workflow))
	for _, s := range p.Workflow {
		if s.Tool.IsPipeline() {
			for _, spec := range s.Tool.Pipeline {
				kinds = append(kinds, string(spec.Kind))
			}
			continue
		}
		if s.Tool.Single != nil {
			kinds = append(kinds, string(s.Tool.Single.Kind))
		}
	}
	return kinds
}
