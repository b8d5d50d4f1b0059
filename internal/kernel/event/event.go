// Package event defines the append-only event log record and the
// enumerations it carries. Every piece of workflow state is reconstructed
// from a sequence of these records; nothing else is authoritative.
package event

import "time"

// Type is the canonical string form of an event type. Aliases accepted on
// parse (the mixed-separator spellings inherited from the historical
// source) are normalized to the canonical spelling by Normalize, but are
// never emitted by this module's own Append calls.
type Type string

const (
	TypePlaybookStarted     Type = "playbook_started"
	TypePlaybookCompleted   Type = "playbook_completed"
	TypePlaybookFailed      Type = "playbook_failed"
	TypePlaybookCancelled   Type = "playbook.cancelled"
	TypeWorkflowInitialized Type = "workflow.initialized"
	TypeWorkflowCompleted   Type = "workflow.completed"
	TypeWorkflowFailed      Type = "workflow.failed"
	TypeStepEnter           Type = "step.enter"
	TypeStepCompleted       Type = "step_completed"
	TypeStepFailed          Type = "step.failed"
	TypeActionCompleted     Type = "action_completed"
	TypeCommandIssued       Type = "command.issued"
	TypeCommandClaimed      Type = "command.claimed"
	TypeCommandStarted      Type = "command.started"
	TypeCommandCompleted    Type = "command.completed"
	TypeCommandFailed       Type = "command.failed"
	TypeLoopItem            Type = "loop.item"
	TypeLoopDone            Type = "loop.done"
	TypeStepResult          Type = "step_result"
	TypeError               Type = "error"
)

// aliases maps non-canonical spellings accepted on parse to the canonical
// Type this module emits. Only types with a documented dotted/underscored
// twin appear here.
var aliases = map[string]Type{
	"playbook.completed":   TypePlaybookCompleted,
	"playbook.failed":      TypePlaybookFailed,
	"step_enter":           TypeStepEnter,
	"step_started":         TypeStepEnter,
	"command.completed":    TypeCommandCompleted,
	"step.exit":            TypeStepCompleted,
	"step_failed":          TypeStepFailed,
	"workflow_initialized": TypeWorkflowInitialized,
}

// Normalize maps any accepted alias spelling to the canonical Type this
// module emits going forward. Unknown strings are returned as a Custom
// type (the open `custom:<name>` extension point), preserving forward
// compatibility with emitters this kernel doesn't yet know about.
func Normalize(raw string) Type {
	if t, ok := aliases[raw]; ok {
		return t
	}
	return Type(raw)
}

// IsCustom reports whether t falls outside the canonical enumeration.
func IsCustom(t Type) bool {
	switch t {
	case TypePlaybookStarted, TypePlaybookCompleted, TypePlaybookFailed, TypePlaybookCancelled,
		TypeWorkflowInitialized, TypeWorkflowCompleted, TypeWorkflowFailed,
		TypeStepEnter, TypeStepCompleted, TypeStepFailed, TypeActionCompleted,
		TypeCommandIssued, TypeCommandClaimed, TypeCommandStarted, TypeCommandCompleted, TypeCommandFailed,
		TypeLoopItem, TypeLoopDone, TypeStepResult, TypeError:
		return false
	default:
		return true
	}
}

// Status is the lifecycle status an event or derived state may carry.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusPending   Status = "PENDING"
	StatusClaimed   Status = "CLAIMED"
)

// Event is the immutable record appended to the log.
type Event struct {
	ID                int64                  `json:"id"`
	EventID           int64                  `json:"event_id"`
	ExecutionID       int64                  `json:"execution_id"`
	CatalogID         int64                  `json:"catalog_id"`
	ParentEventID     *int64                 `json:"parent_event_id,omitempty"`
	ParentExecutionID *int64                 `json:"parent_execution_id,omitempty"`
	EventType         Type                   `json:"event_type"`
	Status            Status                 `json:"status"`
	NodeID            string                 `json:"node_id,omitempty"`
	NodeName          string                 `json:"node_name,omitempty"`
	NodeType          string                 `json:"node_type,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
	Meta              map[string]interface{} `json:"meta,omitempty"`
	Result            map[string]interface{} `json:"result,omitempty"`
	WorkerID          string                 `json:"worker_id,omitempty"`
	Attempt           int                    `json:"attempt,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// CommandID returns the command id this event refers to, looked up from
// meta/result per the invariant that every command.* event carries the
// command_id of the command.issued event that spawned it.
func (e Event) CommandID() (int64, bool) {
	if e.EventType == TypeCommandIssued {
		return e.EventID, true
	}
	for _, bag := range []map[string]interface{}{e.Meta, e.Result} {
		if bag == nil {
			continue
		}
		switch v := bag["command_id"].(type) {
		case int64:
			return v, true
		case float64:
			return int64(v), true
		}
	}
	return 0, false
}
