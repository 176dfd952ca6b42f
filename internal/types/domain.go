// Package types defines the core domain model shared across the Flowmill
// scheduler: flows, trigger declarations, trigger contexts and records,
// and executions. It has no dependencies on other internal packages so
// every component can import it freely.
package types

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Flow is a workflow definition as seen by the scheduler. The scheduler
// treats the body of a flow as opaque; it only cares about identity,
// revision, the disabled flag, and the declared triggers.
type Flow struct {
	Namespace string            `yaml:"namespace"`
	ID        string            `yaml:"id"`
	Revision  int               `yaml:"revision"`
	Disabled  bool              `yaml:"disabled"`
	Labels    map[string]string `yaml:"labels"`

	// Triggers is the ordered list of trigger declarations. May be empty;
	// flows without triggers are skipped by the scheduler.
	Triggers []TriggerDecl `yaml:"-"`
}

// Key returns the catalog identity of the flow (namespace + id, revision
// excluded so edits replace rather than duplicate).
func (f Flow) Key() string {
	return f.Namespace + "/" + f.ID
}

// TriggerContext captures the identity and nominal date of one trigger
// evaluation. The scheduler builds the selection-phase context at the
// tick's instant truncated to whole seconds; the context it hands to
// Evaluate, and whose date a fire persists, carries the trigger's
// NextDate for its last record instead, so evaluations admitted in the
// same tick do not share a date.
type TriggerContext struct {
	Namespace    string    `json:"namespace"`
	FlowID       string    `json:"flow_id"`
	FlowRevision int       `json:"flow_revision"`
	TriggerID    string    `json:"trigger_id"`
	Date         time.Time `json:"date"`
}

// UID is the stable trigger identity. Flow revision is deliberately
// excluded so trigger records survive flow edits.
func (c TriggerContext) UID() string {
	return TriggerUID(c.Namespace, c.FlowID, c.TriggerID)
}

// TriggerUID builds the composite trigger key used by the in-memory
// scheduler maps and the trigger state store.
func TriggerUID(namespace, flowID, triggerID string) string {
	return fmt.Sprintf("%s/%s/%s", namespace, flowID, triggerID)
}

// TriggerRecord is the durable per-trigger snapshot of the most recent
// fire. At most one record exists per UID; saves replace.
type TriggerRecord struct {
	Namespace    string    `json:"namespace"`
	FlowID       string    `json:"flow_id"`
	FlowRevision int       `json:"flow_revision"`
	TriggerID    string    `json:"trigger_id"`
	Date         time.Time `json:"date"`

	// ExecutionID is the id of the execution produced by the last fire,
	// or empty when the record only marks an evaluation baseline.
	ExecutionID string `json:"execution_id,omitempty"`
}

// UID returns the stable trigger identity of the record.
func (r TriggerRecord) UID() string {
	return TriggerUID(r.Namespace, r.FlowID, r.TriggerID)
}

// NewTriggerRecord builds the record persisted after a fire: identity and
// date come from the trigger context, the execution id from the emitted
// execution.
func NewTriggerRecord(tc TriggerContext, exec Execution) TriggerRecord {
	return TriggerRecord{
		Namespace:    tc.Namespace,
		FlowID:       tc.FlowID,
		FlowRevision: tc.FlowRevision,
		TriggerID:    tc.TriggerID,
		Date:         tc.Date,
		ExecutionID:  exec.ID,
	}
}

// ExecutionState is the lifecycle state of an execution. The scheduler
// only distinguishes terminal from non-terminal states.
type ExecutionState string

const (
	StateCreated ExecutionState = "CREATED"
	StateRunning ExecutionState = "RUNNING"
	StateSuccess ExecutionState = "SUCCESS"
	StateFailed  ExecutionState = "FAILED"
	StateKilled  ExecutionState = "KILLED"
)

// Terminal reports whether no further state transitions can occur.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateKilled:
		return true
	default:
		return false
	}
}

// Execution is the outbound unit of work the scheduler emits when a
// trigger fires. Downstream executors own everything past the fields here.
type Execution struct {
	ID           string         `json:"id"`
	Namespace    string         `json:"namespace"`
	FlowID       string         `json:"flow_id"`
	FlowRevision int            `json:"flow_revision"`
	TriggerID    string         `json:"trigger_id,omitempty"`
	State        ExecutionState `json:"state"`
	Variables    map[string]any `json:"variables,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewExecution constructs a fresh execution for a firing trigger, in the
// CREATED state with a random id. Trigger-supplied variables (schedule
// dates, polled payloads) are carried in vars.
func NewExecution(tc TriggerContext, vars map[string]any) Execution {
	return Execution{
		ID:           uuid.NewString(),
		Namespace:    tc.Namespace,
		FlowID:       tc.FlowID,
		FlowRevision: tc.FlowRevision,
		TriggerID:    tc.TriggerID,
		State:        StateCreated,
		Variables:    vars,
		CreatedAt:    tc.Date,
	}
}

// RunContext is the per-evaluation environment handed to a polling
// trigger's Evaluate. It is built fresh for every evaluation because
// triggers may consume flow-derived state.
type RunContext struct {
	Logger       *slog.Logger
	Namespace    string
	FlowID       string
	FlowRevision int

	// Vars merges platform variables with the flow's labels.
	Vars map[string]any
}
