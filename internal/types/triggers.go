package types

import (
	"context"
	"time"
)

// TriggerDecl is a trigger declaration attached to a flow. The scheduler
// treats declarations as opaque beyond their id; polling behavior is an
// optional capability (see PollingTrigger).
type TriggerDecl interface {
	// ID returns the trigger id, unique within its flow.
	ID() string
}

// PollingTrigger is the capability interface for triggers the scheduler
// evaluates on its tick loop. Implementations decide when and whether to
// fire; the scheduler only enforces spacing, single-flight, and the
// prior-execution gate around them.
type PollingTrigger interface {
	TriggerDecl

	// Interval is the minimum spacing between two evaluation admissions
	// for this trigger. Non-negative.
	Interval() time.Duration

	// NextDate returns the next firing instant. last is the current
	// trigger record for this trigger, or nil on first-ever evaluation.
	// Must be pure with respect to the record contents.
	NextDate(last *TriggerRecord) time.Time

	// Evaluate decides whether to fire. It returns a new execution to
	// emit, or nil when the trigger is not ready. May be expensive and
	// may fail; the scheduler retries on its own cadence.
	Evaluate(ctx context.Context, rc RunContext, tc TriggerContext) (*Execution, error)
}

// Conditioned is an optional capability for trigger declarations that
// carry a condition expression evaluated before admission.
type Conditioned interface {
	// Condition returns the expression source, or empty when the trigger
	// is unconditional.
	Condition() string
}
