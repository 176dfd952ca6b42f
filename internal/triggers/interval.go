package triggers

import (
	"context"
	"fmt"
	"time"

	"flowmill/internal/types"
)

// Interval fires at a fixed period from the last fire. Unlike Schedule it
// has no absolute alignment: the chain restarts from whatever instant the
// last record carries.
type Interval struct {
	id    string
	every time.Duration
	poll  time.Duration
	when  string
	now   func() time.Time
}

// IntervalOption configures an Interval trigger.
type IntervalOption func(*Interval)

// WithIntervalPoll overrides the minimum evaluation spacing. It defaults
// to the firing period itself; polling faster only makes sense when the
// period is long and tight firing latency matters.
func WithIntervalPoll(d time.Duration) IntervalOption {
	return func(i *Interval) { i.poll = d }
}

// WithIntervalCondition attaches a condition expression evaluated before
// admission.
func WithIntervalCondition(expr string) IntervalOption {
	return func(i *Interval) { i.when = expr }
}

// WithIntervalNowFunc overrides the wall clock. Intended for tests.
func WithIntervalNowFunc(now func() time.Time) IntervalOption {
	return func(i *Interval) { i.now = now }
}

// NewInterval builds a fixed-period trigger firing every `every`.
func NewInterval(id string, every time.Duration, opts ...IntervalOption) (*Interval, error) {
	if id == "" {
		return nil, fmt.Errorf("triggers: interval trigger id must not be empty")
	}
	if every <= 0 {
		return nil, fmt.Errorf("triggers: interval period must be positive, got %s", every)
	}

	i := &Interval{
		id:    id,
		every: every,
		poll:  every,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// ID implements types.TriggerDecl.
func (i *Interval) ID() string { return i.id }

// Every returns the firing period.
func (i *Interval) Every() time.Duration { return i.every }

// Condition implements types.Conditioned.
func (i *Interval) Condition() string { return i.when }

// Interval implements types.PollingTrigger.
func (i *Interval) Interval() time.Duration { return i.poll }

// NextDate returns the last record's date shifted by one period, or now
// when there is no record. The scheduler evaluates against NextDate of
// its synthesized baseline record (dated now), so under the scheduler the
// first fire comes one period after the trigger is first seen.
func (i *Interval) NextDate(last *types.TriggerRecord) time.Time {
	if last == nil {
		return i.now()
	}
	return last.Date.Add(i.every)
}

// Evaluate fires once the context date has been reached.
func (i *Interval) Evaluate(ctx context.Context, rc types.RunContext, tc types.TriggerContext) (*types.Execution, error) {
	now := i.now()
	if tc.Date.After(now) {
		return nil, nil
	}

	exec := types.NewExecution(tc, map[string]any{
		"interval": map[string]any{
			"date": tc.Date,
			"next": tc.Date.Add(i.every),
		},
	})

	rc.Logger.DebugContext(ctx, "interval trigger fired",
		"trigger_id", i.id,
		"date", tc.Date,
	)

	return &exec, nil
}
