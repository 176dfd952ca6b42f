// Package triggers provides the built-in polling trigger kinds: cron
// schedules and fixed-interval polls. Both implement the scheduler's
// PollingTrigger contract; the flow catalog constructs them from flow
// documents.
package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"flowmill/internal/types"
)

// defaultPollInterval is the minimum spacing between evaluations when the
// flow does not override it.
const defaultPollInterval = time.Second

// Schedule fires on a cron expression. NextDate walks the cron occurrence
// chain from the last trigger record, so occurrences missed during
// downtime are fired one at a time, oldest first; they are not collapsed.
type Schedule struct {
	id       string
	expr     string
	schedule cron.Schedule
	interval time.Duration
	when     string
	now      func() time.Time
}

// ScheduleOption configures a Schedule trigger.
type ScheduleOption func(*Schedule)

// WithScheduleInterval overrides the minimum evaluation spacing.
func WithScheduleInterval(d time.Duration) ScheduleOption {
	return func(s *Schedule) { s.interval = d }
}

// WithScheduleCondition attaches a condition expression evaluated before
// admission.
func WithScheduleCondition(expr string) ScheduleOption {
	return func(s *Schedule) { s.when = expr }
}

// WithScheduleNowFunc overrides the wall clock. Intended for tests.
func WithScheduleNowFunc(now func() time.Time) ScheduleOption {
	return func(s *Schedule) { s.now = now }
}

// NewSchedule parses the cron expression (standard five-field syntax) and
// builds the trigger.
func NewSchedule(id, expr string, opts ...ScheduleOption) (*Schedule, error) {
	if id == "" {
		return nil, fmt.Errorf("triggers: schedule trigger id must not be empty")
	}

	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("triggers: parsing cron expression %q: %w", expr, err)
	}

	s := &Schedule{
		id:       id,
		expr:     expr,
		schedule: parsed,
		interval: defaultPollInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// ID implements types.TriggerDecl.
func (s *Schedule) ID() string { return s.id }

// Expression returns the cron expression source.
func (s *Schedule) Expression() string { return s.expr }

// Condition implements types.Conditioned.
func (s *Schedule) Condition() string { return s.when }

// Interval implements types.PollingTrigger.
func (s *Schedule) Interval() time.Duration { return s.interval }

// NextDate returns the next cron occurrence strictly after the last
// record's date, or after now on first-ever evaluation.
func (s *Schedule) NextDate(last *types.TriggerRecord) time.Time {
	if last == nil {
		return s.schedule.Next(s.now())
	}
	return s.schedule.Next(last.Date)
}

// Evaluate fires once the context date (the computed next occurrence) has
// been reached. The execution carries the occurrence and its successor so
// downstream tasks can template on them.
func (s *Schedule) Evaluate(ctx context.Context, rc types.RunContext, tc types.TriggerContext) (*types.Execution, error) {
	now := s.now()
	if tc.Date.After(now) {
		return nil, nil
	}

	exec := types.NewExecution(tc, map[string]any{
		"schedule": map[string]any{
			"date": tc.Date,
			"next": s.schedule.Next(tc.Date),
		},
	})

	rc.Logger.DebugContext(ctx, "schedule trigger fired",
		"trigger_id", s.id,
		"occurrence", tc.Date,
	)

	return &exec, nil
}
