package triggers

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"flowmill/internal/types"
)

func fixedNow(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func testRunContext() types.RunContext {
	return types.RunContext{Logger: slog.Default()}
}

func TestNewSchedule_RejectsBadInput(t *testing.T) {
	if _, err := NewSchedule("", "* * * * *"); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := NewSchedule("t", "not a cron"); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestSchedule_NextDate_FromLastRecord(t *testing.T) {
	now := time.Date(2026, 8, 5, 11, 30, 0, 0, time.UTC)
	s, err := NewSchedule("t", "0 * * * *", WithScheduleNowFunc(fixedNow(now)))
	if err != nil {
		t.Fatal(err)
	}

	// First-ever evaluation: next occurrence after now.
	next := s.NextDate(nil)
	want := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextDate(nil) = %v, want %v", next, want)
	}

	// From a record: strictly after the record date.
	last := &types.TriggerRecord{Date: want}
	next = s.NextDate(last)
	if !next.Equal(want.Add(time.Hour)) {
		t.Errorf("NextDate(last) = %v, want %v", next, want.Add(time.Hour))
	}

	// Deterministic given the same record.
	if !s.NextDate(last).Equal(next) {
		t.Error("NextDate must be deterministic for the same record")
	}
}

func TestSchedule_Evaluate_FiresOnlyWhenDue(t *testing.T) {
	occurrence := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	s, err := NewSchedule("t", "0 * * * *", WithScheduleNowFunc(fixedNow(occurrence.Add(-time.Minute))))
	if err != nil {
		t.Fatal(err)
	}

	tc := types.TriggerContext{Namespace: "ns", FlowID: "f", TriggerID: "t", Date: occurrence}

	exec, err := s.Evaluate(context.Background(), testRunContext(), tc)
	if err != nil {
		t.Fatal(err)
	}
	if exec != nil {
		t.Fatal("must not fire before the occurrence")
	}

	s.now = fixedNow(occurrence)
	exec, err = s.Evaluate(context.Background(), testRunContext(), tc)
	if err != nil {
		t.Fatal(err)
	}
	if exec == nil {
		t.Fatal("must fire at the occurrence")
	}

	if exec.Namespace != "ns" || exec.FlowID != "f" || exec.TriggerID != "t" {
		t.Errorf("identity not carried: %+v", exec)
	}

	sched, ok := exec.Variables["schedule"].(map[string]any)
	if !ok {
		t.Fatalf("missing schedule variables: %+v", exec.Variables)
	}
	if date := sched["date"].(time.Time); !date.Equal(occurrence) {
		t.Errorf("schedule.date = %v, want %v", date, occurrence)
	}
	if next := sched["next"].(time.Time); !next.Equal(occurrence.Add(time.Hour)) {
		t.Errorf("schedule.next = %v, want %v", next, occurrence.Add(time.Hour))
	}
}

func TestSchedule_Options(t *testing.T) {
	s, err := NewSchedule("t", "*/5 * * * *",
		WithScheduleInterval(30*time.Second),
		WithScheduleCondition("flow.namespace === 'prod'"),
	)
	if err != nil {
		t.Fatal(err)
	}

	if s.Interval() != 30*time.Second {
		t.Errorf("interval = %v, want 30s", s.Interval())
	}
	if s.Condition() != "flow.namespace === 'prod'" {
		t.Errorf("condition = %q", s.Condition())
	}
	if s.Expression() != "*/5 * * * *" {
		t.Errorf("expression = %q", s.Expression())
	}
	if s.ID() != "t" {
		t.Errorf("id = %q", s.ID())
	}
}
