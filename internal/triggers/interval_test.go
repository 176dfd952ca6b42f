package triggers

import (
	"context"
	"testing"
	"time"

	"flowmill/internal/types"
)

func TestNewInterval_RejectsBadInput(t *testing.T) {
	if _, err := NewInterval("", time.Minute); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := NewInterval("t", 0); err == nil {
		t.Error("expected error for zero period")
	}
	if _, err := NewInterval("t", -time.Second); err == nil {
		t.Error("expected error for negative period")
	}
}

func TestInterval_NextDate(t *testing.T) {
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	i, err := NewInterval("t", 10*time.Minute, WithIntervalNowFunc(fixedNow(now)))
	if err != nil {
		t.Fatal(err)
	}

	// With no record, NextDate is the current instant.
	if next := i.NextDate(nil); !next.Equal(now) {
		t.Errorf("NextDate(nil) = %v, want %v", next, now)
	}

	last := &types.TriggerRecord{Date: now}
	if next := i.NextDate(last); !next.Equal(now.Add(10*time.Minute)) {
		t.Errorf("NextDate(last) = %v, want %v", next, now.Add(10*time.Minute))
	}
}

func TestInterval_PollDefaultsToPeriod(t *testing.T) {
	i, err := NewInterval("t", 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if i.Interval() != 5*time.Minute {
		t.Errorf("poll interval = %v, want the period", i.Interval())
	}

	i, err = NewInterval("t", 5*time.Minute, WithIntervalPoll(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if i.Interval() != 30*time.Second {
		t.Errorf("poll interval = %v, want 30s", i.Interval())
	}
}

func TestInterval_Evaluate(t *testing.T) {
	due := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	i, err := NewInterval("t", time.Minute, WithIntervalNowFunc(fixedNow(due.Add(-time.Second))))
	if err != nil {
		t.Fatal(err)
	}

	tc := types.TriggerContext{Namespace: "ns", FlowID: "f", TriggerID: "t", Date: due}

	exec, err := i.Evaluate(context.Background(), testRunContext(), tc)
	if err != nil {
		t.Fatal(err)
	}
	if exec != nil {
		t.Fatal("must not fire before the due instant")
	}

	i.now = fixedNow(due)
	exec, err = i.Evaluate(context.Background(), testRunContext(), tc)
	if err != nil {
		t.Fatal(err)
	}
	if exec == nil {
		t.Fatal("must fire at the due instant")
	}

	vars, ok := exec.Variables["interval"].(map[string]any)
	if !ok {
		t.Fatalf("missing interval variables: %+v", exec.Variables)
	}
	if next := vars["next"].(time.Time); !next.Equal(due.Add(time.Minute)) {
		t.Errorf("interval.next = %v, want %v", next, due.Add(time.Minute))
	}
}
