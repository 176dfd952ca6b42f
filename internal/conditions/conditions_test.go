package conditions

import (
	"bytes"
	"log/slog"
	"testing"

	"flowmill/internal/types"
)

// condTrigger is a minimal conditioned trigger declaration.
type condTrigger struct {
	id   string
	when string
}

func (t condTrigger) ID() string        { return t.id }
func (t condTrigger) Condition() string { return t.when }

// bareTrigger has no condition capability at all.
type bareTrigger struct{ id string }

func (t bareTrigger) ID() string { return t.id }

func TestIsValid_DisabledFlowRejectsEverything(t *testing.T) {
	e := New(nil)
	flow := types.Flow{Namespace: "a", ID: "f", Disabled: true}

	if e.IsValid(bareTrigger{id: "t"}, flow) {
		t.Error("disabled flow must reject all triggers")
	}
	if e.IsValid(condTrigger{id: "t", when: "true"}, flow) {
		t.Error("disabled flow must reject even passing conditions")
	}
}

func TestIsValid_UnconditionalTriggersPass(t *testing.T) {
	e := New(nil)
	flow := types.Flow{Namespace: "a", ID: "f"}

	if !e.IsValid(bareTrigger{id: "t"}, flow) {
		t.Error("trigger without condition capability must pass")
	}
	if !e.IsValid(condTrigger{id: "t", when: ""}, flow) {
		t.Error("empty condition must pass")
	}
}

func TestIsValid_ExpressionOverFlowAndTrigger(t *testing.T) {
	e := New(nil)
	flow := types.Flow{
		Namespace: "company.prod",
		ID:        "report",
		Revision:  3,
		Labels:    map[string]string{"env": "prod"},
	}

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"namespace match", `flow.namespace === 'company.prod'`, true},
		{"namespace mismatch", `flow.namespace === 'company.dev'`, false},
		{"label lookup", `flow.labels.env === 'prod'`, true},
		{"revision compare", `flow.revision >= 2`, true},
		{"trigger id", `trigger.id === 't'`, true},
		{"prefix check", `flow.namespace.indexOf('company') === 0`, true},
		{"truthy non-boolean", `flow.id`, true},
		{"falsy non-boolean", `0`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.IsValid(condTrigger{id: "t", when: tc.expr}, flow)
			if got != tc.want {
				t.Errorf("IsValid(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestIsValid_ExpressionErrorFailsClosed(t *testing.T) {
	buf := &bytes.Buffer{}
	e := New(slog.New(slog.NewTextHandler(buf, nil)))
	flow := types.Flow{Namespace: "a", ID: "f"}

	if e.IsValid(condTrigger{id: "t", when: "syntax error ((("}, flow) {
		t.Error("broken expression must fail closed")
	}
	if !bytes.Contains(buf.Bytes(), []byte("trigger condition failed")) {
		t.Error("expected a warning about the failing condition")
	}

	// A reference error at runtime also fails closed.
	if e.IsValid(condTrigger{id: "t", when: "nonexistent.field"}, flow) {
		t.Error("runtime expression error must fail closed")
	}
}
