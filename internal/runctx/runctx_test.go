package runctx

import (
	"testing"

	"flowmill/internal/types"
)

type decl struct{ id string }

func (d decl) ID() string { return d.id }

func TestOf_ScopesIdentityAndVars(t *testing.T) {
	f := NewFactory(nil, map[string]any{"environment": "prod", "region": "us-east-1"})

	flow := types.Flow{
		Namespace: "ns",
		ID:        "flow",
		Revision:  4,
		Labels:    map[string]string{"owner": "data", "environment": "staging"},
	}

	rc := f.Of(flow, decl{id: "t"})

	if rc.Namespace != "ns" || rc.FlowID != "flow" || rc.FlowRevision != 4 {
		t.Errorf("identity not carried: %+v", rc)
	}
	if rc.Logger == nil {
		t.Fatal("run context must carry a logger")
	}
	if rc.Vars["region"] != "us-east-1" {
		t.Errorf("platform var missing: %+v", rc.Vars)
	}
	if rc.Vars["owner"] != "data" {
		t.Errorf("flow label missing: %+v", rc.Vars)
	}
	// Flow labels shadow platform variables.
	if rc.Vars["environment"] != "staging" {
		t.Errorf("label should shadow platform var: %+v", rc.Vars)
	}
}

func TestOf_BuildsFreshContexts(t *testing.T) {
	f := NewFactory(nil, nil)
	flow := types.Flow{Namespace: "ns", ID: "flow", Labels: map[string]string{"k": "v"}}

	a := f.Of(flow, decl{id: "t"})
	b := f.Of(flow, decl{id: "t"})

	a.Vars["k"] = "mutated"
	if b.Vars["k"] != "v" {
		t.Error("contexts must not share variable maps")
	}
}
