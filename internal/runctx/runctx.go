// Package runctx builds the per-evaluation run contexts handed to polling
// triggers. A context is constructed fresh for every evaluation; triggers
// may consume flow-derived state, so contexts are never cached.
package runctx

import (
	"log/slog"

	"flowmill/internal/types"
)

// Factory produces run contexts scoped to one flow and trigger.
type Factory struct {
	logger *slog.Logger
	vars   map[string]any
}

// NewFactory creates a Factory. vars are platform-level variables merged
// into every run context (environment name, tenant defaults); may be nil.
func NewFactory(logger *slog.Logger, vars map[string]any) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger, vars: vars}
}

// Of builds the run context for one evaluation. The logger is scoped with
// the trigger identity; flow labels shadow platform variables on key
// collision.
func (f *Factory) Of(flow types.Flow, trigger types.TriggerDecl) types.RunContext {
	vars := make(map[string]any, len(f.vars)+len(flow.Labels))
	for k, v := range f.vars {
		vars[k] = v
	}
	for k, v := range flow.Labels {
		vars[k] = v
	}

	return types.RunContext{
		Logger: f.logger.With(
			"namespace", flow.Namespace,
			"flow_id", flow.ID,
			"trigger_id", trigger.ID(),
		),
		Namespace:    flow.Namespace,
		FlowID:       flow.ID,
		FlowRevision: flow.Revision,
		Vars:         vars,
	}
}
