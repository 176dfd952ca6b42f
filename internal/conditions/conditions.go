// Package conditions decides whether a trigger is eligible for its flow
// at this moment. The baseline rule is the flow's disabled flag; triggers
// may additionally carry a JavaScript condition expression, evaluated in
// an embedded VM with the flow and trigger bound as globals.
package conditions

import (
	"log/slog"

	"github.com/dop251/goja"

	"flowmill/internal/types"
)

// Evaluator evaluates trigger conditions. Expression failures fail
// closed: a trigger whose condition cannot be evaluated is not admitted.
type Evaluator struct {
	logger *slog.Logger
}

// New creates an Evaluator.
func New(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// IsValid reports whether the trigger may be evaluated for the flow. It
// must stay cheap: it runs for every polling trigger on every tick.
func (e *Evaluator) IsValid(trigger types.TriggerDecl, flow types.Flow) bool {
	if flow.Disabled {
		return false
	}

	cond, ok := trigger.(types.Conditioned)
	if !ok || cond.Condition() == "" {
		return true
	}

	result, err := e.run(cond.Condition(), trigger, flow)
	if err != nil {
		e.logger.Warn("trigger condition failed, trigger skipped",
			"namespace", flow.Namespace,
			"flow_id", flow.ID,
			"trigger_id", trigger.ID(),
			"error", err,
		)
		return false
	}

	return result
}

// run evaluates one expression in a fresh VM. A VM per call keeps the
// evaluator free of cross-flow state leaks; expressions are small enough
// that setup cost does not matter at tick granularity.
func (e *Evaluator) run(expr string, trigger types.TriggerDecl, flow types.Flow) (bool, error) {
	vm := goja.New()

	if err := vm.Set("flow", map[string]any{
		"namespace": flow.Namespace,
		"id":        flow.ID,
		"revision":  flow.Revision,
		"labels":    flow.Labels,
	}); err != nil {
		return false, err
	}
	if err := vm.Set("trigger", map[string]any{
		"id": trigger.ID(),
	}); err != nil {
		return false, err
	}

	value, err := vm.RunString(expr)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeConditionEval, "condition expression error", err)
	}

	return value.ToBoolean(), nil
}
