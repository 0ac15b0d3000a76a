package lifecycle

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// EvaluateCustomCondition evaluates an approval's optional CEL boolean
// expression against the task payload and the approval's own conditions,
// gating the SUBMITTED -> WORKING transition on top of the structural
// checks in checkApprovable. An empty expression always passes.
func EvaluateCustomCondition(conditions *contracts.ApprovalConditions, task *contracts.PendingTask) (bool, error) {
	if conditions == nil || conditions.Custom == "" {
		return true, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("max_cost", cel.IntType),
		cel.Variable("allowed_actions", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return false, fmt.Errorf("lifecycle: building CEL environment: %w", err)
	}

	ast, issues := env.Compile(conditions.Custom)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("lifecycle: compiling custom condition: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("lifecycle: building CEL program: %w", err)
	}

	out, _, err := program.Eval(map[string]any{
		"payload":         task.Payload,
		"max_cost":        conditions.MaxCost,
		"allowed_actions": conditions.AllowedActions,
	})
	if err != nil {
		return false, fmt.Errorf("lifecycle: evaluating custom condition: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("lifecycle: custom condition did not evaluate to a boolean")
	}
	return result, nil
}
