package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledCondition wraps a pre-compiled CEL program for fast repeated
// evaluation.
type CompiledCondition struct {
	Expression string
	program    cel.Program
}

// ConditionEvaluator compiles and evaluates rule conditions. Expressions are
// compiled at policy load time; evaluation is lock-free and safe for
// concurrent use.
type ConditionEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewConditionEvaluator creates a ConditionEvaluator with the variables
// available in rule conditions.
func NewConditionEvaluator(logger *slog.Logger) (*ConditionEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ConditionEvaluator{
		env:    env,
		logger: logger.With("component", "policy.ConditionEvaluator"),
	}, nil
}

// Compile parses and type-checks an expression. Load time only, never the
// hot path.
func (c *ConditionEvaluator) Compile(expr string) (CompiledCondition, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledCondition{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledCondition{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledCondition{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	return CompiledCondition{Expression: expr, program: prg}, nil
}

// Evaluate runs a compiled condition. A missing metadata map evaluates as
// empty rather than erroring.
func (c *ConditionEvaluator) Evaluate(cond CompiledCondition, action, target string, metadata map[string]any) (bool, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	out, _, err := cond.program.Eval(map[string]any{
		"action":   action,
		"target":   target,
		"metadata": metadata,
	})
	if err != nil {
		c.logger.Warn("condition evaluation failed", "expression", cond.Expression, "error", err)
		return false, fmt.Errorf("CEL evaluation failed for %q: %w", cond.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool %T", cond.Expression, out.Value())
	}
	return result, nil
}
