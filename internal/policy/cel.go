package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledRule wraps a pre-compiled CEL program for fast repeated
// evaluation.
type CompiledRule struct {
	Expression string
	program    cel.Program
}

// CELEvaluator compiles and evaluates CEL conditions against ActionContext
// values. Expressions are compiled once at load time; evaluation is
// lock-free and safe for concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the variable declarations
// available in custom rule conditions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		// action.*
		cel.Variable("action.kind", cel.StringType),
		cel.Variable("action.parameter", cel.StringType),
		cel.Variable("action.risk_level", cel.StringType),
		cel.Variable("action.destructive", cel.BoolType),

		// alert.*
		cel.Variable("alert.severity", cel.StringType),
		cel.Variable("alert.threat_type", cel.StringType),
		cel.Variable("alert.user_id", cel.StringType),
		cel.Variable("alert.src_ip", cel.StringType),

		cel.Variable("env", cel.StringType),
		cel.Variable("real_mode", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "policy.CELEvaluator"),
	}, nil
}

// Compile parses and type-checks a condition, returning a CompiledRule
// ready for evaluation. Called at load time, not in the hot path.
func (c *CELEvaluator) Compile(expr string) (CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	c.logger.Debug("compiled CEL condition", "expression", expr)
	return CompiledRule{Expression: expr, program: prg}, nil
}

// Evaluate runs a compiled condition against the context. Returns true
// when the rule should fire.
func (c *CELEvaluator) Evaluate(rule CompiledRule, ctx ActionContext) (bool, error) {
	vars := map[string]interface{}{
		"action.kind":        string(ctx.Action.Kind),
		"action.parameter":   ctx.Action.Parameter,
		"action.risk_level":  string(ctx.Action.RiskLevel),
		"action.destructive": ctx.Action.Destructive(),

		"alert.severity":    "",
		"alert.threat_type": "",
		"alert.user_id":     "",
		"alert.src_ip":      "",

		"env":       ctx.Environment,
		"real_mode": ctx.RealMode,
	}
	if ctx.Alert != nil {
		vars["alert.severity"] = string(ctx.Alert.Severity)
		vars["alert.threat_type"] = string(ctx.Alert.ThreatType)
		vars["alert.user_id"] = ctx.Alert.UserID
		vars["alert.src_ip"] = ctx.Alert.SrcIP
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Expression, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Expression, out.Value())
	}
	return result, nil
}
