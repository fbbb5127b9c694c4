package rating

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Guardrail is a compiled CEL predicate evaluated per exposure row to
// measure side effects of a rate change. It sees the row's risk factors,
// the quoted premium, and the premium change relative to base.
//
// Example expression: `premium > 500.0 || risk.guardrail_hits_30d >= 3.0`
type Guardrail struct {
	expr    string
	program cel.Program
}

// NewGuardrail compiles a guardrail expression. The expression must
// evaluate to bool.
func NewGuardrail(expr string) (*Guardrail, error) {
	env, err := cel.NewEnv(
		cel.Variable("risk", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("premium", cel.DoubleType),
		cel.Variable("delta_pct", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile guardrail: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("guardrail expression must return bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create guardrail program: %w", err)
	}

	return &Guardrail{expr: expr, program: program}, nil
}

// Expr returns the source expression.
func (g *Guardrail) Expr() string { return g.expr }

// Hit evaluates the predicate for one row. Evaluation errors count as a
// non-hit: the guardrail is an observability aid, never a run failure.
func (g *Guardrail) Hit(vars domain.RiskVars, premium, deltaPct float64) bool {
	risk := make(map[string]any, len(vars))
	for k, v := range vars {
		if f, ok := v.Float(); ok {
			risk[k] = f
		} else if s, ok := v.String(); ok {
			risk[k] = s
		}
	}

	out, _, err := g.program.Eval(map[string]any{
		"risk":      risk,
		"premium":   premium,
		"delta_pct": deltaPct,
	})
	if err != nil {
		return false
	}
	b, ok := out.(types.Bool)
	return ok && bool(b)
}
