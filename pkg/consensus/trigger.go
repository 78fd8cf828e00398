package consensus

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// celTrigger is a compiled operator-supplied escalation predicate. It runs
// only when neither the threshold nor the unethical override already fired.
type celTrigger struct {
	prg cel.Program
}

func newCELTrigger(expr string) (*celTrigger, error) {
	env, err := cel.NewEnv(
		cel.Variable("max_divergence", cel.DoubleType),
		cel.Variable("statuses", cel.ListType(cel.StringType)),
		cel.Variable("classifier_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("trigger expression must yield bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &celTrigger{prg: prg}, nil
}

func (t *celTrigger) Eval(_ context.Context, rec contracts.ConsensusRecord, live []contracts.Classification) (bool, error) {
	statuses := make([]string, 0, len(live))
	for _, c := range live {
		statuses = append(statuses, string(c.Status))
	}

	out, _, err := t.prg.Eval(map[string]any{
		"max_divergence":   rec.MaxPairwiseDivergence,
		"statuses":         statuses,
		"classifier_count": len(live),
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("trigger expression yielded %T, want bool", out.Value())
	}
	return matched, nil
}
