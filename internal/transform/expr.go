package transform

import (
	"github.com/google/cel-go/cel"

	"github.com/shiba4life/datafold/internal/folderr"
)

// Program is a compiled transform logic expression bound to a fixed set
// of input variable names. Evaluation is pure.
type Program struct {
	prg cel.Program
}

// CompileLogic compiles a CEL expression with each variable declared
// dyn-typed. Compilation failures (syntax errors, references to variables
// outside varNames) are TransformLogic errors.
func CompileLogic(logic string, varNames []string) (*Program, error) {
	opts := make([]cel.EnvOption, 0, len(varNames))
	for _, name := range varNames {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, folderr.TransformLogic("building expression environment: %v", err)
	}

	ast, iss := env.Compile(logic)
	if iss.Err() != nil {
		return nil, folderr.TransformLogic("compiling %q: %v", logic, iss.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, folderr.TransformLogic("planning %q: %v", logic, err)
	}

	return &Program{prg: prg}, nil
}

// Eval runs the program against the given variable bindings and returns
// a native Go value. Missing variables and type mismatches are
// TransformLogic errors.
func (p *Program) Eval(vars map[string]any) (any, error) {
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return nil, folderr.TransformLogic("evaluating expression: %v", err)
	}

	return out.Value(), nil
}
