// Package cel compiles operator-supplied CEL expressions that gate which
// swarms the selector may rank.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Attribute names exposed to filter expressions.
const (
	AttrName         = "name"
	AttrCategory     = "category"
	AttrSource       = "source"
	AttrLength       = "length"
	AttrSeeders      = "seeders"
	AttrLeechers     = "leechers"
	AttrCreationDate = "creation_date"
	AttrAvailability = "availability"
	AttrArchive      = "archive"
)

// SwarmVariables declares the attribute types a swarm filter may reference.
var SwarmVariables = map[string]*cel.Type{
	AttrName:         cel.StringType,
	AttrCategory:     cel.StringType,
	AttrSource:       cel.StringType,
	AttrLength:       cel.IntType,
	AttrSeeders:      cel.IntType,
	AttrLeechers:     cel.IntType,
	AttrCreationDate: cel.IntType,
	AttrAvailability: cel.DoubleType,
	AttrArchive:      cel.BoolType,
}

// Filter is a compiled boolean expression.
type Filter struct {
	expr    string
	program cel.Program
}

// Compile type-checks expr against vars. The expression must produce a bool.
func Compile(expr string, vars map[string]*cel.Type) (*Filter, error) {
	opts := make([]cel.EnvOption, 0, len(vars))
	for name, typ := range vars {
		opts = append(opts, cel.Variable(name, typ))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(types.BoolType) {
		return nil, fmt.Errorf("cel compile: expression %q yields %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{expr: expr, program: prog}, nil
}

// CompileSwarm compiles expr against SwarmVariables.
func CompileSwarm(expr string) (*Filter, error) {
	return Compile(expr, SwarmVariables)
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Match evaluates the filter. Missing attributes and runtime errors count as
// no match.
func (f *Filter) Match(attrs map[string]any) bool {
	out, _, err := f.program.Eval(attrs)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
