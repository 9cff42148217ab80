package accesslog

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL expression deciding which records are kept.
// Expressions see id, remote_addr, method, path and error as strings,
// status as int and duration_ms as double, e.g. `status >= 500`.
type Filter struct {
	expr    string
	program cel.Program
}

// CompileFilter parses and type-checks expr. It must evaluate to a bool.
func CompileFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("remote_addr", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("status", cel.IntType),
		cel.Variable("duration_ms", cel.DoubleType),
		cel.Variable("error", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("cel compile %q: result must be bool, got %s", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{expr: expr, program: prog}, nil
}

// Match evaluates the filter against rec. Evaluation errors yield false.
func (f *Filter) Match(rec Record) bool {
	out, _, err := f.program.Eval(map[string]any{
		"id":          rec.ID,
		"remote_addr": rec.RemoteAddr,
		"method":      rec.Method,
		"path":        rec.Path,
		"status":      int64(rec.Status),
		"duration_ms": float64(rec.Duration.Microseconds()) / 1000,
		"error":       rec.Error,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f *Filter) String() string { return f.expr }

// Filtered returns a Sink that only appends records matching f.
func Filtered(sink Sink, f *Filter) Sink {
	return &filteredSink{Sink: sink, filter: f}
}

type filteredSink struct {
	Sink
	filter *Filter
}

func (s *filteredSink) Append(ctx context.Context, rec Record) error {
	if !s.filter.Match(rec) {
		return nil
	}
	return s.Sink.Append(ctx, rec)
}
