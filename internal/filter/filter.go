// Package filter compiles user-supplied expressions evaluated against call
// events: a boolean filter deciding which calls are collected, and named
// attribute expressions attached to exported spans.
package filter

import (
	"fmt"
	"log"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"

	"github.com/LayerDynamics/pytui-sub000/internal/event"
)

// exprEnv is the environment expressions are type-checked and run against.
func exprEnv(call *event.CallEvent) map[string]interface{} {
	env := map[string]interface{}{
		"function": "",
		"filename": "",
		"line":     uint64(0),
		"args":     map[string]string{},
	}
	if call != nil {
		env["function"] = call.FunctionName
		env["filename"] = call.Filename
		env["line"] = call.LineNo
		args := call.Args
		if args == nil {
			args = map[string]string{}
		}
		env["args"] = args
	}
	return env
}

// CallFilter is a pre-compiled boolean expression over call fields.
type CallFilter struct {
	src  string
	prog *vm.Program
}

// NewCallFilter compiles the expression. An empty expression yields a nil
// filter, which matches everything.
func NewCallFilter(expression string) (*CallFilter, error) {
	if expression == "" {
		return nil, nil
	}
	prog, err := expr.Compile(expression, expr.Env(exprEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile call filter %q: %w", expression, err)
	}
	return &CallFilter{src: expression, prog: prog}, nil
}

// Match reports whether the call passes the filter. Evaluation errors fail
// open: the call is kept and the error is logged, so a bad expression cannot
// silence the trace.
func (f *CallFilter) Match(call *event.CallEvent) bool {
	if f == nil {
		return true
	}
	out, err := expr.Run(f.prog, exprEnv(call))
	if err != nil {
		log.Printf("filter: failed to evaluate %q: %v", f.src, err)
		return true
	}
	matched, ok := out.(bool)
	return !ok || matched
}

// Attribute is one named span-attribute expression.
type Attribute struct {
	Name       string
	Expression string
}

// Evaluator holds pre-compiled attribute expressions.
type Evaluator struct {
	attrs []Attribute
	progs []*vm.Program
}

// NewEvaluator compiles all attribute expressions up front so evaluation on
// the event path is cheap.
func NewEvaluator(attrs []Attribute) (*Evaluator, error) {
	progs := make([]*vm.Program, len(attrs))
	for i, attr := range attrs {
		prog, err := expr.Compile(attr.Expression, expr.Env(exprEnv(nil)))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		progs[i] = prog
	}
	return &Evaluator{attrs: attrs, progs: progs}, nil
}

// Evaluate runs every attribute expression against the call. Expressions that
// fail at runtime are skipped; the rest still produce attributes.
func (e *Evaluator) Evaluate(call *event.CallEvent) []attribute.KeyValue {
	if e == nil || len(e.attrs) == 0 {
		return nil
	}
	env := exprEnv(call)

	var out []attribute.KeyValue
	for i, attr := range e.attrs {
		result, err := expr.Run(e.progs[i], env)
		if err != nil {
			log.Printf("filter: failed to evaluate expression for attribute %q: %v", attr.Name, err)
			continue
		}
		out = append(out, attribute.String(sanitizeAttributeName(attr.Name), fmt.Sprint(result)))
	}
	return out
}

// sanitizeAttributeName replaces non-alphanumeric characters (except dots)
// with underscores so names are safe for OpenTelemetry.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '.' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
