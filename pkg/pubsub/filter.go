package pubsub

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a compiled subscription filter. Messages for which the
// expression evaluates to false are not delivered to the subscription.
//
// The expression environment exposes "topic" (string), "data" (the message
// payload) and "metadata" (string map). Example:
//
//	data.priority > 3 && topic startsWith "alerts"
type Filter struct {
	source  string
	program *vm.Program
}

// CompileFilter compiles a filter expression. An empty source returns a nil
// filter, which admits every message.
func CompileFilter(source string) (*Filter, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return &Filter{source: source, program: program}, nil
}

// Source returns the original expression text.
func (f *Filter) Source() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match evaluates the filter against a message. Evaluation errors are
// treated as non-matches so a bad expression cannot break delivery to
// other subscriptions.
func (f *Filter) Match(msg Message) bool {
	if f == nil {
		return true
	}
	env := map[string]any{
		"topic":    msg.Topic,
		"data":     msg.Data,
		"metadata": msg.Metadata,
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// Wrap returns a handler that forwards only messages admitted by the filter.
// A nil filter returns the handler unchanged.
func (f *Filter) Wrap(handler Handler) Handler {
	if f == nil {
		return handler
	}
	return func(msg Message) {
		if f.Match(msg) {
			handler(msg)
		}
	}
}
