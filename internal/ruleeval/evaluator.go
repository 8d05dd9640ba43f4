// Package ruleeval provides the default types.Evaluator implementation: a
// compiled-expression evaluator over github.com/expr-lang/expr. spec.md
// treats the rule predicate language as an external collaborator (the
// interface is the only contract internal/rules needs), but the daemon
// still has to hand rules.New something that implements it — this is that
// something, not a redefinition of the contract.
package ruleeval

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"mercutio-route/pkg/types"
)

// Evaluator compiles each rule expression once (on first use) and caches the
// program, since the same expression string is evaluated once per series per
// rule for the life of a config snapshot.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New builds an empty Evaluator. Programs are compiled lazily.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles expression (or reuses its cached program) against doc's
// fields, exposed to the expression as top-level environment variables, and
// returns its boolean result.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, doc types.TagDocument) (bool, error) {
	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("ruleeval: compile %q: %w", expression, err)
	}

	out, err := expr.Run(program, map[string]interface{}(doc))
	if err != nil {
		return false, fmt.Errorf("ruleeval: evaluate %q: %w", expression, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("ruleeval: expression %q did not evaluate to a boolean (got %T)", expression, out)
	}
	return result, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.cache[expression]; ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
