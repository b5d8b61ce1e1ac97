// Package condition evaluates gate routing expressions with CEL.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and evaluates CEL expressions over row data, with
// a compiled-program cache shared across workers.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate runs an expression against a row and returns its boolean
// result. Expressions see the row as `row` and per-gate settings as
// `opts`; the shorthand $.field rewrites to row.field.
func (e *Evaluator) Evaluate(expr string, row map[string]any, opts map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"row":  row,
		"opts": opts,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expr, out.Value())
	}

	return result, nil
}

// Check compiles an expression without evaluating it, for settings
// validation before a run starts.
func (e *Evaluator) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	normalized := strings.ReplaceAll(expr, "$.", "row.")

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	prg, err := compile(normalized)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[normalized] = prg
	e.mu.Unlock()

	return prg, nil
}

func compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.DynType),
		cel.Variable("opts", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for %q: %w", expr, err)
	}

	return prg, nil
}

// CacheSize returns the number of cached programs
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
