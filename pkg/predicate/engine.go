// Package predicate evaluates template applicability expressions (CEL)
// against a client's local day.
package predicate

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// Engine compiles and caches CEL programs.
type Engine struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("client", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("day_index", cel.IntType),
		cel.Variable("weekday", cel.StringType),
		cel.Variable("date", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Engine{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Vars builds the activation for client on local date d.
func Vars(c contracts.ClientProfile, d contracts.Date) map[string]any {
	days := make([]int64, 0, len(c.TrainingDays))
	for _, td := range c.TrainingDays {
		days = append(days, int64(td))
	}
	targets := make(map[string]any, len(c.Targets))
	for k, v := range c.Targets {
		targets[string(k)] = int64(v)
	}
	return map[string]any{
		"client": map[string]any{
			"id":            c.ID,
			"goal":          string(c.Goal),
			"training_days": days,
			"targets":       targets,
		},
		"day_index": int64(c.DayIndex(d)),
		"weekday":   d.Weekday().String(),
		"date":      d.String(),
	}
}

// Compile checks an expression without evaluating it.
func (e *Engine) Compile(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression; the empty expression is always true.
func (e *Engine) Evaluate(expression string, vars map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("predicate %q did not return bool", expression)
	}
	return ok, nil
}

func (e *Engine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expression]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	// double-checked: another goroutine may have compiled it meanwhile
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expression]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("predicate %q must evaluate to bool, got %s", expression, out)
	}
	p, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	e.prgCache[expression] = p
	return p, nil
}
