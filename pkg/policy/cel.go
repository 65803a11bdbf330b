package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// whenEvaluator compiles and caches the optional CEL guards attached to
// permission constraints. Guards see a single `request` map with the
// request's enforcement attributes.
type whenEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	progs map[string]cel.Program
}

func newWhenEvaluator() (*whenEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &whenEvaluator{
		env:   env,
		progs: make(map[string]cel.Program),
	}, nil
}

func (w *whenEvaluator) eval(expr string, request map[string]any) (bool, error) {
	w.mu.RLock()
	prg, hit := w.progs[expr]
	w.mu.RUnlock()

	if !hit {
		w.mu.Lock()
		if prg, hit = w.progs[expr]; !hit {
			ast, issues := w.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				w.mu.Unlock()
				return false, fmt.Errorf("compile when guard: %w", issues.Err())
			}
			p, err := w.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				w.mu.Unlock()
				return false, fmt.Errorf("build when guard: %w", err)
			}
			w.progs[expr] = p
			prg = p
		}
		w.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"request": request})
	if err != nil {
		return false, fmt.Errorf("eval when guard: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("when guard result is %T, want bool", out.Value())
	}
	return allowed, nil
}
