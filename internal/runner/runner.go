// Package runner executes unit bodies. Each runner kind turns a declared
// body plus the upstream artifacts into output bytes.
package runner

import (
	"context"
	"errors"
	"fmt"

	"kiln/internal/graph"
)

// ErrExecution reports that a unit's body ran and failed (non-zero exit,
// interpreter error, or a Run function returning an error).
var ErrExecution = errors.New("execution failed")

// Runner executes a single unit body.
type Runner interface {
	// Kind reports which unit bodies this runner handles.
	Kind() graph.RunnerKind

	// Run executes u's body with the upstream artifacts as inputs, keyed by
	// upstream unit ID, and returns the unit's output payload.
	Run(ctx context.Context, u *graph.Unit, inputs map[string][]byte) ([]byte, error)
}

// Registry resolves runners by kind.
type Registry struct {
	byKind map[graph.RunnerKind]Runner
}

// NewRegistry builds a registry from the given runners.
func NewRegistry(runners ...Runner) *Registry {
	r := &Registry{byKind: make(map[graph.RunnerKind]Runner, len(runners))}
	for _, rn := range runners {
		r.byKind[rn.Kind()] = rn
	}
	return r
}

// For returns the runner handling the given kind.
func (r *Registry) For(kind graph.RunnerKind) (Runner, error) {
	rn, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no runner for kind %q", graph.ErrMalformedUnit, kind)
	}
	return rn, nil
}

// Defaults returns a registry with the exec and goexpr runners, executing
// shell bodies from workDir.
func Defaults(workDir string) *Registry {
	return NewRegistry(NewExecRunner(workDir), NewGoExprRunner())
}
