// Package graph defines the pipeline's computation units and the validated
// dependency DAG built from them.
package graph

// RunnerKind selects how a unit's body is executed.
type RunnerKind string

const (
	// RunnerExec runs the body as a shell command.
	RunnerExec RunnerKind = "exec"
	// RunnerGoExpr interprets the body as a Go function at runtime.
	RunnerGoExpr RunnerKind = "goexpr"
)

// Unit is a single named computation in the pipeline.
//
// Units are immutable once a Graph has been constructed from them; the
// Graph keeps its own copies so later mutation of the caller's slice has
// no effect.
type Unit struct {
	// ID uniquely names the unit within its graph.
	ID string

	// Needs lists the IDs of upstream units whose artifacts this unit reads.
	Needs []string

	// Kind selects the runner used to execute Body.
	Kind RunnerKind

	// Body is the unit's declared computation: a shell command for
	// RunnerExec, or Go source defining Run for RunnerGoExpr.
	Body string

	// Inputs are tracked file paths (relative to the workspace) whose
	// contents feed the unit's fingerprint.
	Inputs []string

	// Env is the explicit environment visible to the unit. Only these
	// variables are passed through; the ambient environment is not.
	Env map[string]string
}

func (u *Unit) clone() *Unit {
	cp := &Unit{
		ID:   u.ID,
		Kind: u.Kind,
		Body: u.Body,
	}
	if len(u.Needs) > 0 {
		cp.Needs = append([]string(nil), u.Needs...)
	}
	if len(u.Inputs) > 0 {
		cp.Inputs = append([]string(nil), u.Inputs...)
	}
	if len(u.Env) > 0 {
		cp.Env = make(map[string]string, len(u.Env))
		for k, v := range u.Env {
			cp.Env[k] = v
		}
	}
	return cp
}
