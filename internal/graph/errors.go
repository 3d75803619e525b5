package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedUnit reports a unit whose declaration cannot be used as-is:
// an empty or duplicate identifier, a reference to an upstream unit that
// does not exist in the graph, or a self-reference.
var ErrMalformedUnit = errors.New("malformed unit")

// ErrCycle reports that the declared dependencies are not acyclic.
var ErrCycle = errors.New("dependency cycle")

// CycleError carries the offending cycle as a path of unit IDs. It wraps
// ErrCycle so callers can match with errors.Is.
type CycleError struct {
	// Path is the cycle in dependency order; the first ID repeats at the end.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

func malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedUnit, fmt.Sprintf(format, args...))
}
