// Package scheduler walks a validated graph in dependency order, satisfies
// units from the artifact store when their fingerprint is already realized,
// executes the rest, and reports a terminal status for every unit.
package scheduler

import "fmt"

// Status is a unit's position in its execution state machine:
//
//	pending -> hashed -> done            (cache hit)
//	pending -> hashed -> running -> done (cache miss, success)
//	pending -> hashed -> running -> failed
//	pending|hashed -> skipped            (upstream failure or cancellation)
type Status string

const (
	StatusPending Status = "pending"
	StatusHashed  Status = "hashed" // fingerprint resolved, cache not yet consulted
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// SkipReason says why a unit was skipped rather than executed.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipUpstreamFailed SkipReason = "upstream_failed"
	SkipCanceled       SkipReason = "canceled"
)

// IsTerminal reports whether s is a finished state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Satisfies reports whether a unit in state s satisfies its dependents.
func (s Status) Satisfies() bool { return s == StatusDone }

// unitStates tracks per-unit status under the executor's lock.
type unitStates map[string]Status

// transition performs a validated state change. The caller supplies the
// expected prior state so concurrent misuse surfaces as an error instead of
// silent corruption.
func (st unitStates) transition(id string, from, to Status) error {
	cur, ok := st[id]
	if !ok {
		return fmt.Errorf("unknown unit %q in state table", id)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, found %s", id, from, cur)
	}
	if !allowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", id, from, to)
	}
	st[id] = to
	return nil
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		// pending -> failed covers fingerprint resolution failures
		// (e.g. a tracked input file that cannot be read).
		return to == StatusHashed || to == StatusSkipped || to == StatusFailed
	case StatusHashed:
		return to == StatusDone || to == StatusRunning || to == StatusSkipped || to == StatusFailed
	case StatusRunning:
		return to == StatusDone || to == StatusFailed
	default:
		return false
	}
}
