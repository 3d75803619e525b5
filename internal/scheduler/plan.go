package scheduler

import (
	"context"

	"kiln/internal/fingerprint"
)

// PlanEntry is the dry-run view of one unit: its resolved fingerprint and
// whether the store would satisfy it without execution.
type PlanEntry struct {
	ID          string
	Depth       int
	Fingerprint fingerprint.Fingerprint
	Cached      bool
	Err         string // fingerprint resolution failure, if any
}

// Plan resolves fingerprints for the selected units in topological order
// and probes the store, executing nothing. Entries whose upstream could not
// be fingerprinted carry an empty fingerprint and the upstream's error.
func (e *Executor) Plan(ctx context.Context, opts Options) ([]PlanEntry, error) {
	selected, err := e.selectUnits(opts.Targets)
	if err != nil {
		return nil, err
	}

	fps := make(map[string]fingerprint.Fingerprint, len(selected))
	var entries []PlanEntry

	for _, id := range e.graph.TopologicalOrder() {
		if _, ok := selected[id]; !ok {
			continue
		}
		u, _ := e.graph.Unit(id)
		depth, _ := e.graph.Depth(id)
		entry := PlanEntry{ID: id, Depth: depth}

		blocked := false
		for _, need := range u.Needs {
			if _, ok := fps[need]; !ok {
				blocked = true
				break
			}
		}
		if blocked {
			entry.Err = "upstream fingerprint unresolved"
			entries = append(entries, entry)
			continue
		}

		fp, err := e.engine.Compute(u, fps)
		if err != nil {
			entry.Err = err.Error()
			entries = append(entries, entry)
			continue
		}
		fps[id] = fp
		entry.Fingerprint = fp

		cached, err := e.store.Has(ctx, fp)
		if err != nil {
			entry.Err = err.Error()
		}
		entry.Cached = cached
		entries = append(entries, entry)
	}
	return entries, nil
}
