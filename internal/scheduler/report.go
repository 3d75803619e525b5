package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"kiln/internal/fingerprint"
)

// Outcome classifies a finished run as a whole.
type Outcome string

const (
	// OutcomeSuccess: every selected unit finished Done.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial: some units finished Done, others failed or were skipped.
	OutcomePartial Outcome = "partial_failure"
	// OutcomeFailure: no selected unit finished Done.
	OutcomeFailure Outcome = "failure"
)

// UnitResult is the terminal record for one unit in a run.
type UnitResult struct {
	ID          string
	Status      Status
	SkipReason  SkipReason
	Fingerprint fingerprint.Fingerprint
	CacheHit    bool
	Err         string
	Started     time.Time
	Duration    time.Duration
}

// Report is the partial-success report for a whole run. A failed unit never
// aborts the run; it surfaces here as a per-unit terminal status.
type Report struct {
	RunID    string
	Pipeline string
	Started  time.Time
	Finished time.Time
	Outcome  Outcome

	// Units holds a terminal result for every selected unit.
	Units map[string]*UnitResult

	// Executed lists the units that actually ran (cache misses), in
	// dispatch order.
	Executed []string
}

// Counts returns how many units landed in each terminal state.
func (r *Report) Counts() (done, cacheHits, failed, skipped int) {
	for _, u := range r.Units {
		switch u.Status {
		case StatusDone:
			done++
			if u.CacheHit {
				cacheHits++
			}
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}

// Summary renders a one-unit-per-line report for the CLI.
func (r *Report) Summary() string {
	ids := make([]string, 0, len(r.Units))
	for id := range r.Units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		u := r.Units[id]
		switch {
		case u.Status == StatusDone && u.CacheHit:
			fmt.Fprintf(&b, "  %-20s cached   %s\n", id, u.Fingerprint.Short())
		case u.Status == StatusDone:
			fmt.Fprintf(&b, "  %-20s done     %s  (%s)\n", id, u.Fingerprint.Short(), u.Duration.Round(time.Millisecond))
		case u.Status == StatusFailed:
			fmt.Fprintf(&b, "  %-20s FAILED   %s\n", id, u.Err)
		case u.Status == StatusSkipped:
			fmt.Fprintf(&b, "  %-20s skipped  (%s)\n", id, u.SkipReason)
		default:
			fmt.Fprintf(&b, "  %-20s %s\n", id, u.Status)
		}
	}
	done, hits, failed, skipped := r.Counts()
	fmt.Fprintf(&b, "%s: %d done (%d cached), %d failed, %d skipped\n",
		r.Outcome, done, hits, failed, skipped)
	return b.String()
}

func classify(units map[string]*UnitResult) Outcome {
	done, failed := 0, 0
	for _, u := range units {
		switch u.Status {
		case StatusDone:
			done++
		case StatusFailed:
			failed++
		}
	}
	switch {
	case done == len(units):
		return OutcomeSuccess
	case done > 0:
		return OutcomePartial
	default:
		return OutcomeFailure
	}
}
