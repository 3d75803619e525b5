package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kiln/internal/fingerprint"
	"kiln/internal/graph"
	"kiln/internal/runner"
	"kiln/internal/store"
)

// Options configures a single run.
type Options struct {
	// Pipeline names the run in logs and the ledger.
	Pipeline string

	// Workers bounds concurrent unit executions. Zero means NumCPU.
	Workers int

	// NoCache forces execution of every unit; results are still stored.
	NoCache bool

	// Targets restricts the run to the named units plus their transitive
	// upstream closure. Empty means the whole graph.
	Targets []string
}

// Executor runs a graph against an artifact store.
//
// Units with no transitive dependency relation execute in parallel; only
// the topological partial order is enforced. All bookkeeping is guarded by
// one mutex, and unit bodies run outside it.
type Executor struct {
	graph   *graph.Graph
	engine  *fingerprint.Engine
	store   store.Store
	runners *runner.Registry
	ledger  *store.Index // optional; nil disables the run ledger
	logger  *zap.Logger
}

// New creates an Executor. ledger may be nil; logger may be nil for silent
// operation.
func New(g *graph.Graph, engine *fingerprint.Engine, st store.Store, runners *runner.Registry, ledger *store.Index, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		graph:   g,
		engine:  engine,
		store:   st,
		runners: runners,
		ledger:  ledger,
		logger:  logger,
	}
}

// runState is the mutable bookkeeping for one run, guarded by mu.
type runState struct {
	mu       sync.Mutex
	states   unitStates
	fps      map[string]fingerprint.Fingerprint
	outputs  map[string][]byte
	results  map[string]*UnitResult
	executed []string
}

// Run walks the graph and returns the partial-success report. The returned
// error is reserved for infrastructure faults (ledger I/O, state machine
// violations); unit failures land in the report, never here.
//
// Cancellation is honored between unit boundaries: units not yet dispatched
// are marked Skipped(canceled), in-flight units see the context and abort.
func (e *Executor) Run(ctx context.Context, opts Options) (*Report, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	selected, err := e.selectUnits(opts.Targets)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	started := time.Now()
	e.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("pipeline", opts.Pipeline),
		zap.Int("units", len(selected)),
		zap.Int("workers", workers))

	rs := &runState{
		states:  make(unitStates, len(selected)),
		fps:     make(map[string]fingerprint.Fingerprint, len(selected)),
		outputs: make(map[string][]byte, len(selected)),
		results: make(map[string]*UnitResult, len(selected)),
	}
	for id := range selected {
		rs.states[id] = StatusPending
	}

	if e.ledger != nil {
		if err := e.ledger.BeginRun(ctx, runID, opts.Pipeline, started); err != nil {
			return nil, err
		}
	}

	// Depth-staged dispatch: all units at depth d are terminal before any
	// unit at depth d+1 starts, so upstream fingerprints and outputs are
	// always resolved when a unit is considered.
	stages := e.stageByDepth(selected)
	for _, stage := range stages {
		var g errgroup.Group
		g.SetLimit(workers)

		for _, id := range stage {
			id := id

			rs.mu.Lock()
			if reason := e.skipReason(ctx, rs, id); reason != SkipNone {
				if err := rs.states.transition(id, StatusPending, StatusSkipped); err != nil {
					rs.mu.Unlock()
					return nil, err
				}
				rs.results[id] = &UnitResult{ID: id, Status: StatusSkipped, SkipReason: reason}
				rs.mu.Unlock()
				e.logger.Info("unit skipped", zap.String("run_id", runID),
					zap.String("unit", id), zap.String("reason", string(reason)))
				continue
			}
			rs.mu.Unlock()

			g.Go(func() error {
				return e.runUnit(ctx, rs, runID, id, opts.NoCache)
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	finished := time.Now()
	report := &Report{
		RunID:    runID,
		Pipeline: opts.Pipeline,
		Started:  started,
		Finished: finished,
		Outcome:  classify(rs.results),
		Units:    rs.results,
		Executed: rs.executed,
	}

	if e.ledger != nil {
		for _, res := range rs.results {
			rec := store.UnitRecord{
				RunID:       runID,
				UnitID:      res.ID,
				Status:      string(res.Status),
				Fingerprint: res.Fingerprint,
				CacheHit:    res.CacheHit,
				Error:       res.Err,
				Duration:    res.Duration,
			}
			if err := e.ledger.RecordUnit(ctx, rec); err != nil {
				return nil, err
			}
		}
		if err := e.ledger.FinishRun(ctx, runID, string(report.Outcome), finished); err != nil {
			return nil, err
		}
	}

	done, hits, failedCount, skipped := report.Counts()
	e.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.String("outcome", string(report.Outcome)),
		zap.Int("done", done),
		zap.Int("cache_hits", hits),
		zap.Int("failed", failedCount),
		zap.Int("skipped", skipped),
		zap.Duration("elapsed", finished.Sub(started)))
	return report, nil
}

// skipReason decides, at dispatch time, whether id must be skipped.
// Callers hold rs.mu.
func (e *Executor) skipReason(ctx context.Context, rs *runState, id string) SkipReason {
	if ctx.Err() != nil {
		return SkipCanceled
	}
	u, _ := e.graph.Unit(id)
	for _, need := range u.Needs {
		if !rs.states[need].Satisfies() {
			return SkipUpstreamFailed
		}
	}
	return SkipNone
}

// runUnit drives one unit through its state machine. Unit-level failures
// are recorded in rs; only invariant violations return an error.
func (e *Executor) runUnit(ctx context.Context, rs *runState, runID, id string, noCache bool) error {
	u, ok := e.graph.Unit(id)
	if !ok {
		return errors.New("unit vanished from graph: " + id)
	}
	start := time.Now()

	rs.mu.Lock()
	upstream := make(map[string]fingerprint.Fingerprint, len(u.Needs))
	for _, need := range u.Needs {
		upstream[need] = rs.fps[need]
	}
	rs.mu.Unlock()

	fp, err := e.engine.Compute(u, upstream)
	if err != nil {
		return e.finish(rs, id, StatusPending, &UnitResult{
			ID: id, Status: StatusFailed, Err: err.Error(),
			Started: start, Duration: time.Since(start),
		})
	}

	rs.mu.Lock()
	if err := rs.states.transition(id, StatusPending, StatusHashed); err != nil {
		rs.mu.Unlock()
		return err
	}
	rs.fps[id] = fp
	rs.mu.Unlock()

	if !noCache {
		art, err := e.store.Get(ctx, fp)
		switch {
		case err == nil:
			e.logger.Debug("cache hit", zap.String("run_id", runID),
				zap.String("unit", id), zap.String("fingerprint", fp.Short()))
			rs.mu.Lock()
			if terr := rs.states.transition(id, StatusHashed, StatusDone); terr != nil {
				rs.mu.Unlock()
				return terr
			}
			rs.outputs[id] = art.Output
			rs.results[id] = &UnitResult{
				ID: id, Status: StatusDone, Fingerprint: fp, CacheHit: true,
				Started: start, Duration: time.Since(start),
			}
			rs.mu.Unlock()
			return nil
		case errors.Is(err, store.ErrNotFound):
			// Cache miss; execute below.
		default:
			// Storage fault that survived the read retries.
			return e.finish(rs, id, StatusHashed, &UnitResult{
				ID: id, Status: StatusFailed, Fingerprint: fp, Err: err.Error(),
				Started: start, Duration: time.Since(start),
			})
		}
	}

	rn, err := e.runners.For(u.Kind)
	if err != nil {
		return e.finish(rs, id, StatusHashed, &UnitResult{
			ID: id, Status: StatusFailed, Fingerprint: fp, Err: err.Error(),
			Started: start, Duration: time.Since(start),
		})
	}

	rs.mu.Lock()
	if err := rs.states.transition(id, StatusHashed, StatusRunning); err != nil {
		rs.mu.Unlock()
		return err
	}
	rs.executed = append(rs.executed, id)
	inputs := make(map[string][]byte, len(u.Needs))
	for _, need := range u.Needs {
		inputs[need] = rs.outputs[need]
	}
	rs.mu.Unlock()

	e.logger.Debug("executing unit", zap.String("run_id", runID),
		zap.String("unit", id), zap.String("fingerprint", fp.Short()))

	output, err := rn.Run(ctx, u, inputs)
	if err != nil {
		e.logger.Warn("unit failed", zap.String("run_id", runID),
			zap.String("unit", id), zap.Error(err))
		return e.finish(rs, id, StatusRunning, &UnitResult{
			ID: id, Status: StatusFailed, Fingerprint: fp, Err: err.Error(),
			Started: start, Duration: time.Since(start),
		})
	}

	art := &store.Artifact{
		Fingerprint: fp,
		UnitID:      id,
		RunID:       runID,
		CreatedAt:   time.Now().UTC(),
		Output:      output,
	}
	if err := e.store.Put(ctx, art); err != nil {
		// Write errors fail the unit: downstream must not consume an
		// output that was never committed.
		return e.finish(rs, id, StatusRunning, &UnitResult{
			ID: id, Status: StatusFailed, Fingerprint: fp, Err: err.Error(),
			Started: start, Duration: time.Since(start),
		})
	}

	rs.mu.Lock()
	if err := rs.states.transition(id, StatusRunning, StatusDone); err != nil {
		rs.mu.Unlock()
		return err
	}
	rs.outputs[id] = output
	rs.results[id] = &UnitResult{
		ID: id, Status: StatusDone, Fingerprint: fp,
		Started: start, Duration: time.Since(start),
	}
	rs.mu.Unlock()
	return nil
}

// finish records a failed terminal result, transitioning from the given
// state.
func (e *Executor) finish(rs *runState, id string, from Status, res *UnitResult) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.states.transition(id, from, res.Status); err != nil {
		return err
	}
	rs.results[id] = res
	return nil
}

// selectUnits resolves the target set: the whole graph, or the closure of
// the named targets.
func (e *Executor) selectUnits(targets []string) (map[string]struct{}, error) {
	var ids []string
	if len(targets) == 0 {
		ids = e.graph.TopologicalOrder()
	} else {
		closure, err := e.graph.Closure(targets)
		if err != nil {
			return nil, err
		}
		ids = closure
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// stageByDepth buckets the selected units by topological depth. Within a
// stage the order is the graph's canonical (lexical) order.
func (e *Executor) stageByDepth(selected map[string]struct{}) [][]string {
	stages := make([][]string, e.graph.MaxDepth()+1)
	for _, id := range e.graph.TopologicalOrder() {
		if _, ok := selected[id]; !ok {
			continue
		}
		d, _ := e.graph.Depth(id)
		stages[d] = append(stages[d], id)
	}
	return stages
}
