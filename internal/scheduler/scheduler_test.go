package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kiln/internal/fingerprint"
	"kiln/internal/graph"
	"kiln/internal/runner"
	"kiln/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner executes units in memory and records which ones ran.
type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	fail    map[string]bool
	block   chan struct{} // if set, Run waits for close or ctx
	inFly   int
	maxInFly int
}

func (f *fakeRunner) Kind() graph.RunnerKind { return graph.RunnerExec }

func (f *fakeRunner) Run(ctx context.Context, u *graph.Unit, inputs map[string][]byte) ([]byte, error) {
	f.mu.Lock()
	f.ran = append(f.ran, u.ID)
	f.inFly++
	if f.inFly > f.maxInFly {
		f.maxInFly = f.inFly
	}
	block := f.block
	shouldFail := f.fail[u.ID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFly--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail {
		return nil, fmt.Errorf("%w: unit %q: synthetic failure", runner.ErrExecution, u.ID)
	}

	// Output derives from inputs so downstream bodies see real data flow.
	out := []byte(u.ID + ":" + u.Body)
	for _, b := range inputs {
		out = append(out, b...)
	}
	return out, nil
}

func (f *fakeRunner) executions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type fixture struct {
	exec  *Executor
	fake  *fakeRunner
	store store.Store
	dir   string
}

func newFixture(t *testing.T, units []Unit) *fixture {
	t.Helper()
	return newFixtureWithStore(t, units, store.NewMemStore())
}

// Unit aliases graph.Unit so test tables stay compact.
type Unit = graph.Unit

func newFixtureWithStore(t *testing.T, units []Unit, st store.Store) *fixture {
	t.Helper()
	g, err := graph.New(units)
	require.NoError(t, err)

	dir := t.TempDir()
	fake := &fakeRunner{fail: make(map[string]bool)}
	exec := New(g, fingerprint.NewEngine(dir), st, runner.NewRegistry(fake), nil, nil)
	return &fixture{exec: exec, fake: fake, store: st, dir: dir}
}

func diamond() []Unit {
	return []Unit{
		{ID: "a", Kind: graph.RunnerExec, Body: "gen"},
		{ID: "b", Needs: []string{"a"}, Kind: graph.RunnerExec, Body: "left"},
		{ID: "c", Needs: []string{"a"}, Kind: graph.RunnerExec, Body: "right"},
		{ID: "d", Needs: []string{"b", "c"}, Kind: graph.RunnerExec, Body: "join"},
	}
}

func TestRun_AllUnitsExecuteOnce(t *testing.T) {
	f := newFixture(t, diamond())

	report, err := f.exec.Run(context.Background(), Options{Pipeline: "p"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Len(t, report.Units, 4)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, f.fake.executions())
	for id, u := range report.Units {
		assert.Equal(t, StatusDone, u.Status, "unit %s", id)
		assert.False(t, u.CacheHit)
		assert.NotEmpty(t, u.Fingerprint)
	}
}

func TestRun_SecondRunIsFullCacheHit(t *testing.T) {
	f := newFixture(t, diamond())
	ctx := context.Background()

	_, err := f.exec.Run(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, f.fake.executions(), 4)

	report, err := f.exec.Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Len(t, f.fake.executions(), 4, "second run must perform zero executions")
	assert.Empty(t, report.Executed)
	for id, u := range report.Units {
		assert.True(t, u.CacheHit, "unit %s should be a cache hit", id)
	}
}

func TestRun_BodyChangeInvalidatesDownstreamOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	f1 := newFixtureWithStore(t, diamond(), st)
	_, err := f1.exec.Run(ctx, Options{})
	require.NoError(t, err)

	// Change b's body; a and the sibling branch c must stay cached, b and
	// its descendant d must re-execute.
	units := diamond()
	units[1].Body = "left-v2"
	f2 := newFixtureWithStore(t, units, st)
	// Same workspace irrelevant here: no tracked files.

	report, err := f2.exec.Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.ElementsMatch(t, []string{"b", "d"}, f2.fake.executions())
	assert.True(t, report.Units["a"].CacheHit)
	assert.True(t, report.Units["c"].CacheHit)
	assert.False(t, report.Units["b"].CacheHit)
	assert.False(t, report.Units["d"].CacheHit)
}

func TestRun_FailurePropagatesAsSkip(t *testing.T) {
	f := newFixture(t, diamond())
	f.fake.fail["b"] = true

	report, err := f.exec.Run(context.Background(), Options{})
	require.NoError(t, err, "a failing unit must not abort the run")

	assert.Equal(t, OutcomePartial, report.Outcome)
	assert.Equal(t, StatusDone, report.Units["a"].Status)
	assert.Equal(t, StatusFailed, report.Units["b"].Status)
	assert.Contains(t, report.Units["b"].Err, "synthetic failure")
	assert.Equal(t, StatusDone, report.Units["c"].Status, "sibling branch is unaffected")
	assert.Equal(t, StatusSkipped, report.Units["d"].Status)
	assert.Equal(t, SkipUpstreamFailed, report.Units["d"].SkipReason)
	assert.NotContains(t, f.fake.executions(), "d", "skipped units are never executed")
}

func TestRun_RootFailureSkipsEverythingDownstream(t *testing.T) {
	f := newFixture(t, diamond())
	f.fake.fail["a"] = true

	report, err := f.exec.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailure, report.Outcome)
	assert.Equal(t, StatusFailed, report.Units["a"].Status)
	for _, id := range []string{"b", "c", "d"} {
		assert.Equal(t, StatusSkipped, report.Units[id].Status, "unit %s", id)
		assert.Equal(t, SkipUpstreamFailed, report.Units[id].SkipReason)
	}
	assert.Equal(t, []string{"a"}, f.fake.executions())
}

func TestRun_FailedUnitsRetryNextRun(t *testing.T) {
	f := newFixture(t, diamond())
	f.fake.fail["b"] = true
	ctx := context.Background()

	_, err := f.exec.Run(ctx, Options{})
	require.NoError(t, err)

	// Fix the failure; the next run reuses a and c, executes b and d.
	f.fake.mu.Lock()
	f.fake.fail["b"] = false
	f.fake.ran = nil
	f.fake.mu.Unlock()

	report, err := f.exec.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.ElementsMatch(t, []string{"b", "d"}, f.fake.executions())
}

func TestRun_Targets(t *testing.T) {
	f := newFixture(t, diamond())

	report, err := f.exec.Run(context.Background(), Options{Targets: []string{"b"}})
	require.NoError(t, err)

	assert.Len(t, report.Units, 2, "target closure is a and b only")
	assert.ElementsMatch(t, []string{"a", "b"}, f.fake.executions())

	_, err = f.exec.Run(context.Background(), Options{Targets: []string{"ghost"}})
	require.Error(t, err)
}

func TestRun_NoCacheForcesExecution(t *testing.T) {
	f := newFixture(t, diamond())
	ctx := context.Background()

	_, err := f.exec.Run(ctx, Options{})
	require.NoError(t, err)

	report, err := f.exec.Run(ctx, Options{NoCache: true})
	require.NoError(t, err)
	assert.Len(t, f.fake.executions(), 8)
	for _, u := range report.Units {
		assert.False(t, u.CacheHit)
	}
}

func TestRun_ParallelWithinStage(t *testing.T) {
	// Wide stage: one root, eight independent children.
	units := []Unit{{ID: "root", Kind: graph.RunnerExec, Body: "r"}}
	for i := 0; i < 8; i++ {
		units = append(units, Unit{
			ID: fmt.Sprintf("leaf%d", i), Needs: []string{"root"},
			Kind: graph.RunnerExec, Body: "leaf",
		})
	}
	f := newFixture(t, units)
	f.fake.block = make(chan struct{})

	done := make(chan *Report, 1)
	go func() {
		r, err := f.exec.Run(context.Background(), Options{Workers: 4})
		if err != nil {
			panic(err)
		}
		done <- r
	}()

	// Wait until the scheduler has saturated its worker limit.
	require.Eventually(t, func() bool {
		f.fake.mu.Lock()
		defer f.fake.mu.Unlock()
		return f.fake.maxInFly >= 4
	}, 5*time.Second, 5*time.Millisecond)

	close(f.fake.block)
	report := <-done

	assert.Equal(t, OutcomeSuccess, report.Outcome)
	f.fake.mu.Lock()
	max := f.fake.maxInFly
	f.fake.mu.Unlock()
	assert.LessOrEqual(t, max, 4, "worker limit must bound concurrency")
}

func TestRun_CancellationSkipsPendingUnits(t *testing.T) {
	f := newFixture(t, diamond())
	f.fake.block = make(chan struct{}) // never closed; units abort on ctx

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Report, 1)
	go func() {
		r, err := f.exec.Run(ctx, Options{Workers: 1})
		if err != nil {
			panic(err)
		}
		done <- r
	}()

	require.Eventually(t, func() bool {
		return len(f.fake.executions()) >= 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	report := <-done

	// The in-flight unit aborted; everything not yet dispatched was skipped,
	// and the run still completed with a report.
	assert.Equal(t, StatusFailed, report.Units["a"].Status)
	for _, id := range []string{"b", "c", "d"} {
		assert.Equal(t, StatusSkipped, report.Units[id].Status, "unit %s", id)
	}
	assert.Len(t, f.fake.executions(), 1)
}

func TestRun_GoExprUnitsFlowThroughPipeline(t *testing.T) {
	units := []Unit{
		{ID: "seed", Kind: graph.RunnerExec, Body: "seed"},
		{ID: "shout", Needs: []string{"seed"}, Kind: graph.RunnerGoExpr, Body: `
import "strings"

func Run(inputs map[string][]byte) ([]byte, error) {
	return []byte(strings.ToUpper(string(inputs["seed"]))), nil
}`},
	}
	g, err := graph.New(units)
	require.NoError(t, err)

	fake := &fakeRunner{fail: make(map[string]bool)}
	reg := runner.NewRegistry(fake, runner.NewGoExprRunner())
	st := store.NewMemStore()
	exec := New(g, fingerprint.NewEngine(t.TempDir()), st, reg, nil, nil)

	report, err := exec.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, report.Outcome)

	art, err := st.Get(context.Background(), report.Units["shout"].Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "SEED:SEED", string(art.Output))
}

func TestRun_LedgerRecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer fs.Close()

	g, err := graph.New(diamond())
	require.NoError(t, err)
	fake := &fakeRunner{fail: map[string]bool{"b": true}}
	exec := New(g, fingerprint.NewEngine(t.TempDir()), fs, runner.NewRegistry(fake), fs.Index(), nil)

	report, err := exec.Run(ctx, Options{Pipeline: "ledger-test"})
	require.NoError(t, err)

	runs, err := fs.Index().RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ledger-test", runs[0].Pipeline)
	assert.Equal(t, string(OutcomePartial), runs[0].Outcome)
	assert.Equal(t, report.RunID, runs[0].RunID)

	units, err := fs.Index().RunUnits(ctx, report.RunID)
	require.NoError(t, err)
	assert.Len(t, units, 4)
}
