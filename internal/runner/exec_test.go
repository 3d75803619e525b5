package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/graph"
)

func TestExecRunner_CapturesStdout(t *testing.T) {
	r := NewExecRunner(t.TempDir())
	u := &graph.Unit{ID: "hello", Kind: graph.RunnerExec, Body: "printf 'hello world'"}

	out, err := r.Run(context.Background(), u, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), out)
}

func TestExecRunner_InputsExposedAsFiles(t *testing.T) {
	r := NewExecRunner(t.TempDir())
	u := &graph.Unit{
		ID:    "concat",
		Kind:  graph.RunnerExec,
		Body:  `cat "$KILN_INPUT_LEFT" "$KILN_INPUT_RIGHT"`,
		Needs: []string{"left", "right"},
	}

	out, err := r.Run(context.Background(), u, map[string][]byte{
		"left":  []byte("foo"),
		"right": []byte("bar"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("foobar"), out)
}

func TestExecRunner_ExplicitEnvOnly(t *testing.T) {
	t.Setenv("KILN_LEAKY", "should-not-leak")

	r := NewExecRunner(t.TempDir())
	u := &graph.Unit{
		ID:   "env",
		Kind: graph.RunnerExec,
		Body: `printf '%s|%s' "$GREETING" "$KILN_LEAKY"`,
		Env:  map[string]string{"GREETING": "hi"},
	}

	out, err := r.Run(context.Background(), u, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi|"), out, "ambient environment must not leak into units")
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	r := NewExecRunner(t.TempDir())
	u := &graph.Unit{ID: "boom", Kind: graph.RunnerExec, Body: "echo oops >&2; exit 3"}

	_, err := r.Run(context.Background(), u, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecution))
	assert.Contains(t, err.Error(), "oops")
}

func TestExecRunner_EmptyBody(t *testing.T) {
	r := NewExecRunner(t.TempDir())
	u := &graph.Unit{ID: "empty", Kind: graph.RunnerExec, Body: "  "}

	_, err := r.Run(context.Background(), u, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrMalformedUnit))
}

func TestExecRunner_ContextCancel(t *testing.T) {
	r := NewExecRunner(t.TempDir())
	u := &graph.Unit{ID: "sleepy", Kind: graph.RunnerExec, Body: "sleep 10"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, u, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "FETCH", envName("fetch"))
	assert.Equal(t, "FIT_MODEL", envName("fit-model"))
	assert.Equal(t, "STEP_2", envName("step.2"))
}
