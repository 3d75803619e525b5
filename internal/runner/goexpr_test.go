package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/graph"
)

func TestGoExprRunner_RunsBody(t *testing.T) {
	r := NewGoExprRunner()
	u := &graph.Unit{
		ID:   "upper",
		Kind: graph.RunnerGoExpr,
		Body: `
import "strings"

func Run(inputs map[string][]byte) ([]byte, error) {
	return []byte(strings.ToUpper(string(inputs["src"]))), nil
}`,
	}

	out, err := r.Run(context.Background(), u, map[string][]byte{"src": []byte("kiln")})
	require.NoError(t, err)
	assert.Equal(t, []byte("KILN"), out)
}

func TestGoExprRunner_BodyError(t *testing.T) {
	r := NewGoExprRunner()
	u := &graph.Unit{
		ID:   "fail",
		Kind: graph.RunnerGoExpr,
		Body: `
import "errors"

func Run(inputs map[string][]byte) ([]byte, error) {
	return nil, errors.New("no good")
}`,
	}

	_, err := r.Run(context.Background(), u, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecution))
	assert.Contains(t, err.Error(), "no good")
}

func TestGoExprRunner_RejectsForbiddenImport(t *testing.T) {
	r := NewGoExprRunner()
	u := &graph.Unit{
		ID:   "sneaky",
		Kind: graph.RunnerGoExpr,
		Body: `
import "os"

func Run(inputs map[string][]byte) ([]byte, error) {
	return []byte(os.Getenv("HOME")), nil
}`,
	}

	_, err := r.Run(context.Background(), u, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecution))
	assert.Contains(t, err.Error(), "not permitted")
}

func TestGoExprRunner_MissingRun(t *testing.T) {
	r := NewGoExprRunner()
	u := &graph.Unit{
		ID:   "norun",
		Kind: graph.RunnerGoExpr,
		Body: `func Other() {}`,
	}

	_, err := r.Run(context.Background(), u, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecution))
}

func TestGoExprRunner_WrongSignature(t *testing.T) {
	r := NewGoExprRunner()
	u := &graph.Unit{
		ID:   "badsig",
		Kind: graph.RunnerGoExpr,
		Body: `func Run(s string) string { return s }`,
	}

	_, err := r.Run(context.Background(), u, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecution))
}

func TestGoExprRunner_InputsAreCopies(t *testing.T) {
	r := NewGoExprRunner()
	u := &graph.Unit{
		ID:   "mutator",
		Kind: graph.RunnerGoExpr,
		Body: `
func Run(inputs map[string][]byte) ([]byte, error) {
	b := inputs["src"]
	if len(b) > 0 {
		b[0] = 'X'
	}
	return b, nil
}`,
	}

	src := []byte("abc")
	out, err := r.Run(context.Background(), u, map[string][]byte{"src": src})
	require.NoError(t, err)
	assert.Equal(t, []byte("Xbc"), out)
	assert.Equal(t, []byte("abc"), src, "runner must hand the body a copy")
}

func TestRegistry(t *testing.T) {
	reg := Defaults(t.TempDir())

	r, err := reg.For(graph.RunnerExec)
	require.NoError(t, err)
	assert.Equal(t, graph.RunnerExec, r.Kind())

	r, err = reg.For(graph.RunnerGoExpr)
	require.NoError(t, err)
	assert.Equal(t, graph.RunnerGoExpr, r.Kind())

	_, err = reg.For("python")
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrMalformedUnit))
}
