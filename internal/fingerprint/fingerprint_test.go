package fingerprint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/graph"
)

func TestCompute_Deterministic(t *testing.T) {
	e := NewEngine(t.TempDir())
	u := &graph.Unit{
		ID:   "build",
		Kind: graph.RunnerExec,
		Body: "make all",
		Env:  map[string]string{"CC": "gcc", "ARCH": "amd64"},
	}

	fp1, err := e.Compute(u, nil)
	require.NoError(t, err)
	fp2, err := e.Compute(u, nil)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, string(fp1), 64)
}

func TestCompute_BodyChangesFingerprint(t *testing.T) {
	e := NewEngine(t.TempDir())
	a := &graph.Unit{ID: "u", Kind: graph.RunnerExec, Body: "echo 1"}
	b := &graph.Unit{ID: "u", Kind: graph.RunnerExec, Body: "echo 2"}

	fa, err := e.Compute(a, nil)
	require.NoError(t, err)
	fb, err := e.Compute(b, nil)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestCompute_UpstreamPropagates(t *testing.T) {
	e := NewEngine(t.TempDir())
	u := &graph.Unit{ID: "down", Needs: []string{"up"}, Kind: graph.RunnerExec, Body: "sort"}

	f1, err := e.Compute(u, map[string]Fingerprint{"up": "aaa"})
	require.NoError(t, err)
	f2, err := e.Compute(u, map[string]Fingerprint{"up": "bbb"})
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2, "changed upstream fingerprint must change the unit's fingerprint")
}

func TestCompute_EnvOrderIrrelevant(t *testing.T) {
	e := NewEngine(t.TempDir())
	a := &graph.Unit{ID: "u", Body: "x", Env: map[string]string{"A": "1", "B": "2"}}
	b := &graph.Unit{ID: "u", Body: "x", Env: map[string]string{"B": "2", "A": "1"}}

	fa, err := e.Compute(a, nil)
	require.NoError(t, err)
	fb, err := e.Compute(b, nil)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestCompute_MissingUpstreamIsMalformed(t *testing.T) {
	e := NewEngine(t.TempDir())
	u := &graph.Unit{ID: "down", Needs: []string{"ghost"}, Body: "x"}

	_, err := e.Compute(u, map[string]Fingerprint{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrMalformedUnit))
}

func TestCompute_InputFileContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("1,2,3\n"), 0644))

	e := NewEngine(dir)
	u := &graph.Unit{ID: "u", Body: "wc -l", Inputs: []string{"data.csv"}}

	f1, err := e.Compute(u, nil)
	require.NoError(t, err)

	// Same content, same fingerprint.
	f2, err := e.Compute(u, nil)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	// Changed content, new fingerprint.
	require.NoError(t, os.WriteFile(path, []byte("4,5,6\n"), 0644))
	f3, err := e.Compute(u, nil)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}

func TestCompute_MissingInputFile(t *testing.T) {
	e := NewEngine(t.TempDir())
	u := &graph.Unit{ID: "u", Body: "x", Inputs: []string{"absent.txt"}}

	_, err := e.Compute(u, nil)
	require.Error(t, err)
}

// Field framing: moving a byte between adjacent fields must change the digest.
func TestCompute_FieldBoundaries(t *testing.T) {
	e := NewEngine(t.TempDir())
	a := &graph.Unit{ID: "ab", Body: "c"}
	b := &graph.Unit{ID: "a", Body: "bc"}

	fa, err := e.Compute(a, nil)
	require.NoError(t, err)
	fb, err := e.Compute(b, nil)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Fingerprint("abc").Short())
	long := Fingerprint("0123456789abcdef0123456789abcdef")
	assert.Equal(t, "0123456789ab", long.Short())
}
