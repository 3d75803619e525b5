package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/graph"
)

const sample = `
pipeline: demo
units:
  - id: fetch
    run: ./scripts/fetch.sh
    inputs: [scripts/fetch.sh, data/raw.csv]
  - id: clean
    needs: [fetch]
    run: ./scripts/clean.sh
    env:
      LOCALE: C
  - id: summarize
    needs: [clean]
    expr: |
      func Run(inputs map[string][]byte) ([]byte, error) {
        return inputs["clean"], nil
      }
`

func TestParse_Valid(t *testing.T) {
	m, err := Parse([]byte(sample), "kiln.yaml")
	require.NoError(t, err)

	assert.Equal(t, "demo", m.Pipeline)
	require.Len(t, m.Units, 3)
	assert.Equal(t, []string{"fetch"}, m.Units[1].Needs)
	assert.Equal(t, "C", m.Units[1].Env["LOCALE"])
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", `{{{`},
		{"missing pipeline name", "units:\n  - id: a\n    run: x"},
		{"no units", "pipeline: p"},
		{"missing id", "pipeline: p\nunits:\n  - run: x"},
		{"both run and expr", "pipeline: p\nunits:\n  - id: a\n    run: x\n    expr: y"},
		{"neither run nor expr", "pipeline: p\nunits:\n  - id: a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "test.yaml")
			assert.Error(t, err)
		})
	}
}

func TestGraph(t *testing.T) {
	m, err := Parse([]byte(sample), "kiln.yaml")
	require.NoError(t, err)

	g, err := m.Graph()
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "clean", "summarize"}, g.TopologicalOrder())

	fetch, ok := g.Unit("fetch")
	require.True(t, ok)
	assert.Equal(t, graph.RunnerExec, fetch.Kind)
	assert.Equal(t, "./scripts/fetch.sh", fetch.Body)

	sum, ok := g.Unit("summarize")
	require.True(t, ok)
	assert.Equal(t, graph.RunnerGoExpr, sum.Kind)
}

func TestGraph_CycleSurfaces(t *testing.T) {
	const cyclic = `
pipeline: p
units:
  - id: a
    needs: [b]
    run: x
  - id: b
    needs: [a]
    run: y
`
	m, err := Parse([]byte(cyclic), "kiln.yaml")
	require.NoError(t, err, "cycles are structural, caught at graph construction")

	_, err = m.Graph()
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrCycle)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Pipeline)

	_, err = Load(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestInputFiles_Deduplicated(t *testing.T) {
	const dup = `
pipeline: p
units:
  - id: a
    run: x
    inputs: [shared.csv, a.txt]
  - id: b
    run: y
    inputs: [shared.csv]
`
	m, err := Parse([]byte(dup), "kiln.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared.csv", "a.txt"}, m.InputFiles())
}
