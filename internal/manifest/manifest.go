// Package manifest loads the pipeline definition file (kiln.yaml) and turns
// it into graph units.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"kiln/internal/graph"
)

// DefaultFile is the manifest filename looked up in the workspace root.
const DefaultFile = "kiln.yaml"

// Manifest is the parsed pipeline definition.
type Manifest struct {
	// Pipeline names the pipeline in logs, reports, and the run ledger.
	Pipeline string `yaml:"pipeline"`

	Units []UnitSpec `yaml:"units"`
}

// UnitSpec declares one computation unit. Exactly one of Run or Expr must
// be set: Run is a shell command, Expr is Go source interpreted at runtime.
type UnitSpec struct {
	ID     string            `yaml:"id"`
	Needs  []string          `yaml:"needs,omitempty"`
	Run    string            `yaml:"run,omitempty"`
	Expr   string            `yaml:"expr,omitempty"`
	Inputs []string          `yaml:"inputs,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse validates manifest bytes. name is used in error messages only.
func Parse(data []byte, name string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", name, err)
	}
	if m.Pipeline == "" {
		return nil, fmt.Errorf("manifest %s: pipeline name is required", name)
	}
	if len(m.Units) == 0 {
		return nil, fmt.Errorf("manifest %s: at least one unit is required", name)
	}
	for i, u := range m.Units {
		if u.ID == "" {
			return nil, fmt.Errorf("manifest %s: units[%d]: id is required", name, i)
		}
		if (u.Run == "") == (u.Expr == "") {
			return nil, fmt.Errorf("manifest %s: unit %q: exactly one of run or expr must be set", name, u.ID)
		}
	}
	return &m, nil
}

// Graph builds the validated dependency graph from the manifest. Structural
// problems (duplicate IDs, unknown needs, cycles) surface here.
func (m *Manifest) Graph() (*graph.Graph, error) {
	units := make([]graph.Unit, 0, len(m.Units))
	for _, spec := range m.Units {
		u := graph.Unit{
			ID:     spec.ID,
			Needs:  spec.Needs,
			Inputs: spec.Inputs,
			Env:    spec.Env,
		}
		if spec.Run != "" {
			u.Kind = graph.RunnerExec
			u.Body = spec.Run
		} else {
			u.Kind = graph.RunnerGoExpr
			u.Body = spec.Expr
		}
		units = append(units, u)
	}
	return graph.New(units)
}

// InputFiles returns every tracked input path declared in the manifest,
// deduplicated, for watch mode.
func (m *Manifest) InputFiles() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range m.Units {
		for _, p := range u.Inputs {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
