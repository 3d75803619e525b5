package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"kiln/internal/graph"
)

// stderrTail bounds how much captured stderr is attached to an error.
const stderrTail = 2048

// ExecRunner runs unit bodies as shell commands.
//
// Upstream artifacts are materialized to files in a per-invocation temp
// directory and exposed through KILN_INPUT_<ID> environment variables. The
// command sees only the unit's declared environment (plus PATH and the
// input variables); the ambient environment never leaks into the unit, so
// the fingerprint stays honest about what the body can observe.
//
// Stdout is the unit's artifact payload. A non-zero exit wraps ErrExecution
// with the tail of stderr for context.
type ExecRunner struct {
	workDir string
}

// NewExecRunner creates an ExecRunner with commands started in workDir.
func NewExecRunner(workDir string) *ExecRunner {
	return &ExecRunner{workDir: workDir}
}

func (r *ExecRunner) Kind() graph.RunnerKind { return graph.RunnerExec }

func (r *ExecRunner) Run(ctx context.Context, u *graph.Unit, inputs map[string][]byte) ([]byte, error) {
	if strings.TrimSpace(u.Body) == "" {
		return nil, fmt.Errorf("%w: unit %q has an empty body", graph.ErrMalformedUnit, u.ID)
	}

	inputDir, err := os.MkdirTemp("", "kiln-inputs-")
	if err != nil {
		return nil, fmt.Errorf("staging inputs for %q: %w", u.ID, err)
	}
	defer os.RemoveAll(inputDir)

	env := []string{"PATH=" + os.Getenv("PATH")}

	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		path := filepath.Join(inputDir, id)
		if err := os.WriteFile(path, inputs[id], 0644); err != nil {
			return nil, fmt.Errorf("staging input %q for %q: %w", id, u.ID, err)
		}
		env = append(env, "KILN_INPUT_"+envName(id)+"="+path)
	}

	keys := make([]string, 0, len(u.Env))
	for k := range u.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+u.Env[k])
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", u.Body)
	cmd.Dir = r.workDir
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: unit %q: %v%s", ErrExecution, u.ID, err, tail(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// envName maps a unit ID to an environment variable suffix: uppercased,
// with every non-alphanumeric rune replaced by an underscore.
func envName(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func tail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return ""
	}
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return "\nstderr: " + s
}
