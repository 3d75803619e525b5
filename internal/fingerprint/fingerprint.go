// Package fingerprint computes deterministic content digests for
// computation units. A unit's fingerprint covers its declared body, runner
// kind, environment, tracked input files, and the fingerprints of its
// upstream units, so a change anywhere upstream propagates downstream.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"

	"kiln/internal/graph"
)

// schemeVersion is mixed into every digest so the on-disk cache is
// invalidated wholesale if the framing ever changes.
const schemeVersion = "kiln/fp/v1"

// Fingerprint is the hex-encoded SHA-256 digest identifying a unit's exact
// inputs. Identical body + identical upstream fingerprints always yield an
// identical fingerprint; wall-clock time and execution order never
// contribute.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns an abbreviated form for logs and reports.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Engine computes fingerprints for units. WorkDir anchors relative input
// paths; the engine itself holds no other state.
type Engine struct {
	workDir string
}

// NewEngine creates an Engine resolving unit input paths against workDir.
func NewEngine(workDir string) *Engine {
	return &Engine{workDir: workDir}
}

// Compute derives the fingerprint for u given the already-resolved
// fingerprints of its upstream units.
//
// Fails wrapping graph.ErrMalformedUnit when u declares an upstream whose
// fingerprint is absent from upstream (the unit references something the
// graph does not know about).
func (e *Engine) Compute(u *graph.Unit, upstream map[string]Fingerprint) (Fingerprint, error) {
	if u == nil {
		return "", fmt.Errorf("%w: nil unit", graph.ErrMalformedUnit)
	}

	h := sha256.New()
	writeField(h, []byte(schemeVersion))
	writeField(h, []byte(u.ID))
	writeField(h, []byte(u.Kind))
	writeField(h, []byte(u.Body))

	// Environment, sorted by key.
	keys := make([]string, 0, len(u.Env))
	for k := range u.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeCount(h, len(keys))
	for _, k := range keys {
		writeField(h, []byte(k))
		writeField(h, []byte(u.Env[k]))
	}

	// Tracked input files: path and content, sorted by path.
	inputs := append([]string(nil), u.Inputs...)
	sort.Strings(inputs)
	writeCount(h, len(inputs))
	for _, p := range inputs {
		content, err := os.ReadFile(e.resolve(p))
		if err != nil {
			return "", fmt.Errorf("reading input %q for unit %q: %w", p, u.ID, err)
		}
		writeField(h, []byte(p))
		writeField(h, content)
	}

	// Upstream fingerprints, sorted by upstream ID.
	needs := append([]string(nil), u.Needs...)
	sort.Strings(needs)
	writeCount(h, len(needs))
	for _, id := range needs {
		fp, ok := upstream[id]
		if !ok {
			return "", fmt.Errorf("%w: unit %q references upstream %q with no resolved fingerprint", graph.ErrMalformedUnit, u.ID, id)
		}
		writeField(h, []byte(id))
		writeField(h, []byte(fp))
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

func (e *Engine) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.workDir, p)
}

// writeField writes data with an 8-byte big-endian length prefix so that
// adjacent fields can never be confused for one another.
func writeField(h hash.Hash, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.Write(n[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	h.Write(b[:])
}
