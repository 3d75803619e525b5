// Package store persists realized unit outputs (artifacts) keyed by
// fingerprint. Blobs on disk are the source of truth; a SQLite index kept
// alongside them records provenance and accelerates listing and GC.
package store

import (
	"context"
	"errors"
	"time"

	"kiln/internal/fingerprint"
)

// ErrNotFound reports that no artifact exists for the requested fingerprint.
var ErrNotFound = errors.New("artifact not found")

// ErrStorage reports a persistence failure (I/O, index corruption). Reads
// retry transient storage errors; writes fail the producing unit.
var ErrStorage = errors.New("storage error")

// Artifact is the realized output of a computation unit for a specific
// fingerprint. It persists across runs until invalidated or collected.
type Artifact struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	UnitID      string                  `json:"unit_id"`
	RunID       string                  `json:"run_id"`
	CreatedAt   time.Time               `json:"created_at"`
	Output      []byte                  `json:"-"`
}

// Meta is the index view of an artifact: everything but the payload.
type Meta struct {
	Fingerprint fingerprint.Fingerprint
	UnitID      string
	RunID       string
	CreatedAt   time.Time
	Size        int64
}

// Store is the artifact store contract.
//
// Put for the same fingerprint is idempotent: the fingerprint is a function
// of the unit's exact inputs, so concurrent writers carry identical content
// and last-writer-wins is safe.
type Store interface {
	// Get retrieves the artifact for fp, or ErrNotFound.
	Get(ctx context.Context, fp fingerprint.Fingerprint) (*Artifact, error)

	// Put durably persists art under its fingerprint. A partially written
	// artifact is never visible to Get.
	Put(ctx context.Context, art *Artifact) error

	// Has reports whether an artifact exists for fp without loading it.
	Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error)

	// Delete invalidates the artifact for fp. Deleting an absent
	// fingerprint is not an error.
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error

	// List returns metadata for every stored artifact, newest first.
	List(ctx context.Context) ([]Meta, error)
}
