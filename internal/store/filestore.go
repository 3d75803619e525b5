package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"kiln/internal/fingerprint"
)

const (
	metadataFile = "artifact.json"
	outputBlob   = "output.blob"
	lockFile     = "commit.lock"

	readAttempts = 3
	readBackoff  = 25 * time.Millisecond
)

// FileStore is the durable artifact store.
//
// Layout:
//
//	{root}/
//	  commit.lock
//	  index.db
//	  {fp[0:2]}/
//	    {fp}/
//	      artifact.json
//	      output.blob
//
// Entries are published by writing into a temp directory and renaming it
// into place, so Get never observes a partial artifact. A cross-process
// advisory lock serializes the commit and the index update.
type FileStore struct {
	root  string
	lock  *flock.Flock
	index *Index
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a file store rooted at root.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating store root: %v", ErrStorage, err)
	}
	idx, err := OpenIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}
	return &FileStore{
		root:  root,
		lock:  flock.New(filepath.Join(root, lockFile)),
		index: idx,
	}, nil
}

// Close releases the index. Outstanding artifacts remain on disk.
func (s *FileStore) Close() error { return s.index.Close() }

// Index exposes the store's metadata index (run ledger, listings).
func (s *FileStore) Index() *Index { return s.index }

// Get retrieves the artifact for fp. Transient read errors are retried with
// capped exponential backoff; a missing entry returns ErrNotFound.
func (s *FileStore) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Artifact, error) {
	var art *Artifact
	err := withReadRetry(ctx, func() error {
		a, err := s.read(fp)
		if err != nil {
			return err
		}
		art = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

func (s *FileStore) read(fp fingerprint.Fingerprint) (*Artifact, error) {
	dir := s.entryDir(fp)

	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, fp.Short())
		}
		return nil, fmt.Errorf("%w: reading metadata for %s: %v", ErrStorage, fp.Short(), err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("%w: corrupt metadata for %s: %v", ErrStorage, fp.Short(), err)
	}

	out, err := os.ReadFile(filepath.Join(dir, outputBlob))
	if err != nil {
		// The entry directory is published atomically; a missing blob next
		// to intact metadata means the entry was tampered with.
		return nil, fmt.Errorf("%w: reading output for %s: %v", ErrStorage, fp.Short(), err)
	}
	art.Output = out
	return &art, nil
}

// Put durably persists art. Re-putting an existing fingerprint replaces the
// entry (content is identical by construction, so this is idempotent).
func (s *FileStore) Put(ctx context.Context, art *Artifact) error {
	if art == nil || art.Fingerprint == "" {
		return fmt.Errorf("%w: artifact without fingerprint", ErrStorage)
	}

	entryDir := s.entryDir(art.Fingerprint)
	parent := filepath.Dir(entryDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("%w: creating shard dir: %v", ErrStorage, err)
	}

	// Stage the whole entry in a temp dir on the same filesystem.
	tmpDir, err := os.MkdirTemp(parent, ".staging-")
	if err != nil {
		return fmt.Errorf("%w: staging artifact: %v", ErrStorage, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	if err := os.WriteFile(filepath.Join(tmpDir, outputBlob), art.Output, 0644); err != nil {
		return fmt.Errorf("%w: writing output blob: %v", ErrStorage, err)
	}
	meta, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling metadata: %v", ErrStorage, err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, metadataFile), meta, 0644); err != nil {
		return fmt.Errorf("%w: writing metadata: %v", ErrStorage, err)
	}

	// Commit under the cross-process lock: evict any prior entry, rename
	// the staged directory into place, then record in the index.
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: acquiring store lock: %v", ErrStorage, err)
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := os.RemoveAll(entryDir); err != nil {
		return fmt.Errorf("%w: evicting prior entry: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("%w: committing artifact: %v", ErrStorage, err)
	}
	committed = true

	return s.index.recordArtifact(ctx, Meta{
		Fingerprint: art.Fingerprint,
		UnitID:      art.UnitID,
		RunID:       art.RunID,
		CreatedAt:   art.CreatedAt,
		Size:        int64(len(art.Output)),
	})
}

// Has reports existence without loading the payload.
func (s *FileStore) Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	_, err := os.Stat(filepath.Join(s.entryDir(fp), metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: probing %s: %v", ErrStorage, fp.Short(), err)
	}
	return true, nil
}

// Delete invalidates the entry for fp. Absent entries are a no-op.
func (s *FileStore) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: acquiring store lock: %v", ErrStorage, err)
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := os.RemoveAll(s.entryDir(fp)); err != nil {
		return fmt.Errorf("%w: deleting %s: %v", ErrStorage, fp.Short(), err)
	}
	return s.index.deleteArtifact(ctx, fp)
}

// List returns metadata for every stored artifact, newest first.
func (s *FileStore) List(ctx context.Context) ([]Meta, error) {
	return s.index.listArtifacts(ctx)
}

// GCOptions bounds garbage collection.
type GCOptions struct {
	// KeepRuns pins artifacts produced or reused by the most recent N runs.
	KeepRuns int
	// MaxAge deletes only artifacts older than this. Zero means any age.
	MaxAge time.Duration
}

// GC deletes artifacts outside the most recent KeepRuns runs and older than
// MaxAge. Returns the number of entries removed.
func (s *FileStore) GC(ctx context.Context, opts GCOptions) (int, error) {
	victims, err := s.index.gcCandidates(ctx, opts.KeepRuns, opts.MaxAge)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, fp := range victims {
		if err := s.Delete(ctx, fp); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RebuildIndex repopulates the metadata index from the blob directories.
// Blobs are the source of truth; this recovers from a lost or stale index.
func (s *FileStore) RebuildIndex(ctx context.Context) (int, error) {
	if err := s.index.clearArtifacts(ctx); err != nil {
		return 0, err
	}
	count := 0
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("%w: reading store root: %v", ErrStorage, err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return count, fmt.Errorf("%w: reading shard %s: %v", ErrStorage, shard.Name(), err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			fp := fingerprint.Fingerprint(entry.Name())
			art, err := s.read(fp)
			if err != nil {
				continue // skip unreadable entries; they miss the cache
			}
			m := Meta{
				Fingerprint: art.Fingerprint,
				UnitID:      art.UnitID,
				RunID:       art.RunID,
				CreatedAt:   art.CreatedAt,
				Size:        int64(len(art.Output)),
			}
			if err := s.index.recordArtifact(ctx, m); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (s *FileStore) entryDir(fp fingerprint.Fingerprint) string {
	h := string(fp)
	if len(h) < 2 {
		return filepath.Join(s.root, h)
	}
	return filepath.Join(s.root, h[:2], h)
}

// withReadRetry retries transient storage errors with capped exponential
// backoff. ErrNotFound is definitive and never retried.
func withReadRetry(ctx context.Context, fn func() error) error {
	backoff := readBackoff
	var err error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if err = fn(); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
