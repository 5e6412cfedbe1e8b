package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/pository/pository/deb"
	"github.com/pository/pository/internal/events"
)

// healWorkers bounds the concurrency of the self-heal backfill pass.
const healWorkers = 4

// Engine mediates all access to the data tree. Concurrent uploads to
// the same location serialize on a per-location mutex; distinct
// locations proceed in parallel.
type Engine struct {
	dataRoot string
	bus      *events.Bus

	// repo name -> cached index; mutations write through to disk first
	cacheMu sync.Mutex
	cache   map[string][]*Metadata
	healed  map[string]bool

	locks keyedLocks

	healPool pond.Pool
}

// NewEngine creates an Engine rooted at dataRoot. The bus may be nil
// when no consumer cares about index changes.
func NewEngine(dataRoot string, bus *events.Bus) *Engine {
	return &Engine{
		dataRoot: dataRoot,
		bus:      bus,
		cache:    make(map[string][]*Metadata),
		healed:   make(map[string]bool),
		healPool: pond.NewPool(healWorkers, pond.WithoutPanicRecovery()),
	}
}

// Shutdown waits for background work to drain.
func (e *Engine) Shutdown() {
	e.healPool.StopAndWait()
}

// keyedLocks hands out one mutex per key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

// StorePackage persists an artifact and its metadata, then upserts the
// per-repo index. The sequence write-artifact, write-metadata,
// update-index is observable only in full: every file lands via a
// temporary sibling renamed into place, and the cached index is
// replaced only after the on-disk index has been.
//
// A repeated upload to the same location replaces the previous entry;
// the last successful writer wins.
func (e *Engine) StorePackage(ctx context.Context, loc Location, data []byte, uploaderID string, control *deb.ControlFields) (*Metadata, error) {
	lock := e.locks.get(loc.String())
	lock.Lock()
	defer lock.Unlock()

	dir := loc.dir(e.dataRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	digest := sha256.Sum256(data)

	artifactPath := filepath.Join(dir, ArtifactName)
	if err := writeFileAtomic(artifactPath, data, 0644); err != nil {
		return nil, err
	}

	// Enrich from the written artifact when upload-time extraction came
	// up empty. Best effort: the package is stored either way.
	if control == nil || control.Description == "" {
		if fields, err := deb.FieldsFromDpkg(ctx, artifactPath); err == nil {
			control = fields
		}
	}

	meta := &Metadata{
		Repo:          loc.Repo,
		Distribution:  loc.Distribution,
		Component:     loc.Component,
		Architecture:  loc.Architecture,
		Name:          loc.Name,
		Version:       loc.Version,
		Size:          int64(len(data)),
		SHA256:        hex.EncodeToString(digest[:]),
		MIME:          MIMEType,
		UploadedAt:    time.Now().UTC(),
		UploaderKeyID: uploaderID,
	}
	meta.applyControl(control)

	if err := writeJSONAtomic(filepath.Join(dir, MetadataName), meta); err != nil {
		return nil, err
	}

	if err := e.upsertIndex(meta); err != nil {
		return nil, err
	}

	return meta, nil
}

// GetPackageFile returns the absolute artifact path, without copying.
func (e *Engine) GetPackageFile(loc Location) (string, bool) {
	path := filepath.Join(loc.dir(e.dataRoot), ArtifactName)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// GetPackageMetadata returns the stored metadata for loc, if present.
func (e *Engine) GetPackageMetadata(loc Location) (*Metadata, bool) {
	data, err := os.ReadFile(filepath.Join(loc.dir(e.dataRoot), MetadataName))
	if err != nil {
		return nil, false
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("Corrupt metadata document", "location", loc.String(), "error", err)
		return nil, false
	}
	return &meta, true
}

// DeletePackage removes the artifact directory, drops the index entry
// and prunes any parent directories that became empty, stopping at the
// data root. Returns false when the location does not exist.
func (e *Engine) DeletePackage(loc Location) (bool, error) {
	lock := e.locks.get(loc.String())
	lock.Lock()
	defer lock.Unlock()

	dir := loc.dir(e.dataRoot)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	e.pruneEmptyParents(filepath.Dir(dir))

	if err := e.removeFromIndex(loc); err != nil {
		return true, err
	}
	return true, nil
}

// pruneEmptyParents removes empty directories walking upward from dir,
// stopping at dataRoot.
func (e *Engine) pruneEmptyParents(dir string) {
	root := filepath.Clean(e.dataRoot)
	for {
		dir = filepath.Clean(dir)
		if dir == root || len(dir) <= len(root) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ListPackages returns index entries matching the filters, across all
// repos unless Filters.Repo is set. The result is never nil.
func (e *Engine) ListPackages(filters Filters) ([]*Metadata, error) {
	repos := []string{filters.Repo}
	if filters.Repo == "" {
		var err error
		repos, err = e.listRepos()
		if err != nil {
			return nil, err
		}
	}

	result := make([]*Metadata, 0)
	for _, repo := range repos {
		index, err := e.loadIndex(repo)
		if err != nil {
			return nil, err
		}
		for _, meta := range index {
			if filters.matches(meta) {
				result = append(result, meta)
			}
		}
	}
	return result, nil
}

// listRepos enumerates repo directories under the data root.
func (e *Engine) listRepos() ([]string, error) {
	entries, err := os.ReadDir(e.dataRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data root: %w", err)
	}
	var repos []string
	for _, entry := range entries {
		if entry.IsDir() {
			repos = append(repos, entry.Name())
		}
	}
	return repos, nil
}

// GetStorageStats sums sizes and counts over all repo indexes.
func (e *Engine) GetStorageStats() (Stats, error) {
	packages, err := e.ListPackages(Filters{})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{PackageCount: len(packages)}
	for _, meta := range packages {
		stats.TotalSize += meta.Size
	}
	return stats, nil
}

// IsStorageReady verifies read and write access to the data root.
func (e *Engine) IsStorageReady() bool {
	if _, err := os.ReadDir(e.dataRoot); err != nil {
		return false
	}
	probe, err := os.CreateTemp(e.dataRoot, ".readyz-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}

// writeFileAtomic writes data to a temporary sibling and renames it
// into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic marshals v pretty-printed for human inspection and
// writes it atomically.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	return writeFileAtomic(path, append(data, '\n'), 0644)
}
