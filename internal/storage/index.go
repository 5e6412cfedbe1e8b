package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pository/pository/internal/events"
)

// indexPath returns the index file of a repo.
func (e *Engine) indexPath(repo string) string {
	return filepath.Join(e.dataRoot, repo, IndexName)
}

// loadIndex returns the cached index for repo, reading it from disk on
// first use. The first load of a repo schedules the self-heal pass.
func (e *Engine) loadIndex(repo string) ([]*Metadata, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.loadIndexLocked(repo)
}

// loadIndexLocked is loadIndex with cacheMu already held.
func (e *Engine) loadIndexLocked(repo string) ([]*Metadata, error) {
	if index, ok := e.cache[repo]; ok {
		return index, nil
	}

	index := make([]*Metadata, 0)
	data, err := os.ReadFile(e.indexPath(repo))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &index); err != nil {
			return nil, fmt.Errorf("corrupt index for repo %s: %w", repo, err)
		}
	case os.IsNotExist(err):
		// New repo
	default:
		return nil, fmt.Errorf("failed to read index for repo %s: %w", repo, err)
	}

	e.cache[repo] = index

	if !e.healed[repo] {
		e.healed[repo] = true
		e.scheduleSelfHeal(repo, index)
	}

	return index, nil
}

// saveIndexLocked persists the index atomically and replaces the cached
// value. Callers hold cacheMu; the on-disk write happens before the
// cache swap so readers never observe an index ahead of the disk state.
func (e *Engine) saveIndexLocked(repo string, index []*Metadata) error {
	if err := writeJSONAtomic(e.indexPath(repo), index); err != nil {
		return err
	}
	e.cache[repo] = index
	if e.bus != nil {
		e.bus.Emit(events.IndexChanged, repo)
	}
	return nil
}

// upsertIndex replaces the entry matching meta's full location, or
// appends it.
func (e *Engine) upsertIndex(meta *Metadata) error {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	index, err := e.loadIndexLocked(meta.Repo)
	if err != nil {
		return err
	}

	loc := meta.Location()
	next := make([]*Metadata, 0, len(index)+1)
	replaced := false
	for _, entry := range index {
		if entry.Location() == loc {
			next = append(next, meta)
			replaced = true
			continue
		}
		next = append(next, entry)
	}
	if !replaced {
		next = append(next, meta)
	}

	return e.saveIndexLocked(meta.Repo, next)
}

// removeFromIndex drops the entry for loc, if any.
func (e *Engine) removeFromIndex(loc Location) error {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	index, err := e.loadIndexLocked(loc.Repo)
	if err != nil {
		return err
	}

	next := make([]*Metadata, 0, len(index))
	for _, entry := range index {
		if entry.Location() == loc {
			continue
		}
		next = append(next, entry)
	}
	if len(next) == len(index) {
		return nil
	}

	return e.saveIndexLocked(loc.Repo, next)
}

// updateIndexEntry replaces a single entry in place (used by the
// self-heal backfill).
func (e *Engine) updateIndexEntry(meta *Metadata) error {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	index, err := e.loadIndexLocked(meta.Repo)
	if err != nil {
		return err
	}

	loc := meta.Location()
	next := make([]*Metadata, len(index))
	found := false
	for i, entry := range index {
		if entry.Location() == loc {
			next[i] = meta
			found = true
			continue
		}
		next[i] = entry
	}
	if !found {
		// Entry was deleted while healing; nothing to update.
		return nil
	}

	return e.saveIndexLocked(meta.Repo, next)
}
