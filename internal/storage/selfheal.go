package storage

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/pository/pository/deb"
)

// scheduleSelfHeal submits a backfill task for every index entry that
// lacks a description, meaning upload-time control extraction failed.
// Best effort: failures are logged at debug level and otherwise silent.
// Callers hold cacheMu; the tasks themselves re-acquire it through
// updateIndexEntry.
func (e *Engine) scheduleSelfHeal(repo string, index []*Metadata) {
	scheduled := 0
	for _, entry := range index {
		if entry.Description != "" {
			continue
		}
		meta := entry
		e.healPool.Submit(func() {
			e.healEntry(meta)
		})
		scheduled++
	}
	if scheduled > 0 {
		slog.Debug("Scheduled self-heal pass", "repo", repo, "entries", scheduled)
	}
}

// healEntry re-extracts control fields for one artifact through the
// dpkg fallback and rewrites its metadata and index entry. The written
// fields are exactly what dpkg reports; nothing is synthesized.
func (e *Engine) healEntry(meta *Metadata) {
	loc := meta.Location()
	path, ok := e.GetPackageFile(loc)
	if !ok {
		return
	}

	fields, err := deb.FieldsFromDpkg(context.Background(), path)
	if err != nil {
		slog.Debug("Self-heal extraction failed", "location", loc.String(), "error", err)
		return
	}
	if fields.Description == "" {
		return
	}

	healed := *meta
	healed.applyControl(fields)

	if err := writeJSONAtomic(filepath.Join(loc.dir(e.dataRoot), MetadataName), &healed); err != nil {
		slog.Debug("Self-heal metadata rewrite failed", "location", loc.String(), "error", err)
		return
	}
	if err := e.updateIndexEntry(&healed); err != nil {
		slog.Debug("Self-heal index update failed", "location", loc.String(), "error", err)
		return
	}

	slog.Info("Backfilled control metadata", "location", loc.String())
}
