package storage

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/pository/pository/deb"
	"github.com/pository/pository/internal/config"
)

// sweepInterval is the pause between periodic retention sweeps.
const sweepInterval = 12 * time.Hour

// RunRetention runs a retention sweep immediately and then every
// sweepInterval until the context is cancelled. No-op when the policy
// is disabled.
func (e *Engine) RunRetention(ctx context.Context, policy config.RetentionConfig) {
	if !policy.Enabled {
		return
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		if removed, err := e.Sweep(policy); err != nil {
			slog.Error("Retention sweep failed", "error", err)
		} else if removed > 0 {
			slog.Info("Retention sweep removed packages", "removed", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep applies the retention policy once: per (repo, distribution,
// component, architecture, name) group, versions beyond the newest
// KeepLastN are deleted, as is anything older than MaxAgeDays. Returns
// the number of packages removed.
func (e *Engine) Sweep(policy config.RetentionConfig) (int, error) {
	packages, err := e.ListPackages(Filters{})
	if err != nil {
		return 0, err
	}

	var cutoff time.Time
	if policy.MaxAgeDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -policy.MaxAgeDays)
	}

	groups := make(map[Location][]*Metadata)
	for _, meta := range packages {
		key := meta.Location()
		key.Version = ""
		groups[key] = append(groups[key], meta)
	}

	removed := 0
	for _, group := range groups {
		// Newest first by Debian version order
		slices.SortFunc(group, func(a, b *Metadata) int {
			return -deb.CompareVersions(a.Version, b.Version)
		})

		for i, meta := range group {
			expired := !cutoff.IsZero() && meta.UploadedAt.Before(cutoff)
			excess := policy.KeepLastN > 0 && i >= policy.KeepLastN
			if !expired && !excess {
				continue
			}

			ok, err := e.DeletePackage(meta.Location())
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
				slog.Debug("Retention removed package", "location", meta.Location().String())
			}
		}
	}

	return removed, nil
}
