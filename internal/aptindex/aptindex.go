// Package aptindex synthesizes apt Packages and Release documents from
// the storage index, on demand. Rendered Packages slices are cached and
// invalidated on index change events.
package aptindex

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/pository/pository/deb"
	"github.com/pository/pository/internal/events"
	"github.com/pository/pository/internal/storage"
)

// Origin and Label identify this server in Release documents.
const originLabel = "Pository"

// Synthesizer renders apt index documents for one storage engine.
type Synthesizer struct {
	engine *storage.Engine

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	body []byte
	etag string
}

// NewSynthesizer creates a synthesizer. When bus is non-nil, index
// change events drop the affected repo's cached slices.
func NewSynthesizer(engine *storage.Engine, bus *events.Bus) *Synthesizer {
	s := &Synthesizer{
		engine: engine,
		cache:  make(map[string]cacheEntry),
	}
	if bus != nil {
		bus.Subscribe(events.IndexChanged, s.invalidate)
	}
	return s
}

// invalidate drops every cached slice of repo.
func (s *Synthesizer) invalidate(repo string) {
	prefix := repo + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if strings.HasPrefix(key, prefix) {
			delete(s.cache, key)
		}
	}
}

// Packages renders the Packages document for one (repo, distribution,
// component, architecture) slice and returns it with a strong ETag.
// Architecture "all" packages are folded into every native slice of
// their component; a document for architecture "all" itself is never
// served.
func (s *Synthesizer) Packages(repo, dist, comp, arch string) ([]byte, string, error) {
	key := strings.Join([]string{repo, dist, comp, arch}, "/")

	s.mu.Lock()
	if entry, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return entry.body, entry.etag, nil
	}
	s.mu.Unlock()

	entries, err := s.sliceEntries(repo, dist, comp, arch)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	for _, meta := range entries {
		s.writeStanza(&buf, meta)
		buf.WriteString("\n")
	}
	body := buf.Bytes()

	digest := blake3.Sum256(body)
	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", digest[:16]))

	s.mu.Lock()
	s.cache[key] = cacheEntry{body: body, etag: etag}
	s.mu.Unlock()

	return body, etag, nil
}

// sliceEntries returns the index entries of a slice in stable order:
// the requested native architecture plus folded "all" packages, sorted
// by name then descending version.
func (s *Synthesizer) sliceEntries(repo, dist, comp, arch string) ([]*storage.Metadata, error) {
	native, err := s.engine.ListPackages(storage.Filters{
		Repo:         repo,
		Distribution: dist,
		Component:    comp,
		Architecture: arch,
	})
	if err != nil {
		return nil, err
	}

	entries := native
	if arch != "all" {
		all, err := s.engine.ListPackages(storage.Filters{
			Repo:         repo,
			Distribution: dist,
			Component:    comp,
			Architecture: "all",
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, all...)
	}

	slices.SortFunc(entries, func(a, b *storage.Metadata) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return -deb.CompareVersions(a.Version, b.Version)
	})
	return entries, nil
}

// writeStanza emits one package stanza. Field order is fixed; optional
// fields with empty stored values are omitted. Multi-Arch and
// Installed-Size in particular appear only when the package's own
// control file declared them: synthesizing either desynchronizes the
// dpkg status database and apt reports the package as perpetually
// upgradeable.
func (s *Synthesizer) writeStanza(buf *bytes.Buffer, meta *storage.Metadata) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(buf, "%s: %s\n", name, value)
		}
	}

	field("Package", meta.Name)
	field("Version", meta.Version)
	field("Architecture", meta.Architecture)
	field("Maintainer", meta.Maintainer)
	field("Multi-Arch", meta.MultiArch)
	field("Homepage", meta.Homepage)
	field("Section", meta.Section)
	field("Priority", meta.Priority)
	field("Pre-Depends", meta.PreDepends)
	field("Depends", meta.Depends)
	field("Suggests", meta.Suggests)
	field("Conflicts", meta.Conflicts)
	field("Breaks", meta.Breaks)
	field("Replaces", meta.Replaces)
	field("Provides", meta.Provides)
	field("Installed-Size", meta.InstalledSize)

	loc := meta.Location()
	fmt.Fprintf(buf, "Filename: pool/%s/%s/%s/%s\n",
		meta.Distribution, meta.Component, meta.Architecture, loc.Filename())
	fmt.Fprintf(buf, "Size: %d\n", meta.Size)
	field("SHA256", meta.SHA256)
	field("MD5sum", s.artifactMD5(loc))

	description := meta.Description
	if description == "" {
		description = meta.Name + " " + meta.Version
	}
	field("Description", formatDescription(description))
	fmt.Fprintf(buf, "Description-md5: %x\n", md5.Sum([]byte(description+"\n")))
}

// artifactMD5 hashes the stored artifact; empty when unreadable.
func (s *Synthesizer) artifactMD5(loc storage.Location) string {
	path, ok := s.engine.GetPackageFile(loc)
	if !ok {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", md5.Sum(data))
}

// formatDescription indents continuation lines with exactly one space.
func formatDescription(description string) string {
	lines := strings.Split(description, "\n")
	if len(lines) == 1 {
		return description
	}
	return strings.Join(lines, "\n ")
}

// Release renders the Release document for one (repo, distribution).
// The checksum blocks cover every (component, architecture) Packages
// slice that contains at least one package.
func (s *Synthesizer) Release(repo, dist string) ([]byte, error) {
	entries, err := s.engine.ListPackages(storage.Filters{Repo: repo, Distribution: dist})
	if err != nil {
		return nil, err
	}

	components := make([]string, 0)
	architectures := []string{"amd64"}
	for _, meta := range entries {
		if !slices.Contains(components, meta.Component) {
			components = append(components, meta.Component)
		}
		if meta.Architecture != "all" && !slices.Contains(architectures, meta.Architecture) {
			architectures = append(architectures, meta.Architecture)
		}
	}
	slices.Sort(components)
	slices.Sort(architectures)

	type sliceSum struct {
		path   string
		size   int
		md5Sum string
		shaSum string
	}
	var sums []sliceSum
	for _, comp := range components {
		for _, arch := range architectures {
			body, _, err := s.Packages(repo, dist, comp, arch)
			if err != nil {
				return nil, err
			}
			if len(body) == 0 {
				continue
			}
			sums = append(sums, sliceSum{
				path:   fmt.Sprintf("%s/binary-%s/Packages", comp, arch),
				size:   len(body),
				md5Sum: fmt.Sprintf("%x", md5.Sum(body)),
				shaSum: fmt.Sprintf("%x", sha256.Sum256(body)),
			})
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Origin: %s\n", originLabel)
	fmt.Fprintf(&buf, "Label: %s\n", originLabel)
	fmt.Fprintf(&buf, "Suite: %s\n", dist)
	fmt.Fprintf(&buf, "Codename: pository-%s-%s\n", repo, dist)
	fmt.Fprintf(&buf, "Date: %s\n", time.Now().UTC().Format(time.RFC1123))
	fmt.Fprintf(&buf, "Architectures: %s\n", strings.Join(architectures, " "))
	fmt.Fprintf(&buf, "Components: %s\n", strings.Join(components, " "))
	fmt.Fprintf(&buf, "Description: Pository repository for %s\n", repo)
	buf.WriteString("MD5Sum:\n")
	for _, sum := range sums {
		fmt.Fprintf(&buf, " %s %8d %s\n", sum.md5Sum, sum.size, sum.path)
	}
	buf.WriteString("SHA256:\n")
	for _, sum := range sums {
		fmt.Fprintf(&buf, " %s %8d %s\n", sum.shaSum, sum.size, sum.path)
	}
	return buf.Bytes(), nil
}
