// Package storage owns the on-disk package tree: artifacts, metadata
// documents and per-repo indexes. All other components reach the tree
// through the Engine.
package storage

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pository/pository/deb"
)

// MIMEType is the media type of every stored artifact.
const MIMEType = "application/vnd.debian.binary-package"

// ArtifactName is the file name of the stored .deb inside its location
// directory.
const ArtifactName = "package.deb"

// MetadataName is the file name of the metadata document.
const MetadataName = "metadata.json"

// IndexName is the per-repo index file.
const IndexName = "index.json"

// Location is the 6-tuple primary key of an artifact. All components
// are sanitized, non-empty strings.
type Location struct {
	Repo         string `json:"repo"`
	Distribution string `json:"distribution"`
	Component    string `json:"component"`
	Architecture string `json:"architecture"`
	Name         string `json:"name"`
	Version      string `json:"version"`
}

// String renders the location as its tree-relative path.
func (l Location) String() string {
	return strings.Join([]string{l.Repo, l.Distribution, l.Component, l.Architecture, l.Name, l.Version}, "/")
}

// dir returns the location's absolute directory under dataRoot.
func (l Location) dir(dataRoot string) string {
	return filepath.Join(dataRoot, l.Repo, l.Distribution, l.Component, l.Architecture, l.Name, l.Version)
}

// Filename is the canonical pool file name for this location.
func (l Location) Filename() string {
	return deb.Filename(l.Name, l.Version, l.Architecture)
}

// Metadata is the immutable record created at upload. Field order here
// is the canonical order of metadata.json.
type Metadata struct {
	Repo          string    `json:"repo"`
	Distribution  string    `json:"distribution"`
	Component     string    `json:"component"`
	Architecture  string    `json:"architecture"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	Size          int64     `json:"size"`
	SHA256        string    `json:"sha256"`
	MIME          string    `json:"mime"`
	UploadedAt    time.Time `json:"uploadedAt"`
	UploaderKeyID string    `json:"uploaderKeyId"`

	// Control-extracted fields; absent when the control tarball could
	// not be decoded and the dpkg fallback failed too. Never synthesized.
	Description   string `json:"description,omitempty"`
	MultiArch     string `json:"multiArch,omitempty"`
	Maintainer    string `json:"maintainer,omitempty"`
	Depends       string `json:"depends,omitempty"`
	PreDepends    string `json:"preDepends,omitempty"`
	Suggests      string `json:"suggests,omitempty"`
	Conflicts     string `json:"conflicts,omitempty"`
	Breaks        string `json:"breaks,omitempty"`
	Replaces      string `json:"replaces,omitempty"`
	Provides      string `json:"provides,omitempty"`
	Homepage      string `json:"homepage,omitempty"`
	Section       string `json:"section,omitempty"`
	Priority      string `json:"priority,omitempty"`
	InstalledSize string `json:"installedSize,omitempty"`
}

// Location returns the metadata's primary key.
func (m *Metadata) Location() Location {
	return Location{
		Repo:         m.Repo,
		Distribution: m.Distribution,
		Component:    m.Component,
		Architecture: m.Architecture,
		Name:         m.Name,
		Version:      m.Version,
	}
}

// applyControl copies the optional control fields into the metadata.
func (m *Metadata) applyControl(fields *deb.ControlFields) {
	if fields == nil {
		return
	}
	m.Description = fields.Description
	m.MultiArch = fields.MultiArch
	m.Maintainer = fields.Maintainer
	m.Depends = fields.Depends
	m.PreDepends = fields.PreDepends
	m.Suggests = fields.Suggests
	m.Conflicts = fields.Conflicts
	m.Breaks = fields.Breaks
	m.Replaces = fields.Replaces
	m.Provides = fields.Provides
	m.Homepage = fields.Homepage
	m.Section = fields.Section
	m.Priority = fields.Priority
	m.InstalledSize = fields.InstalledSize
}

// Filters narrows a package listing. Zero values match everything.
type Filters struct {
	Repo         string
	Distribution string
	Component    string
	Architecture string
	Name         string
	Version      string
}

// matches reports whether m passes every set filter.
func (f Filters) matches(m *Metadata) bool {
	if f.Repo != "" && m.Repo != f.Repo {
		return false
	}
	if f.Distribution != "" && m.Distribution != f.Distribution {
		return false
	}
	if f.Component != "" && m.Component != f.Component {
		return false
	}
	if f.Architecture != "" && m.Architecture != f.Architecture {
		return false
	}
	if f.Name != "" && m.Name != f.Name {
		return false
	}
	if f.Version != "" && m.Version != f.Version {
		return false
	}
	return true
}

// Stats summarizes the stored tree.
type Stats struct {
	TotalSize    int64 `json:"totalSize"`
	PackageCount int   `json:"packageCount"`
}
