package deb

import (
	"fmt"
	"io"
	"strings"

	aptlydeb "github.com/aptly-dev/aptly/deb"
)

// ControlFields is the fixed set of control fields carried into package
// metadata. Unknown fields are discarded at the parse boundary. All
// values are kept exactly as declared by the package; in particular
// MultiArch and InstalledSize are never synthesized.
type ControlFields struct {
	Package       string
	Version       string
	Architecture  string
	Maintainer    string
	Description   string
	MultiArch     string
	Homepage      string
	Section       string
	Priority      string
	PreDepends    string
	Depends       string
	Suggests      string
	Conflicts     string
	Breaks        string
	Replaces      string
	Provides      string
	InstalledSize string
}

// ParseControl reads a single RFC-822-style control stanza. Lines
// starting with space or tab continue the previous field.
func ParseControl(r io.Reader) (*ControlFields, error) {
	reader := aptlydeb.NewControlFileReader(r, false, false)
	stanza, err := reader.ReadStanza()
	if err != nil {
		return nil, fmt.Errorf("failed to parse control stanza: %w", err)
	}
	if stanza == nil {
		return nil, fmt.Errorf("empty control file")
	}

	return &ControlFields{
		Package:       strings.TrimSpace(stanza["Package"]),
		Version:       strings.TrimSpace(stanza["Version"]),
		Architecture:  strings.TrimSpace(stanza["Architecture"]),
		Maintainer:    strings.TrimSpace(stanza["Maintainer"]),
		Description:   normalizeMultiline(stanza["Description"]),
		MultiArch:     strings.TrimSpace(stanza["Multi-Arch"]),
		Homepage:      strings.TrimSpace(stanza["Homepage"]),
		Section:       strings.TrimSpace(stanza["Section"]),
		Priority:      strings.TrimSpace(stanza["Priority"]),
		PreDepends:    strings.TrimSpace(stanza["Pre-Depends"]),
		Depends:       strings.TrimSpace(stanza["Depends"]),
		Suggests:      strings.TrimSpace(stanza["Suggests"]),
		Conflicts:     strings.TrimSpace(stanza["Conflicts"]),
		Breaks:        strings.TrimSpace(stanza["Breaks"]),
		Replaces:      strings.TrimSpace(stanza["Replaces"]),
		Provides:      strings.TrimSpace(stanza["Provides"]),
		InstalledSize: strings.TrimSpace(stanza["Installed-Size"]),
	}, nil
}

// normalizeMultiline strips the indentation from continuation lines of a
// multiline field value. The canonical single leading space is re-added
// when the field is rendered into a Packages index.
func normalizeMultiline(value string) string {
	lines := strings.Split(value, "\n")
	for i, line := range lines {
		if i == 0 {
			lines[i] = strings.TrimSpace(line)
			continue
		}
		trimmed := strings.TrimLeft(line, " \t")
		// A lone "." keeps paragraph breaks intact
		lines[i] = trimmed
	}
	// Drop trailing empty continuation lines
	for len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
