package deb

import (
	"regexp"
	"strings"
)

// Validation patterns for package location components.
var (
	namePattern    = regexp.MustCompile(`(?i)^[a-z0-9][a-z0-9+.-]*$`)
	versionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.+~:-]*$`)
	archPattern    = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
)

// knownArchitectures are the Debian architecture tags accepted without
// pattern matching.
var knownArchitectures = map[string]bool{
	"all":      true,
	"amd64":    true,
	"arm64":    true,
	"armel":    true,
	"armhf":    true,
	"i386":     true,
	"mips64el": true,
	"mipsel":   true,
	"ppc64el":  true,
	"riscv64":  true,
	"s390x":    true,
	"source":   true,
}

// ValidName reports whether s is a valid Debian package name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// ValidVersion reports whether s is a valid Debian version string.
func ValidVersion(s string) bool {
	return versionPattern.MatchString(s)
}

// ValidArchitecture reports whether s is a known Debian architecture tag
// or matches the generic architecture pattern.
func ValidArchitecture(s string) bool {
	return knownArchitectures[s] || archPattern.MatchString(s)
}

// SanitizePath makes s safe to use as a single path element: path
// separators are stripped, ".." segments collapse, and leading dot runs
// are removed. The result never contains a separator or a traversal
// segment; it may be empty, which callers must reject.
func SanitizePath(s string) string {
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "\\", "")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.TrimLeft(s, ".")
	return s
}
