package deb

import (
	"fmt"
	"strings"
)

// Filename renders the canonical pool file name for a package.
func Filename(name, version, arch string) string {
	return fmt.Sprintf("%s_%s_%s.deb", name, version, arch)
}

// ParseFilename decodes a "<name>_<version>_<arch>.deb" file name.
// Versions may themselves contain underscores in theory, but the Debian
// policy forbids them, so splitting on "_" is exact. The architecture
// part is optional: "<name>_<version>.deb" yields an empty arch.
func ParseFilename(filename string) (name, version, arch string, ok bool) {
	base, found := strings.CutSuffix(filename, ".deb")
	if !found {
		return "", "", "", false
	}

	parts := strings.Split(base, "_")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], "", parts[0] != "" && parts[1] != ""
	case 3:
		return parts[0], parts[1], parts[2], parts[0] != "" && parts[1] != ""
	default:
		return "", "", "", false
	}
}
