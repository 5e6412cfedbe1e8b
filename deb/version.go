package deb

import (
	"strconv"
	"strings"
)

// VersionParts represents the components of a Debian package version:
// [epoch:]upstream-version[-debian-revision].
type VersionParts struct {
	Epoch    int
	Upstream string
	Revision string
}

// SplitVersion parses a Debian version string into its components. The
// revision is the portion after the last hyphen.
func SplitVersion(version string) VersionParts {
	parts := VersionParts{}

	if idx := strings.Index(version, ":"); idx != -1 {
		parts.Epoch, _ = strconv.Atoi(version[:idx])
		version = version[idx+1:]
	}

	if idx := strings.LastIndex(version, "-"); idx != -1 {
		parts.Revision = version[idx+1:]
		version = version[:idx]
	}

	parts.Upstream = version
	return parts
}

// CompareVersions orders two Debian version strings per the dpkg rules:
// epoch numerically, then upstream and revision by alternating lexical
// and numeric runs, with "~" sorting before everything including the
// empty string. Returns <0, 0 or >0.
func CompareVersions(a, b string) int {
	va, vb := SplitVersion(a), SplitVersion(b)

	if va.Epoch != vb.Epoch {
		if va.Epoch < vb.Epoch {
			return -1
		}
		return 1
	}
	if cmp := compareFragment(va.Upstream, vb.Upstream); cmp != 0 {
		return cmp
	}
	return compareFragment(va.Revision, vb.Revision)
}

// compareFragment compares an upstream or revision fragment by
// alternating non-digit and digit runs.
func compareFragment(a, b string) int {
	i, j := 0, 0

	for i < len(a) || j < len(b) {
		nonDigitA, lenA := extractRun(a, i, false)
		nonDigitB, lenB := extractRun(b, j, false)

		if cmp := lexicalCompare(nonDigitA, nonDigitB); cmp != 0 {
			return cmp
		}
		i += lenA
		j += lenB

		digitA, lenA := extractRun(a, i, true)
		digitB, lenB := extractRun(b, j, true)

		numA := parseInt(digitA)
		numB := parseInt(digitB)

		if numA != numB {
			if numA < numB {
				return -1
			}
			return 1
		}
		i += lenA
		j += lenB
	}

	return 0
}

// extractRun extracts the digit or non-digit run starting at position.
func extractRun(s string, start int, isDigit bool) (string, int) {
	end := start
	for end < len(s) {
		r := rune(s[end])
		digit := r >= '0' && r <= '9'
		if digit != isDigit {
			break
		}
		end++
	}
	return s[start:end], end - start
}

// lexicalCompare implements Debian lexical ordering: tilde sorts before
// everything, letters sort before non-letters, otherwise ASCII order.
func lexicalCompare(a, b string) int {
	i, j := 0, 0

	for i < len(a) || j < len(b) {
		var ca, cb rune
		if i < len(a) {
			ca = rune(a[i])
		}
		if j < len(b) {
			cb = rune(b[j])
		}

		if ca == '~' && cb != '~' {
			return -1
		}
		if ca != '~' && cb == '~' {
			return 1
		}

		if ca == 0 {
			if cb == 0 {
				return 0
			}
			return -1
		}
		if cb == 0 {
			return 1
		}

		aLetter := (ca >= 'A' && ca <= 'Z') || (ca >= 'a' && ca <= 'z')
		bLetter := (cb >= 'A' && cb <= 'Z') || (cb >= 'a' && cb <= 'z')

		if aLetter != bLetter {
			if aLetter {
				return -1
			}
			return 1
		}

		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}

		i++
		j++
	}

	return 0
}

// parseInt converts a digit run to int (empty = 0).
func parseInt(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
