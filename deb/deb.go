// Package deb inspects Debian binary packages. It walks the outer ar
// archive, extracts the control tarball and exposes the parsed control
// fields, without ever unpacking the data tarball.
package deb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/blakesmith/ar"
)

// arMagic is the global header every ar archive starts with.
const arMagic = "!<arch>\n"

// Parse errors as surfaced to upload clients.
var (
	ErrInvalidArchive    = errors.New("invalid ar archive")
	ErrNotDebianPackage  = errors.New("not a Debian package")
	ErrUnsupportedFormat = errors.New("unsupported Debian package format")
)

// Info is the result of parsing a .deb: the format version declared in
// debian-binary and the control fields, when extraction succeeded.
// Control is nil when the control tarball could not be decoded; the
// package may still be valid (see the dpkg-deb fallback).
type Info struct {
	FormatVersion string
	Control       *ControlFields
}

// Parse validates data as a Debian binary package and extracts its
// control fields. The archive must contain debian-binary, a control.tar*
// member and a data.tar* member, in any order. A decode failure of the
// control tarball alone is not fatal: Info.Control is left nil.
func Parse(data []byte) (*Info, error) {
	if len(data) < len(arMagic) || string(data[:len(arMagic)]) != arMagic {
		return nil, ErrInvalidArchive
	}

	reader := ar.NewReader(bytes.NewReader(data))

	var (
		debianBinary []byte
		controlName  string
		controlBody  []byte
		haveData     bool
	)

	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidArchive, err)
		}

		// GNU ar terminates member names with a slash
		name := strings.TrimSuffix(strings.TrimSpace(header.Name), "/")

		switch {
		case name == "debian-binary":
			debianBinary, err = io.ReadAll(io.LimitReader(reader, 64))
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidArchive, err)
			}
		case strings.HasPrefix(name, "control.tar"):
			controlName = name
			controlBody, err = io.ReadAll(reader)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidArchive, err)
			}
		case strings.HasPrefix(name, "data.tar"):
			haveData = true
		}
	}

	if debianBinary == nil || controlName == "" || !haveData {
		return nil, ErrNotDebianPackage
	}

	version := strings.TrimSpace(string(debianBinary))
	if !strings.HasPrefix(version, "2.") {
		return nil, ErrUnsupportedFormat
	}

	info := &Info{FormatVersion: version}

	// Control extraction is best-effort: a package whose control tarball
	// cannot be decoded is stored without enriched metadata and later
	// backfilled through dpkg-deb.
	if control, err := extractControl(controlName, controlBody); err == nil {
		info.Control = control
	}

	return info, nil
}
