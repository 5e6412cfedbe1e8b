// Package debtest builds minimal Debian packages in memory for tests.
package debtest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"time"

	"github.com/blakesmith/ar"
)

// Options describes the synthetic package to build.
type Options struct {
	Name         string
	Version      string
	Architecture string
	// Extra control fields appended verbatim to the control file, e.g.
	// "Multi-Arch: foreign".
	ExtraFields []string
	// Description overrides the default single-line description.
	Description string
	// OmitControlMember drops control.tar.gz from the archive.
	OmitControlMember bool
	// OmitDataMember drops data.tar.gz from the archive.
	OmitDataMember bool
	// FormatVersion overrides the debian-binary content (default "2.0").
	FormatVersion string
}

// Build assembles a syntactically valid .deb with a gzip control tarball.
func Build(opts Options) []byte {
	if opts.Name == "" {
		opts.Name = "hello"
	}
	if opts.Version == "" {
		opts.Version = "1.0"
	}
	if opts.Architecture == "" {
		opts.Architecture = "amd64"
	}
	if opts.Description == "" {
		opts.Description = "test package"
	}
	if opts.FormatVersion == "" {
		opts.FormatVersion = "2.0"
	}

	control := fmt.Sprintf("Package: %s\nVersion: %s\nArchitecture: %s\nMaintainer: Test <test@example.com>\n",
		opts.Name, opts.Version, opts.Architecture)
	for _, field := range opts.ExtraFields {
		control += field + "\n"
	}
	control += "Description: " + opts.Description + "\n"

	var buf bytes.Buffer
	w := ar.NewWriter(&buf)
	if err := w.WriteGlobalHeader(); err != nil {
		panic(err)
	}

	writeMember(w, "debian-binary", []byte(opts.FormatVersion+"\n"))
	if !opts.OmitControlMember {
		writeMember(w, "control.tar.gz", gzipTarball("control", []byte(control)))
	}
	if !opts.OmitDataMember {
		writeMember(w, "data.tar.gz", gzipTarball("./usr/share/doc/placeholder", []byte("data")))
	}

	return buf.Bytes()
}

func writeMember(w *ar.Writer, name string, body []byte) {
	header := &ar.Header{
		Name:    name,
		Size:    int64(len(body)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := w.WriteHeader(header); err != nil {
		panic(err)
	}
	if _, err := w.Write(body); err != nil {
		panic(err)
	}
}

func gzipTarball(name string, content []byte) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	header := &tar.Header{
		Name:    name,
		Size:    int64(len(content)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		panic(err)
	}
	if _, err := tw.Write(content); err != nil {
		panic(err)
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}
	if err := gz.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
