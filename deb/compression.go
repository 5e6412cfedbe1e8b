package deb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// memberReader returns a reader over the decompressed payload of an
// archive member, chosen by the member's extension. Plain ".tar" passes
// through untouched.
func memberReader(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".tar"):
		return r, nil
	case strings.HasSuffix(name, ".gz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".xz"):
		return xz.NewReader(r)
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case strings.HasSuffix(name, ".bz2"):
		return bzip2.NewReader(r, nil)
	default:
		return nil, fmt.Errorf("unsupported compression for member %s", name)
	}
}

// extractControl locates the control file inside the control tarball and
// parses its fields.
func extractControl(memberName string, body []byte) (*ControlFields, error) {
	reader, err := memberReader(memberName, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		// Both "./control" and "control" occur in the wild
		if path.Clean(header.Name) != "control" {
			continue
		}

		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		return ParseControl(bytes.NewReader(payload))
	}

	return nil, fmt.Errorf("control file not found in %s", memberName)
}
