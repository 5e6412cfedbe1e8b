package deb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// fallbackTimeout bounds a single dpkg-deb invocation.
const fallbackTimeout = 15 * time.Second

// FieldsFromDpkg extracts control fields from a stored .deb by shelling
// out to dpkg-deb. It is the fallback for packages whose control tarball
// could not be decoded at upload time, and the source of truth for the
// self-heal backfill: the output is byte-identical to what dpkg itself
// records.
func FieldsFromDpkg(ctx context.Context, path string) (*ControlFields, error) {
	ctx, cancel := context.WithTimeout(ctx, fallbackTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "dpkg-deb", "--field", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("dpkg-deb --field %s: %w: %s", path, err, stderr.String())
	}

	return ParseControl(&stdout)
}
