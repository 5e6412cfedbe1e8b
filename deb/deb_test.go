package deb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pository/pository/deb"
	"github.com/pository/pository/deb/debtest"
)

func TestParse(t *testing.T) {
	data := debtest.Build(debtest.Options{
		Name:         "hello",
		Version:      "1.0",
		Architecture: "amd64",
		ExtraFields:  []string{"Multi-Arch: foreign", "Depends: libc6 (>= 2.34)"},
		Description:  "greets the world",
	})

	info, err := deb.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "2.0", info.FormatVersion)

	require.NotNil(t, info.Control)
	assert.Equal(t, "hello", info.Control.Package)
	assert.Equal(t, "1.0", info.Control.Version)
	assert.Equal(t, "amd64", info.Control.Architecture)
	assert.Equal(t, "foreign", info.Control.MultiArch)
	assert.Equal(t, "libc6 (>= 2.34)", info.Control.Depends)
	assert.Equal(t, "greets the world", info.Control.Description)
	assert.Empty(t, info.Control.InstalledSize)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "one byte",
			data:    []byte{0x42},
			wantErr: deb.ErrInvalidArchive,
		},
		{
			name:    "empty",
			data:    nil,
			wantErr: deb.ErrInvalidArchive,
		},
		{
			name:    "wrong magic",
			data:    []byte("not an ar archive at all"),
			wantErr: deb.ErrInvalidArchive,
		},
		{
			name:    "missing control member",
			data:    debtest.Build(debtest.Options{OmitControlMember: true}),
			wantErr: deb.ErrNotDebianPackage,
		},
		{
			name:    "missing data member",
			data:    debtest.Build(debtest.Options{OmitDataMember: true}),
			wantErr: deb.ErrNotDebianPackage,
		},
		{
			name:    "format 3.0",
			data:    debtest.Build(debtest.Options{FormatVersion: "3.0"}),
			wantErr: deb.ErrUnsupportedFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := deb.Parse(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFilenameRoundTrip(t *testing.T) {
	filename := deb.Filename("hello", "1.0-1", "amd64")
	assert.Equal(t, "hello_1.0-1_amd64.deb", filename)

	name, version, arch, ok := deb.ParseFilename(filename)
	require.True(t, ok)
	assert.Equal(t, "hello", name)
	assert.Equal(t, "1.0-1", version)
	assert.Equal(t, "amd64", arch)
}

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename string
		name     string
		version  string
		arch     string
		ok       bool
	}{
		{"hello_1.0_amd64.deb", "hello", "1.0", "amd64", true},
		{"hello_1.0.deb", "hello", "1.0", "", true},
		{"hello.deb", "", "", "", false},
		{"hello_1.0_amd64.tar", "", "", "", false},
		{"_1.0_amd64.deb", "", "", "", false},
		{"a_b_c_d.deb", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			name, version, arch, ok := deb.ParseFilename(tt.filename)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.name, name)
				assert.Equal(t, tt.version, version)
				assert.Equal(t, tt.arch, arch)
			}
		})
	}
}

func TestValidators(t *testing.T) {
	assert.True(t, deb.ValidName("hello"))
	assert.True(t, deb.ValidName("libssl1.1"))
	assert.True(t, deb.ValidName("g++-12"))
	assert.False(t, deb.ValidName("-bad"))
	assert.False(t, deb.ValidName(""))
	assert.False(t, deb.ValidName("has space"))

	assert.True(t, deb.ValidVersion("1.0"))
	assert.True(t, deb.ValidVersion("2:1.0~rc1-3"))
	assert.False(t, deb.ValidVersion(""))
	assert.False(t, deb.ValidVersion("-1"))

	assert.True(t, deb.ValidArchitecture("amd64"))
	assert.True(t, deb.ValidArchitecture("all"))
	assert.True(t, deb.ValidArchitecture("riscv64"))
	assert.False(t, deb.ValidArchitecture("64bit!"))
	assert.False(t, deb.ValidArchitecture(""))
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"stable", "stable"},
		{"../etc/passwd", "etcpasswd"},
		{"..", ""},
		{"a/b\\c", "abc"},
		{".hidden", "hidden"},
		{"....//", ""},
		{"name.with.dots", "name.with.dots"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := deb.SanitizePath(tt.input)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "/")
			assert.NotContains(t, got, "\\")
			assert.NotContains(t, got, "..")
		})
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.10", "1.9", 1},
		{"1.0~rc1", "1.0", -1},
		{"1:0.9", "2.0", 1},
		{"1.0-1", "1.0-2", -1},
		{"1.0", "1.0-1", -1},
		{"2.0a", "2.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			got := deb.CompareVersions(tt.a, tt.b)
			switch tt.want {
			case 0:
				assert.Zero(t, got)
			case -1:
				assert.Negative(t, got)
			case 1:
				assert.Positive(t, got)
			}
		})
	}
}

func TestSplitVersion(t *testing.T) {
	parts := deb.SplitVersion("2:1.0~rc1-3ubuntu1")
	assert.Equal(t, 2, parts.Epoch)
	assert.Equal(t, "1.0~rc1", parts.Upstream)
	assert.Equal(t, "3ubuntu1", parts.Revision)

	parts = deb.SplitVersion("1.0")
	assert.Zero(t, parts.Epoch)
	assert.Equal(t, "1.0", parts.Upstream)
	assert.Empty(t, parts.Revision)
}
