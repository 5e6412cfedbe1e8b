package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pository/pository/deb/debtest"
	"github.com/pository/pository/internal/aptindex"
	"github.com/pository/pository/internal/auth"
	"github.com/pository/pository/internal/config"
	"github.com/pository/pository/internal/events"
	"github.com/pository/pository/internal/log"
	"github.com/pository/pository/internal/metrics"
	"github.com/pository/pository/internal/storage"
)

const testAdminKey = "test-admin-secret"

// stubVerifier resolves tokens from a fixed map.
type stubVerifier struct {
	tokens map[string]*auth.Claims
}

func (v *stubVerifier) Verify(token string) (*auth.Claims, error) {
	if claims, ok := v.tokens[token]; ok {
		return claims, nil
	}
	return nil, auth.ErrTokenInvalid
}

type harness struct {
	server   *Server
	router   http.Handler
	keys     *auth.KeyStore
	engine   *storage.Engine
	verifier *stubVerifier
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		DataRoot:      filepath.Join(dir, "data"),
		LogPath:       filepath.Join(dir, "logs", "pository.log"),
		Port:          8080,
		MaxUploadSize: 1 << 20,
		AdminKey:      testAdminKey,
		APIKeysPath:   filepath.Join(dir, "keys.json"),
		OIDCAudience:  "pository",
		OIDCAllowedOwners: []string{
			"alice",
		},
		OIDCRequirePrivate: true,
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.EnsureDirectories())

	logger, err := log.Open(cfg.LogPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	bus := events.NewBus()
	engine := storage.NewEngine(cfg.DataRoot, bus)
	t.Cleanup(engine.Shutdown)

	keys, err := auth.NewKeyStore(cfg.APIKeysPath, cfg.AdminKey)
	require.NoError(t, err)
	t.Cleanup(keys.Close)

	verifier := &stubVerifier{tokens: make(map[string]*auth.Claims)}
	policy := &auth.Policy{
		AllowedOwners:  cfg.OIDCAllowedOwners,
		RequirePrivate: cfg.OIDCRequirePrivate,
		Overrides:      cfg.OIDCOverrides,
	}
	synth := aptindex.NewSynthesizer(engine, bus)

	srv := New(cfg, engine, keys, verifier, policy, synth, metrics.New(engine), logger)
	return &harness{
		server:   srv,
		router:   srv.Router(),
		keys:     keys,
		engine:   engine,
		verifier: verifier,
	}
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, req)
	return recorder
}

// upload posts a multipart package upload authenticated by header.
func (h *harness) upload(t *testing.T, filename string, body []byte, fields map[string]string, headerName, headerValue string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for field, value := range fields {
		require.NoError(t, writer.WriteField(field, value))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/packages", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(headerName, headerValue)
	return h.do(t, req)
}

func (h *harness) adminUpload(t *testing.T, filename string, body []byte, fields map[string]string) *httptest.ResponseRecorder {
	return h.upload(t, filename, body, fields, "X-Api-Key", testAdminKey)
}

func (h *harness) get(t *testing.T, path, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	return h.do(t, req)
}

func helloDeb(name, version, arch string) []byte {
	return debtest.Build(debtest.Options{
		Name:         name,
		Version:      version,
		Architecture: arch,
		Description:  name + " test package",
	})
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	body := helloDeb("hello", "1.0", "amd64")

	resp := h.adminUpload(t, "hello_1.0_amd64.deb", body, map[string]string{
		"repo": "default", "distribution": "stable", "component": "main",
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var meta storage.Metadata
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &meta))
	assert.Equal(t, "hello", meta.Name)
	assert.Equal(t, "1.0", meta.Version)
	assert.Equal(t, "amd64", meta.Architecture)
	digest := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(digest[:]), meta.SHA256)

	index := h.get(t, "/apt/default/dists/stable/main/binary-amd64/Packages", "")
	require.Equal(t, http.StatusOK, index.Code)
	assert.Contains(t, index.Body.String(), "Package: hello\n")
	assert.Contains(t, index.Body.String(), "Version: 1.0\n")
	assert.Contains(t, index.Body.String(), "Filename: pool/stable/main/amd64/hello_1.0_amd64.deb\n")

	download := h.get(t, "/apt/default/pool/stable/main/amd64/hello_1.0_amd64.deb", "")
	require.Equal(t, http.StatusOK, download.Code)
	assert.Equal(t, body, download.Body.Bytes())
	assert.Equal(t, storage.MIMEType, download.Header().Get("Content-Type"))
	assert.Equal(t, meta.SHA256, download.Header().Get("X-Checksum-Sha256"))
	assert.Contains(t, download.Header().Get("Content-Disposition"), "hello_1.0_amd64.deb")
}

func TestUploadDefaultsAndFilenameFallback(t *testing.T) {
	h := newHarness(t, nil)

	// No form fields at all; the control file carries the identity and
	// repo/dist/comp fall back to default/stable/main.
	resp := h.adminUpload(t, "whatever.deb", helloDeb("pkg", "2.1", "arm64"), nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var meta storage.Metadata
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &meta))
	assert.Equal(t, "default", meta.Repo)
	assert.Equal(t, "stable", meta.Distribution)
	assert.Equal(t, "main", meta.Component)
	assert.Equal(t, "arm64", meta.Architecture)
}

func TestArchitectureAllFolding(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.adminUpload(t, "shared_1.0_all.deb", helloDeb("shared", "1.0", "all"), nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	amd64 := h.get(t, "/apt/default/dists/stable/main/binary-amd64/Packages", "")
	require.Equal(t, http.StatusOK, amd64.Code)
	assert.Contains(t, amd64.Body.String(), "Package: shared\n")

	all := h.get(t, "/apt/default/dists/stable/main/binary-all/Packages", "")
	assert.Equal(t, http.StatusNotFound, all.Code)
}

func TestOverwriteKeepsLastUpload(t *testing.T) {
	h := newHarness(t, nil)

	first := helloDeb("hello", "1.0", "amd64")
	second := debtest.Build(debtest.Options{
		Name: "hello", Version: "1.0", Architecture: "amd64",
		Description: "hello with a different description",
	})
	require.NotEqual(t, first, second)

	require.Equal(t, http.StatusCreated, h.adminUpload(t, "hello_1.0_amd64.deb", first, nil).Code)
	require.Equal(t, http.StatusCreated, h.adminUpload(t, "hello_1.0_amd64.deb", second, nil).Code)

	list := h.get(t, "/api/v1/packages", testAdminKey)
	require.Equal(t, http.StatusOK, list.Code)

	var packages []storage.Metadata
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &packages))
	require.Len(t, packages, 1)
	digest := sha256.Sum256(second)
	assert.Equal(t, hex.EncodeToString(digest[:]), packages[0].SHA256)
}

func TestRolePermissions(t *testing.T) {
	h := newHarness(t, nil)

	_, readSecret, err := h.keys.CreateKey(auth.RoleRead, "reader", nil)
	require.NoError(t, err)
	_, writeSecret, err := h.keys.CreateKey(auth.RoleWrite, "writer", nil)
	require.NoError(t, err)

	body := helloDeb("hello", "1.0", "amd64")

	denied := h.upload(t, "hello_1.0_amd64.deb", body, nil, "X-Api-Key", readSecret)
	assert.Equal(t, http.StatusForbidden, denied.Code)

	created := h.upload(t, "hello_1.0_amd64.deb", body, nil, "X-Api-Key", writeSecret)
	require.Equal(t, http.StatusCreated, created.Code)

	path := "/api/v1/packages/default/stable/main/amd64/hello/1.0"

	req := httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("X-Api-Key", writeSecret)
	assert.Equal(t, http.StatusForbidden, h.do(t, req).Code)

	req = httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("X-Api-Key", testAdminKey)
	assert.Equal(t, http.StatusNoContent, h.do(t, req).Code)

	req = httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("X-Api-Key", testAdminKey)
	assert.Equal(t, http.StatusNotFound, h.do(t, req).Code)
}

func TestWorkloadIdentityUpload(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.tokens["good"] = &auth.Claims{
		Repository:           "alice/foo",
		RepositoryVisibility: "private",
		EventName:            "push",
	}
	h.verifier.tokens["pr"] = &auth.Claims{
		Repository:           "alice/foo",
		RepositoryVisibility: "private",
		EventName:            "pull_request",
	}

	allowed := h.upload(t, "foo_1.0_amd64.deb", helloDeb("foo", "1.0", "amd64"), nil,
		"Authorization", "Bearer good")
	require.Equal(t, http.StatusCreated, allowed.Code, allowed.Body.String())

	var meta storage.Metadata
	require.NoError(t, json.Unmarshal(allowed.Body.Bytes(), &meta))
	assert.Equal(t, "oidc:alice/foo", meta.UploaderKeyID)

	wrongName := h.upload(t, "bar_1.0_amd64.deb", helloDeb("bar", "1.0", "amd64"), nil,
		"Authorization", "Bearer good")
	assert.Equal(t, http.StatusForbidden, wrongName.Code)
	assert.Contains(t, wrongName.Body.String(), "may only publish packages named foo")

	pullRequest := h.upload(t, "foo_1.0_amd64.deb", helloDeb("foo", "1.0", "amd64"), nil,
		"Authorization", "Bearer pr")
	assert.Equal(t, http.StatusForbidden, pullRequest.Code)

	badToken := h.upload(t, "foo_1.0_amd64.deb", helloDeb("foo", "1.0", "amd64"), nil,
		"Authorization", "Bearer bogus")
	assert.Equal(t, http.StatusUnauthorized, badToken.Code)
}

func TestAptConsistency(t *testing.T) {
	h := newHarness(t, nil)

	multiarch := debtest.Build(debtest.Options{
		Name: "libfoo", Version: "1.0", Architecture: "amd64",
		Description: "multiarch library",
		ExtraFields: []string{"Multi-Arch: foreign"},
	})
	plain := helloDeb("plain", "1.0", "amd64")

	require.Equal(t, http.StatusCreated, h.adminUpload(t, "libfoo_1.0_amd64.deb", multiarch, nil).Code)
	require.Equal(t, http.StatusCreated, h.adminUpload(t, "plain_1.0_amd64.deb", plain, nil).Code)

	index := h.get(t, "/apt/default/dists/stable/main/binary-amd64/Packages", "")
	require.Equal(t, http.StatusOK, index.Code)
	stanzas := strings.Split(strings.TrimRight(index.Body.String(), "\n"), "\n\n")
	require.Len(t, stanzas, 2)
	for _, stanza := range stanzas {
		if strings.Contains(stanza, "Package: libfoo") {
			assert.Contains(t, stanza, "Multi-Arch: foreign")
		} else {
			assert.NotContains(t, stanza, "Multi-Arch")
		}
	}

	release := h.get(t, "/apt/default/dists/stable/Release", "")
	require.Equal(t, http.StatusOK, release.Code)
	digest := sha256.Sum256(index.Body.Bytes())
	assert.Contains(t, release.Body.String(),
		fmt.Sprintf(" %s %8d main/binary-amd64/Packages\n", hex.EncodeToString(digest[:]), index.Body.Len()))
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("one byte file", func(t *testing.T) {
		resp := h.adminUpload(t, "x.deb", []byte{0x21}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("no identity anywhere", func(t *testing.T) {
		// Valid archive but empty control and an unparseable filename.
		body := debtest.Build(debtest.Options{OmitControlMember: true})
		resp := h.adminUpload(t, "noidentity.deb", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("oversize", func(t *testing.T) {
		resp := h.adminUpload(t, "big_1.0_amd64.deb", make([]byte, (1<<20)+1), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	})

	t.Run("traversal-only repo", func(t *testing.T) {
		resp := h.adminUpload(t, "hello_1.0_amd64.deb", helloDeb("hello", "1.0", "amd64"),
			map[string]string{"repo": "../.."})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("traversal prefix is stripped", func(t *testing.T) {
		resp := h.adminUpload(t, "hello_1.0_amd64.deb", helloDeb("hello", "1.0", "amd64"),
			map[string]string{"repo": "../../etc"})
		require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
		var meta storage.Metadata
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &meta))
		assert.Equal(t, "etc", meta.Repo)
	})
}

func TestAllowedRepos(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AllowedRepos = []string{"default"}
	})

	ok := h.adminUpload(t, "hello_1.0_amd64.deb", helloDeb("hello", "1.0", "amd64"),
		map[string]string{"repo": "default"})
	assert.Equal(t, http.StatusCreated, ok.Code)

	denied := h.adminUpload(t, "hello_1.0_amd64.deb", helloDeb("hello", "1.0", "amd64"),
		map[string]string{"repo": "private"})
	assert.Equal(t, http.StatusForbidden, denied.Code)
}

func TestUnderscoreRepoUpload(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AllowedRepos = []string{"my_repo"}
	})

	resp := h.adminUpload(t, "hello_1.0_amd64.deb", helloDeb("hello", "1.0", "amd64"),
		map[string]string{"repo": "my_repo"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	index := h.get(t, "/apt/my_repo/dists/stable/main/binary-amd64/Packages", "")
	require.Equal(t, http.StatusOK, index.Code)
	assert.Contains(t, index.Body.String(), "Package: hello\n")
}

func TestUploadBytesCountStoredOnly(t *testing.T) {
	h := newHarness(t, nil)

	rejected := h.adminUpload(t, "x.deb", []byte("not a deb"), nil)
	require.Equal(t, http.StatusBadRequest, rejected.Code)

	scrape := h.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, scrape.Code)
	assert.Contains(t, scrape.Body.String(), "pository_upload_bytes_total 0\n")

	body := helloDeb("hello", "1.0", "amd64")
	require.Equal(t, http.StatusCreated, h.adminUpload(t, "hello_1.0_amd64.deb", body, nil).Code)

	scrape = h.get(t, "/metrics", "")
	assert.Contains(t, scrape.Body.String(), fmt.Sprintf("pository_upload_bytes_total %d\n", len(body)))
}

func TestAuthenticationRequired(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusUnauthorized, h.get(t, "/api/v1/packages", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.get(t, "/api/v1/packages", "wrong").Code)

	// Bearer takes precedence; an invalid token is a 401 even with a
	// valid key alongside.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/packages", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	req.Header.Set("X-Api-Key", testAdminKey)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, req).Code)
}

func TestEmptyListIsArray(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.get(t, "/api/v1/packages", testAdminKey)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "[]", strings.TrimSpace(resp.Body.String()))
}

func TestKeyLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	body := strings.NewReader(`{"role":"write","description":"ci","scope":{"repos":["default"]}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys", body)
	req.Header.Set("X-Api-Key", testAdminKey)
	created := h.do(t, req)
	require.Equal(t, http.StatusCreated, created.Code)

	var resp createKeyResponse
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Secret)

	list := h.get(t, "/api/v1/keys", testAdminKey)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), resp.ID)
	assert.NotContains(t, list.Body.String(), resp.Secret)
	assert.NotContains(t, list.Body.String(), "hash")

	// Key management is admin-only, even for the key's owner.
	denied := h.get(t, "/api/v1/keys", resp.Secret)
	assert.Equal(t, http.StatusForbidden, denied.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/keys/"+resp.ID, nil)
	req.Header.Set("X-Api-Key", testAdminKey)
	assert.Equal(t, http.StatusNoContent, h.do(t, req).Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/keys/"+resp.ID, nil)
	req.Header.Set("X-Api-Key", testAdminKey)
	assert.Equal(t, http.StatusNotFound, h.do(t, req).Code)
}

func TestLegacyDownload(t *testing.T) {
	t.Run("authenticated by default", func(t *testing.T) {
		h := newHarness(t, nil)
		body := helloDeb("hello", "1.0", "amd64")
		require.Equal(t, http.StatusCreated, h.adminUpload(t, "hello_1.0_amd64.deb", body, nil).Code)

		assert.Equal(t, http.StatusUnauthorized, h.get(t, "/repo/stable/main/amd64/hello_1.0_amd64.deb", "").Code)

		resp := h.get(t, "/repo/stable/main/amd64/hello_1.0_amd64.deb", testAdminKey)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, body, resp.Body.Bytes())
	})

	t.Run("toggle off", func(t *testing.T) {
		off := false
		h := newHarness(t, func(cfg *config.Config) {
			cfg.AuthDownloads = &off
		})
		body := helloDeb("hello", "1.0", "amd64")
		require.Equal(t, http.StatusCreated, h.adminUpload(t, "hello_1.0_amd64.deb", body, nil).Code)

		resp := h.get(t, "/repo/stable/main/amd64/hello_1.0_amd64.deb", "")
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, body, resp.Body.Bytes())
	})

	t.Run("bad filename", func(t *testing.T) {
		h := newHarness(t, nil)
		assert.Equal(t, http.StatusBadRequest, h.get(t, "/repo/stable/main/amd64/notadeb", testAdminKey).Code)
	})
}

func TestPackagesETag(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusCreated,
		h.adminUpload(t, "hello_1.0_amd64.deb", helloDeb("hello", "1.0", "amd64"), nil).Code)

	first := h.get(t, "/apt/default/dists/stable/main/binary-amd64/Packages", "")
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/apt/default/dists/stable/main/binary-amd64/Packages", nil)
	req.Header.Set("If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, h.do(t, req).Code)
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t, nil)

	health := h.get(t, "/healthz", "")
	require.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok"}`, health.Body.String())

	ready := h.get(t, "/readyz", "")
	require.Equal(t, http.StatusOK, ready.Code)
	assert.Contains(t, ready.Body.String(), `"storage":true`)

	metricsResp := h.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, metricsResp.Code)
	assert.Contains(t, metricsResp.Body.String(), "pository_requests_total")
}

func TestMetadataEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusCreated,
		h.adminUpload(t, "hello_1.0_amd64.deb", helloDeb("hello", "1.0", "amd64"), nil).Code)

	resp := h.get(t, "/api/v1/packages/default/stable/main/amd64/hello/1.0", testAdminKey)
	require.Equal(t, http.StatusOK, resp.Code)

	var meta storage.Metadata
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &meta))
	assert.Equal(t, "hello", meta.Name)
	assert.Equal(t, "hello test package", meta.Description)

	missing := h.get(t, "/api/v1/packages/default/stable/main/amd64/ghost/1.0", testAdminKey)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.CORSOrigins = []string{"https://ui.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/packages", nil)
	req.Header.Set("Origin", "https://ui.example")
	resp := h.do(t, req)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "https://ui.example", resp.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/packages", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp = h.do(t, req)
	assert.Empty(t, resp.Header().Get("Access-Control-Allow-Origin"))
}
