package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/pository/pository/deb"
	"github.com/pository/pository/internal/auth"
	"github.com/pository/pository/internal/config"
	"github.com/pository/pository/internal/storage"
)

// handleUpload implements the multipart upload pipeline.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Bound the whole request body; the per-file check below gives the
	// precise 413.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1024*1024)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large",
				fmt.Sprintf("upload exceeds the %d byte limit", s.cfg.MaxUploadSize))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body", err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	formValue := func(field, fallback string) string {
		if v := r.FormValue(field); v != "" {
			return v
		}
		return fallback
	}
	repo := formValue("repo", "default")
	dist := formValue("distribution", "stable")
	comp := formValue("component", "main")
	archHint := r.FormValue("architecture")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part", "a single part named \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload", err.Error())
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large",
			fmt.Sprintf("upload exceeds the %d byte limit", s.cfg.MaxUploadSize))
		return
	}
	info, err := deb.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid package", err.Error())
		return
	}

	name, version, arch := resolveLocation(info.Control, header.Filename)
	if arch == "" {
		arch = archHint
	}
	if name == "" || version == "" {
		writeError(w, http.StatusBadRequest, "invalid package",
			"package name and version are present neither in the control file nor in the filename")
		return
	}
	if arch == "" {
		arch = "all"
	}

	loc := storage.Location{
		Repo:         deb.SanitizePath(repo),
		Distribution: deb.SanitizePath(dist),
		Component:    deb.SanitizePath(comp),
		Architecture: deb.SanitizePath(arch),
		Name:         deb.SanitizePath(name),
		Version:      deb.SanitizePath(version),
	}
	if err := validateLocation(loc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid package", err.Error())
		return
	}

	if !s.cfg.RepoAllowed(loc.Repo) {
		writeError(w, http.StatusForbidden, "repo not allowed",
			fmt.Sprintf("repo %q is not in the allowed repos list", loc.Repo))
		return
	}

	id := identityFrom(r)
	if id.claims != nil {
		if err := s.policy.Authorize(id.claims, loc.Name); err != nil {
			writeError(w, http.StatusForbidden, "forbidden", err.Error())
			return
		}
	} else if !auth.HasPermission(id.key, auth.RoleWrite, loc.Repo, loc.Distribution) {
		writeError(w, http.StatusForbidden, "forbidden", "key lacks write access to this repo and distribution")
		return
	}

	meta, err := s.engine.StorePackage(r.Context(), loc, data, id.keyID(), info.Control)
	if err != nil {
		writeInternal(w, "Failed to store package", err)
		return
	}
	s.metrics.AddUploadBytes(int64(len(data)))
	writeJSON(w, http.StatusCreated, meta)
}

// resolveLocation determines name, version and architecture from the
// control fields, falling back to the upload filename per field.
func resolveLocation(control *deb.ControlFields, filename string) (name, version, arch string) {
	if control != nil {
		name, version, arch = control.Package, control.Version, control.Architecture
	}
	if name == "" || version == "" || arch == "" {
		fromName, fromVersion, fromArch, ok := deb.ParseFilename(filename)
		if ok {
			if name == "" {
				name = fromName
			}
			if version == "" {
				version = fromVersion
			}
			if arch == "" {
				arch = fromArch
			}
		}
	}
	return name, version, arch
}

// validateLocation applies the component grammar checks. Repo,
// distribution and component follow the config allowedRepos grammar;
// name, version and architecture follow the Debian grammars.
func validateLocation(loc storage.Location) error {
	for _, part := range []struct{ field, value string }{
		{"repo", loc.Repo},
		{"distribution", loc.Distribution},
		{"component", loc.Component},
	} {
		if !config.ValidRepoName(part.value) {
			return fmt.Errorf("invalid %s %q", part.field, part.value)
		}
	}
	if !deb.ValidName(loc.Name) {
		return fmt.Errorf("invalid package name %q", loc.Name)
	}
	if !deb.ValidVersion(loc.Version) {
		return fmt.Errorf("invalid version %q", loc.Version)
	}
	if !deb.ValidArchitecture(loc.Architecture) {
		return fmt.Errorf("invalid architecture %q", loc.Architecture)
	}
	return nil
}

// handleList returns metadata entries matching the query parameters.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	packages, err := s.engine.ListPackages(storage.Filters{
		Repo:         query.Get("repo"),
		Distribution: query.Get("distribution"),
		Component:    query.Get("component"),
		Architecture: query.Get("architecture"),
		Name:         query.Get("name"),
		Version:      query.Get("version"),
	})
	if err != nil {
		writeInternal(w, "Failed to list packages", err)
		return
	}
	writeJSON(w, http.StatusOK, packages)
}

// locationFromVars builds the storage location from route variables.
func locationFromVars(r *http.Request) storage.Location {
	vars := mux.Vars(r)
	return storage.Location{
		Repo:         deb.SanitizePath(vars["repo"]),
		Distribution: deb.SanitizePath(vars["distribution"]),
		Component:    deb.SanitizePath(vars["component"]),
		Architecture: deb.SanitizePath(vars["architecture"]),
		Name:         deb.SanitizePath(vars["name"]),
		Version:      deb.SanitizePath(vars["version"]),
	}
}

// handleMetadata returns the stored metadata document.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.engine.GetPackageMetadata(locationFromVars(r))
	if !ok {
		writeError(w, http.StatusNotFound, "not found", "")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleDelete removes a package. Requires admin; a scoped admin key
// must cover the target repo and distribution.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	loc := locationFromVars(r)

	id := identityFrom(r)
	if id.key == nil || !auth.HasPermission(id.key, auth.RoleAdmin, loc.Repo, loc.Distribution) {
		writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
		return
	}

	ok, err := s.engine.DeletePackage(loc)
	if err != nil {
		writeInternal(w, "Failed to delete package", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveArtifact streams a stored deb with the download headers.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, loc storage.Location) {
	path, ok := s.engine.GetPackageFile(loc)
	if !ok {
		writeError(w, http.StatusNotFound, "not found", "")
		return
	}

	w.Header().Set("Content-Type", storage.MIMEType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", loc.Filename()))
	if meta, ok := s.engine.GetPackageMetadata(loc); ok {
		w.Header().Set("X-Checksum-Sha256", meta.SHA256)
		s.metrics.AddDownloadBytes(meta.Size)
	} else if stat, err := os.Stat(path); err == nil {
		s.metrics.AddDownloadBytes(stat.Size())
	}

	http.ServeFile(w, r, path)
}

// handleLegacyDownload serves /repo/... paths against the implicit
// default repo. New deployments should use /apt/<repo>/pool/... which
// names the repo explicitly.
func (s *Server) handleLegacyDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	loc, ok := poolLocation("default", vars)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid filename",
			"expected <name>_<version>_<architecture>.deb")
		return
	}
	s.serveArtifact(w, r, loc)
}

// poolLocation resolves a pool path to a storage location.
func poolLocation(repo string, vars map[string]string) (storage.Location, bool) {
	name, version, arch, ok := deb.ParseFilename(vars["filename"])
	if !ok {
		return storage.Location{}, false
	}
	return storage.Location{
		Repo:         deb.SanitizePath(repo),
		Distribution: deb.SanitizePath(vars["distribution"]),
		Component:    deb.SanitizePath(vars["component"]),
		Architecture: deb.SanitizePath(arch),
		Name:         deb.SanitizePath(name),
		Version:      deb.SanitizePath(version),
	}, true
}
