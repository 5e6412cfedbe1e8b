package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pository/pository/deb"
)

const aptContentType = "text/plain; charset=utf-8"

// handleRelease serves the Release document of a distribution.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := s.synth.Release(deb.SanitizePath(vars["repo"]), deb.SanitizePath(vars["distribution"]))
	if err != nil {
		writeInternal(w, "Failed to render Release", err)
		return
	}
	w.Header().Set("Content-Type", aptContentType)
	_, _ = w.Write(body)
}

// handlePackagesIndex serves one binary-<arch>/Packages slice. There is
// no binary-all slice: Architecture "all" packages are folded into
// every native slice instead.
func (s *Server) handlePackagesIndex(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	arch := deb.SanitizePath(vars["architecture"])
	if arch == "all" {
		writeError(w, http.StatusNotFound, "not found", "binary-all is not served; all packages are folded into native slices")
		return
	}

	body, etag, err := s.synth.Packages(
		deb.SanitizePath(vars["repo"]),
		deb.SanitizePath(vars["distribution"]),
		deb.SanitizePath(vars["component"]),
		arch,
	)
	if err != nil {
		writeInternal(w, "Failed to render Packages", err)
		return
	}

	w.Header().Set("Content-Type", aptContentType)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(body)
}

// handlePoolDownload streams a deb addressed by its pool path.
func (s *Server) handlePoolDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	loc, ok := poolLocation(vars["repo"], vars)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid filename",
			"expected <name>_<version>_<architecture>.deb")
		return
	}
	s.serveArtifact(w, r, loc)
}
