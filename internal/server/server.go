// Package server is the HTTP surface: the management API, the legacy
// download path and the apt index tree.
package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pository/pository/internal/aptindex"
	"github.com/pository/pository/internal/auth"
	"github.com/pository/pository/internal/config"
	"github.com/pository/pository/internal/log"
	"github.com/pository/pository/internal/metrics"
	"github.com/pository/pository/internal/storage"
)

// TokenVerifier validates a workload identity token.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Server wires handlers to their collaborators.
type Server struct {
	cfg      *config.Config
	engine   *storage.Engine
	keys     *auth.KeyStore
	verifier TokenVerifier
	policy   *auth.Policy
	synth    *aptindex.Synthesizer
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// New assembles the server.
func New(cfg *config.Config, engine *storage.Engine, keys *auth.KeyStore,
	verifier TokenVerifier, policy *auth.Policy, synth *aptindex.Synthesizer,
	m *metrics.Metrics, logger *log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		keys:     keys,
		verifier: verifier,
		policy:   policy,
		synth:    synth,
		metrics:  m,
		logger:   logger,
	}
}

// Router builds the full route table. Health, metrics and the apt tree
// are unauthenticated; everything else requires credentials.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	apt := r.PathPrefix("/apt/{repo}").Subrouter()
	apt.HandleFunc("/dists/{distribution}/Release", s.handleRelease).Methods(http.MethodGet)
	apt.HandleFunc("/dists/{distribution}/{component}/binary-{architecture}/Packages", s.handlePackagesIndex).Methods(http.MethodGet)
	apt.HandleFunc("/pool/{distribution}/{component}/{architecture}/{filename}", s.handlePoolDownload).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/packages", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/packages", s.requireRole(auth.RoleRead, s.handleList)).Methods(http.MethodGet)
	api.HandleFunc("/packages/{repo}/{distribution}/{component}/{architecture}/{name}/{version}",
		s.requireRole(auth.RoleRead, s.handleMetadata)).Methods(http.MethodGet)
	api.HandleFunc("/packages/{repo}/{distribution}/{component}/{architecture}/{name}/{version}",
		s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/keys", s.requireRole(auth.RoleAdmin, s.handleCreateKey)).Methods(http.MethodPost)
	api.HandleFunc("/keys", s.requireRole(auth.RoleAdmin, s.handleListKeys)).Methods(http.MethodGet)
	api.HandleFunc("/keys/{id}", s.requireRole(auth.RoleAdmin, s.handleDeleteKey)).Methods(http.MethodDelete)

	legacy := http.HandlerFunc(s.handleLegacyDownload)
	if s.cfg.AuthenticatedDownloads() {
		r.Handle("/repo/{distribution}/{component}/{architecture}/{filename}",
			s.requireAuth(s.requireRole(auth.RoleRead, legacy))).Methods(http.MethodGet)
	} else {
		r.Handle("/repo/{distribution}/{component}/{architecture}/{filename}", legacy).Methods(http.MethodGet)
	}

	return s.observe(s.cors(r))
}
