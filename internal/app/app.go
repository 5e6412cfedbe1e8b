// Package app assembles the runtime components from configuration and
// owns their lifecycle.
package app

import (
	"fmt"
	"log/slog"

	"github.com/pository/pository/internal/aptindex"
	"github.com/pository/pository/internal/auth"
	"github.com/pository/pository/internal/config"
	"github.com/pository/pository/internal/events"
	"github.com/pository/pository/internal/log"
	"github.com/pository/pository/internal/metrics"
	"github.com/pository/pository/internal/server"
	"github.com/pository/pository/internal/storage"
)

// Application holds the initialized runtime components and configuration.
type Application struct {
	Config   *config.Config
	Logger   *log.Logger
	Bus      *events.Bus
	Engine   *storage.Engine
	Keys     *auth.KeyStore
	Verifier *auth.Verifier
	Policy   *auth.Policy
	Synth    *aptindex.Synthesizer
	Metrics  *metrics.Metrics
	Server   *server.Server
}

// New creates and initializes an Application from configuration. The
// logger becomes the process-wide slog default so all components log
// through the same file.
func New(cfg *config.Config, level slog.Leveler) (*Application, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, err := log.Open(cfg.LogPath, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger.Logger)

	bus := events.NewBus()
	engine := storage.NewEngine(cfg.DataRoot, bus)

	keys, err := auth.NewKeyStore(cfg.APIKeysPath, cfg.AdminKey)
	if err != nil {
		engine.Shutdown()
		_ = logger.Close()
		return nil, fmt.Errorf("failed to initialize key store: %w", err)
	}

	verifier := auth.NewVerifier(cfg.OIDCAudience)
	policy := &auth.Policy{
		AllowedOwners:  cfg.OIDCAllowedOwners,
		RequirePrivate: cfg.OIDCRequirePrivate,
		Overrides:      cfg.OIDCOverrides,
	}

	synth := aptindex.NewSynthesizer(engine, bus)
	m := metrics.New(engine)

	return &Application{
		Config:   cfg,
		Logger:   logger,
		Bus:      bus,
		Engine:   engine,
		Keys:     keys,
		Verifier: verifier,
		Policy:   policy,
		Synth:    synth,
		Metrics:  m,
		Server:   server.New(cfg, engine, keys, verifier, policy, synth, m, logger),
	}, nil
}

// Shutdown gracefully stops all application components.
func (a *Application) Shutdown() {
	if a.Keys != nil {
		a.Keys.Close()
	}
	if a.Engine != nil {
		a.Engine.Shutdown()
	}
	if a.Logger != nil {
		_ = a.Logger.Close()
	}
}
