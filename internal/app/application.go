package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pushhub/internal/api"
	"pushhub/internal/auth"
	"pushhub/internal/config"
	"pushhub/internal/database"
	"pushhub/internal/hub"
	"pushhub/internal/identity"
	"pushhub/internal/logging"
	"pushhub/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

var _ api.ConnectionCounter = (*websocket.Handler)(nil)

// Application wires every component of the service.
// Order: Database → Identity → Hub → WebSocket handler → HTTP API
type Application struct {
	config    *config.Config
	db        *database.Manager
	resolver  *identity.Resolver
	hub       *hub.Hub
	websocket *websocket.Handler
	api       *api.Server
	logger    zerolog.Logger
}

func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.NewManager(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	resolver, err := identity.NewResolver(verifier, db, cfg.Auth.NameCacheSize, cfg.Auth.NameCacheTTL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create identity resolver: %w", err)
	}

	h := hub.NewHub(cfg.Presence, cfg.Router, resolver, db, nil)
	ws := websocket.NewHandler(h.Router(), cfg.WebSocket)
	server := api.NewServer(cfg.HTTP, api.Deps{
		Hub:       h,
		Chat:      h.Router(),
		Identity:  resolver,
		Store:     db,
		Status:    db,
		WebSocket: ws,
	})

	return &Application{
		config:    cfg,
		db:        db,
		resolver:  resolver,
		hub:       h,
		websocket: ws,
		api:       server,
		logger:    logging.Component("app"),
	}, nil
}

// Run serves until ctx is cancelled or the HTTP server fails, then shuts
// everything down in reverse order.
func (a *Application) Run(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	a.logger.Info().Str("addr", a.config.HTTP.Addr).Msg("pushhub started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.api.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.websocket.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("websocket connections did not drain")
		}
		return nil
	})

	err := g.Wait()
	if closeErr := a.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	a.logger.Info().Msg("pushhub stopped")
	return err
}

// Close stops the hub and releases the database
func (a *Application) Close() error {
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.logger.Warn().Err(err).Msg("hub stop failed")
	}
	return a.db.Close()
}

// Handler is the full HTTP surface, for embedding and tests
func (a *Application) Handler() http.Handler { return a.api }

func (a *Application) Hub() *hub.Hub { return a.hub }

func (a *Application) Store() *database.Manager { return a.db }
