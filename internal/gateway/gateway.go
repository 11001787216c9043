// ABOUTME: Gateway orchestrator that wires the store, engine, and HTTP server
// ABOUTME: Manages listener setup, route registration, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/model/anthropic"
	"github.com/parleyhq/parley/internal/model/openai"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/store"
)

// turnRunner is the engine surface the HTTP handlers depend on.
// Tests inject a scripted implementation.
type turnRunner interface {
	Turn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error)
	StreamTurn(ctx context.Context, req engine.TurnRequest, sink engine.Sink) error
	History(ctx context.Context, agentID, conversationID string, ident store.Identity, limit int) ([]*store.Message, error)
}

// Gateway owns the HTTP server and the components serving conversation turns
type Gateway struct {
	config     *config.Config
	store      store.Store
	engine     turnRunner
	resolver   *auth.Resolver
	httpServer *http.Server
	logger     *slog.Logger

	// retrievalCache is non-nil when retrieval result caching is enabled
	retrievalCache *retrieval.Cache
}

// initStore creates the store from config, honoring the PARLEY_DB_PATH override
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildInvoker selects the model provider from config
func buildInvoker(cfg *config.Config, logger *slog.Logger) (model.Invoker, error) {
	switch cfg.Model.Provider {
	case "openai":
		return openai.New(cfg.Model.APIKey, logger), nil
	case "anthropic":
		return anthropic.New(cfg.Model.APIKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

// buildRetriever creates the knowledge retriever, or nil when no endpoint is
// configured. Retrieval is always bounded so a slow knowledge service cannot
// stall a turn; result caching is layered on when a cache TTL is set.
func buildRetriever(cfg *config.Config, logger *slog.Logger) (retrieval.Retriever, *retrieval.Cache) {
	if cfg.Retrieval.Endpoint == "" {
		logger.Info("no retrieval endpoint configured, knowledge base disabled")
		return nil, nil
	}

	r := retrieval.Bounded(retrieval.NewHTTPRetriever(cfg.Retrieval.Endpoint, logger), cfg.Retrieval.Timeout)
	if cfg.Retrieval.CacheTTL <= 0 {
		return r, nil
	}

	cache := retrieval.NewCache(cfg.Retrieval.CacheTTL, 10_000)
	logger.Info("retrieval result cache enabled", "ttl", cfg.Retrieval.CacheTTL)
	return cache.Wrap(r), cache
}

// New creates a Gateway with all components wired from the configuration
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	invoker, err := buildInvoker(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	retriever, retrievalCache := buildRetriever(cfg, logger)

	eng := engine.New(s, retriever, invoker, engine.Defaults{
		Model:       cfg.Model.DefaultModel,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
	}, logger)

	gw := &Gateway{
		config:         cfg,
		store:          s,
		engine:         eng,
		resolver:       auth.NewResolver([]byte(cfg.Auth.JWTSecret)),
		logger:         logger.With("component", "gateway"),
		retrievalCache: retrievalCache,
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured, all callers are anonymous visitors")
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerRoutes installs all HTTP routes on the mux
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	// Chat + history, dispatched by subpath under /agents/{id}/...
	mux.HandleFunc("/agents/", g.handleAgentRoutes)

	// Administrative agent and conversation management
	mux.HandleFunc("/admin/agents", g.handleAdminAgents)
	mux.HandleFunc("/admin/agents/", g.handleAdminAgentByID)
	mux.HandleFunc("/admin/conversations/", g.handleAdminConversations)
}

// Run starts the HTTP server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown shuts down with a fresh context since the run context is
// already canceled by the time shutdown begins.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if g.retrievalCache != nil {
		g.retrievalCache.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the database answers queries
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListAgents(r.Context(), ""); err != nil {
		g.logger.Error("readiness probe failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
