// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
	"github.com/alanyoungcy/p2pmarket/internal/server/handler"
	"github.com/alanyoungcy/p2pmarket/internal/server/middleware"
	"github.com/alanyoungcy/p2pmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is the per-IP request budget per RateLimitWindow. Zero
	// disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Listings   *handler.ListingHandler
	Operations *handler.OperationHandler
	Catalog    *handler.CatalogHandler
	Sweep      *handler.SweepHandler
	Archive    *handler.ArchiveHandler
	Metrics    http.Handler
}

// Server is the marketplace HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. wsHub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // ?wait=true blocks on block confirmations
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped http.Handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	// Listings.
	mux.HandleFunc("GET /api/listings", handlers.Listings.ListListings)
	mux.HandleFunc("POST /api/listings", handlers.Listings.CreateListing)
	mux.HandleFunc("GET /api/listings/{id}", handlers.Listings.GetListing)
	mux.HandleFunc("DELETE /api/listings/{id}", handlers.Listings.DeleteListing)
	mux.HandleFunc("PUT /api/listings/{id}/price", handlers.Listings.UpdatePrice)
	mux.HandleFunc("POST /api/listings/{id}/purchase", handlers.Listings.Purchase)
	mux.HandleFunc("POST /api/listings/{id}/confirm-delivery", handlers.Listings.ConfirmDelivery)
	mux.HandleFunc("POST /api/listings/{id}/claim-payment", handlers.Listings.ClaimPayment)
	mux.HandleFunc("POST /api/buy-orders", handlers.Listings.CreateBuyOrder)
	mux.HandleFunc("GET /api/participants/{address}/listings", handlers.Listings.ListParticipantListings)

	// Asynchronous write tracking.
	if handlers.Operations != nil {
		mux.HandleFunc("GET /api/operations", handlers.Operations.ListOperations)
		mux.HandleFunc("GET /api/operations/{id}", handlers.Operations.GetOperation)
	}

	// Operator endpoints.
	if handlers.Catalog != nil {
		mux.HandleFunc("GET /api/catalog/pending", handlers.Catalog.ListPending)
		mux.HandleFunc("POST /api/catalog/pending/{id}/retry", handlers.Catalog.RetryPending)
		mux.HandleFunc("POST /api/listings/{id}/catalog-retry", handlers.Catalog.RetryPending)
		mux.HandleFunc("GET /api/audit", handlers.Catalog.ListAudit)
	}
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive/{id}", handlers.Archive.GetArchived)
	}
	if handlers.Sweep != nil {
		mux.HandleFunc("POST /api/sweep/trigger", handlers.Sweep.TriggerSweep)
	}

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/audit", "/api/catalog/")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
