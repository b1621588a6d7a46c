package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mucyo-Ivan/smartend/internal/aggregate"
	"github.com/Mucyo-Ivan/smartend/internal/dashboard"
	"github.com/Mucyo-Ivan/smartend/internal/subs"
)

// Server is the read-side HTTP server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates an API server with all routes registered.
func NewServer(agg *aggregate.Store, hub *dashboard.Hub, reg *subs.Registry, corsOrigin string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		Agg:       agg,
		Hub:       hub,
		Registry:  reg,
		Logger:    logger,
		StartTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/provinces", h.ListProvinces)
	mux.HandleFunc("GET /api/v1/provinces/{province}/view", h.GetProvinceView)
	mux.HandleFunc("GET /api/v1/connections", h.GetConnections)
	mux.HandleFunc("POST /api/v1/cache/clear", h.ClearCache)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Apply middleware (outermost runs first).
	var handler http.Handler = mux
	handler = JSONHeaders(handler)
	handler = CORS(corsOrigin)(handler)
	handler = Logger(logger)(handler)
	handler = RequestID(handler)
	handler = Recovery(logger)(handler)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h}
}

// ListenAndServe starts the HTTP server. Blocks until the context is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	s.handlers.Logger.Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetVersion sets the version string for the health endpoint.
func (s *Server) SetVersion(v string) { s.handlers.Version = v }

// SetStorageInfo sets storage driver and path for the health endpoint.
func (s *Server) SetStorageInfo(driver, path string) {
	s.handlers.StorageDriver = driver
	s.handlers.StoragePath = path
}
