package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"duck-semantic/internal/middleware"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// Validator authenticates /v1 routes. Nil leaves them open.
	Validator middleware.TokenValidator
	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string
	// LoadRateLimit throttles /v1/load per client when set.
	LoadRateLimit *middleware.RateLimitConfig
	Logger        *slog.Logger
}

// NewRouter wires the handler into a chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Validator))

		r.Get("/meta", h.Meta)
		r.Get("/sql", h.SQL)
		r.Post("/sql", h.SQL)
		r.Group(func(r chi.Router) {
			if cfg.LoadRateLimit != nil {
				r.Use(middleware.RateLimiter(*cfg.LoadRateLimit))
			}
			r.Get("/load", h.Load)
			r.Post("/load", h.Load)
		})
		r.Get("/pre-aggregations", h.PreAggregations)
		r.Post("/pre-aggregations/{id}/refresh", h.RefreshPreAggregation)
		r.Get("/pre-aggregations/{id}/runs", h.RefreshRuns)
	})
	return r
}

// ListenAndServe serves handler on addr until ctx is canceled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
