/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. AccessLog:  One zap line per request
  4. Metrics:    Request latency histogram (when metrics are enabled)
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. CORS:       Cross-origin requests for the frontend
  7. Timeout:    Cancels the request context after RequestTimeout; the
                 engine reports that as a transient error (503)

ROUTE GROUPS:
  /api/sites/*          Sites (DELETE cascades)
  /api/materials/*      Material catalog and stock corrections
  /api/labours/*        Labour catalog
  /api/site-logs/*      Daily logs (stock reconciliation)
  /api/overheads/*      Site overheads
  /api/reports/*        Read-only aggregates
  /api/export/*         xlsx workbooks
  /api/health           Liveness
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - metrics.go: Prometheus collectors
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig carries the server settings the router needs.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Metrics is optional; nil disables /metrics and latency tracking.
	Metrics *Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.Logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: !slices.Contains(origins, "*"),
	}))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Site routes
		r.Route("/sites", func(r chi.Router) {
			r.Get("/", h.ListSites)
			r.Post("/", h.CreateSite)
			r.Get("/{id}", h.GetSite)
			r.Put("/{id}", h.UpdateSite)
			r.Delete("/{id}", h.DeleteSite)
		})

		// Material routes
		r.Route("/materials", func(r chi.Router) {
			r.Get("/", h.ListMaterials)
			r.Post("/", h.CreateMaterial)
			r.Get("/{id}", h.GetMaterial)
			r.Put("/{id}", h.UpdateMaterial)
			r.Delete("/{id}", h.DeleteMaterial)
		})

		// Labour routes
		r.Route("/labours", func(r chi.Router) {
			r.Get("/", h.ListLabours)
			r.Post("/", h.CreateLabour)
			r.Get("/{id}", h.GetLabour)
			r.Put("/{id}", h.UpdateLabour)
			r.Delete("/{id}", h.DeleteLabour)
		})

		// Daily log routes
		r.Route("/site-logs", func(r chi.Router) {
			r.Get("/", h.ListLogs)
			r.Post("/", h.CreateLog)
			r.Get("/{id}", h.GetLog)
			r.Put("/{id}", h.UpdateLog)
			r.Delete("/{id}", h.DeleteLog)
		})

		// Overhead routes
		r.Route("/overheads", func(r chi.Router) {
			r.Get("/", h.ListOverheads)
			r.Post("/", h.CreateOverhead)
			r.Get("/{id}", h.GetOverhead)
			r.Put("/{id}", h.UpdateOverhead)
			r.Delete("/{id}", h.DeleteOverhead)
		})

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/site/{id}", h.SiteReport)
			r.Get("/daily", h.DailyReport)
			r.Get("/inventory", h.InventoryReport)
		})

		// Export routes
		r.Route("/export", func(r chi.Router) {
			r.Get("/site/{id}", h.ExportSite)
			r.Get("/inventory", h.ExportInventory)
		})
	})

	return r
}

// accessLog writes one line per request with its outcome.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
