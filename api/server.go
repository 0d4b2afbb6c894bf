/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into the request logger
  2. Logger:     zerolog request logger + access log line
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the till frontend
  5. Rate limit: Per-IP request budget on /api
  6. Metrics:    Per-route counters and latency

ROUTE GROUPS:
  /api/intake, /api/products/*   Stock intake and product views
  /api/batches/*                 Batch corrections, wastage, divide
  /api/checkout, /api/sales/*    Sales
  /api/restock/*                 Shopping list
  /healthz, /metrics             Operations

SECURITY NOTE:
  No authentication middleware. Run behind the shop's own gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/stock-ledger/observability"
)

type RouterOptions struct {
	Logger             zerolog.Logger
	Metrics            *observability.Metrics
	CORSOrigins        []string
	RateLimitPerMinute int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(requestIDField)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(opts.Metrics.Middleware)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", opts.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.RateLimitPerMinute > 0 {
			r.Use(httprate.Limit(opts.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}

		r.Post("/intake", h.Intake)

		r.Route("/products", func(r chi.Router) {
			r.Get("/barcode/{barcode}", h.GetProductByBarcode)
			r.Get("/{id}", h.GetProduct)
			r.Get("/{id}/allocation", h.GetAllocation)
			r.Get("/{id}/reconciliation", h.GetReconciliation)
		})

		r.Route("/batches/{id}", func(r chi.Router) {
			r.Post("/audit", h.AuditBatch)
			r.Post("/adjust", h.AdjustBatch)
			r.Post("/wastage", h.MarkWastage)
			r.Post("/divide", h.DivideBatch)
			r.Get("/adjustments", h.ListAdjustments)
		})

		r.Post("/checkout", h.Checkout)
		r.Get("/sales/{id}", h.GetSale)

		r.Route("/restock", func(r chi.Router) {
			r.Get("/", h.ListRestock)
			r.Post("/", h.AddRestock)
			r.Post("/{id}/bought", h.MarkRestockBought)
			r.Delete("/{id}", h.DeleteRestock)
		})
	})

	return r
}

// requestIDField copies chi's request ID into the request logger.
func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			log := zerolog.Ctx(r.Context())
			log.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}
