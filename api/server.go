/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing (also in error logs)
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/parties/*            Supplier and buyer registry
  /api/{domain}/*           Balances and statements
  /api/purchase-orders/*    Payables documents
  /api/payments/*
  /api/sales/*              Receivables documents
  /api/buyer-payments/*
  /api/documents/*          Repost unposted documents
  /api/admin/*              Recalculate All Balances, audit
  /metrics                  Prometheus (when a gatherer is configured)
  /healthz                  Store ping

SECURITY NOTE:
  No authentication middleware. Deploy behind the back-office gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/credit-ledger/ledger"
)

// RouterOptions configures the outer surface of the router.
type RouterOptions struct {
	// CORSOrigins defaults to the local frontend dev servers.
	CORSOrigins []string
	// Gatherer enables GET /metrics.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	// Credentials are only sent to listed origins, never to "*".
	credentials := !slices.Contains(origins, "*")

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: credentials,
	}))

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		// Party registry
		r.Route("/parties", func(r chi.Router) {
			r.Get("/", h.ListParties)
			r.Post("/", h.CreateParty)
		})

		// Documents, one group per kind
		documentRoutes(r, "/purchase-orders", h, ledger.RefPurchaseOrder)
		documentRoutes(r, "/payments", h, ledger.RefPayment)
		documentRoutes(r, "/sales", h, ledger.RefWholesaleSale)
		documentRoutes(r, "/buyer-payments", h, ledger.RefBuyerPayment)

		r.Post("/documents/{kind}/{id}/repost", h.RepostDocument)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/recalculate", h.RecalculateAll)
			r.Get("/audit", h.Audit)
		})

		// Balance queries, scoped by domain
		r.Route("/{domain}", func(r chi.Router) {
			r.Get("/balances", h.ListBalances)
			r.Get("/parties/{id}/balance", h.GetBalance)
			r.Get("/parties/{id}/statement", h.GetStatement)
		})
	})

	return r
}

func documentRoutes(r chi.Router, path string, h *Handler, kind ledger.ReferenceType) {
	r.Route(path, func(r chi.Router) {
		r.Get("/", h.ListDocuments(kind))
		if kind.IsPayment() {
			r.Post("/", h.CreatePayment(kind))
		} else {
			r.Post("/", h.CreateDocument(kind))
			r.Put("/{id}/total", h.ReviseTotal(kind))
		}
		r.Get("/{id}", h.GetDocument(kind))
		r.Delete("/{id}", h.DeleteDocument(kind))
	})
}
