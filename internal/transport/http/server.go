// Package http provides the HTTP transport layer for EpochChat.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /metrics
//	GET    /ws                              WebSocket gateway (token auth)
//	GET    /api/messages/{peer}             conversation history (bearer auth)
//	GET    /api/conversations               conversation list (bearer auth)
//	POST   /api/conversations/{peer}/seen   mark a conversation seen (bearer auth)
//	POST   /api/contacts/{peer}/added       contact-service hook (bearer auth)
package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sneh-joshi/epochchat/internal/config"
	"github.com/sneh-joshi/epochchat/internal/gateway"
	"github.com/sneh-joshi/epochchat/internal/identity"
	"github.com/sneh-joshi/epochchat/internal/metrics"
	"github.com/sneh-joshi/epochchat/internal/storage"
)

// Deps are the collaborators the HTTP surface serves. Metrics may be nil.
type Deps struct {
	Store    storage.Store
	Gateway  *gateway.Gateway
	Verifier identity.Verifier
	Metrics  *metrics.Registry
	NodeID   string
}

// Server wraps the stdlib HTTP server with EpochChat route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling ListenAndServe
// (or Serve) and Shutdown.
func New(cfg *config.Config, d Deps) *Server {
	h := &Handler{
		store:   d.Store,
		gw:      d.Gateway,
		nodeID:  d.NodeID,
		started: time.Now(),
	}
	auth := AuthMiddleware(d.Verifier)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// The gateway authenticates its own upgrades and answers failures with
	// close code 4001 rather than HTTP 401.
	mux.Handle("GET /ws", d.Gateway)

	// History surface
	mux.Handle("GET /api/messages/{peer}", auth(http.HandlerFunc(h.history)))
	mux.Handle("GET /api/conversations", auth(http.HandlerFunc(h.conversations)))
	mux.Handle("POST /api/conversations/{peer}/seen", auth(http.HandlerFunc(h.markSeen)))
	mux.Handle("POST /api/contacts/{peer}/added", auth(http.HandlerFunc(h.contactAdded)))

	if cfg.Metrics.Enabled && d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	handler := chain(mux,
		MetricsMiddleware(d.Metrics),
		CORSMiddleware(cfg.HTTP.CORSOrigin),
		MaxBodyMiddleware(int64(cfg.HTTP.MaxBodyKB)<<10),
		LoggingMiddleware,
		RateLimitMiddleware(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
	)

	return &Server{
		inner: &http.Server{
			Addr:              cfg.Node.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	return s.inner.Serve(l)
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish. Hijacked WebSocket connections are not
// tracked here; close them through the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
