package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/teamhub/realtime-gateway/internal/config"
	"github.com/teamhub/realtime-gateway/internal/gateway"
	"github.com/teamhub/realtime-gateway/internal/stats"
	"github.com/teamhub/realtime-gateway/internal/store"
)

// GatewayApp is the HTTP surface of a gateway instance: the WebSocket
// upgrade, the polling fallback, the server-to-server presence/typing/message
// endpoints and health.
type GatewayApp struct {
	log            *log.Logger
	gw             *gateway.Gateway
	store          store.Store
	stats          stats.StatsProvider
	limiter        *gateway.Limiter
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewGatewayApp(mux *http.ServeMux, logger *log.Logger, gw *gateway.Gateway, st store.Store, sp stats.StatsProvider, cfg *config.Config) *GatewayApp {
	s := &GatewayApp{
		log:            logger,
		gw:             gw,
		store:          st,
		stats:          sp,
		limiter:        gw.Limiter(),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	sp.RegisterMetric(stats.PollRequests)

	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /presence/{channelId}", s.authMiddleware(s.rateLimitMiddleware("presence_read", s.getPresence)))
	mux.Handle("POST /presence/{channelId}", s.authMiddleware(s.rateLimitMiddleware("presence", s.postPresence)))
	mux.Handle("POST /typing", s.authMiddleware(s.rateLimitMiddleware("typing", s.postTyping)))
	mux.Handle("POST /messages", s.authMiddleware(s.rateLimitMiddleware("message", s.postMessage)))
	mux.Handle("GET /poll", s.authMiddleware(s.rateLimitMiddleware("poll", s.poll)))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *GatewayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GatewayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
