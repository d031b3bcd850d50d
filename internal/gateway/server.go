// Package gateway exposes the dispatch engine over HTTP: generation via
// server-sent events or WebSocket, plus model, balance and conversation
// queries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/tokengate/internal/config"
	"github.com/soyeahso/tokengate/internal/dispatch"
	"github.com/soyeahso/tokengate/internal/ledger"
	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/soyeahso/tokengate/internal/store"
	"github.com/soyeahso/tokengate/internal/version"
)

// Server is the tokengate HTTP + WebSocket gateway.
type Server struct {
	cfg           config.Config
	auth          ResolvedAuth
	router        *dispatch.Router
	registry      *provider.Registry
	ledger        *ledger.Ledger
	conversations *dispatch.Conversations
	responses     *store.ResponseStore
	log           *logging.Logger

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// Deps bundles the services the gateway exposes.
type Deps struct {
	Router        *dispatch.Router
	Registry      *provider.Registry
	Ledger        *ledger.Ledger
	Conversations *dispatch.Conversations
	Responses     *store.ResponseStore
}

// New creates a gateway server.
func New(cfg config.Config, deps Deps, log *logging.Logger) *Server {
	allowedOrigins := cfg.Gateway.AllowedOrigins
	return &Server{
		cfg:           cfg,
		auth:          ResolveAuth(cfg.Gateway.Auth),
		router:        deps.Router,
		registry:      deps.Registry,
		ledger:        deps.Ledger,
		conversations: deps.Conversations,
		responses:     deps.Responses,
		log:           log.Sub("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(allowedOrigins),
		},
	}
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin
// headers. If no origins are configured, only same-origin (no Origin
// header) or non-browser clients are allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins serving. It blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins)

	// No write timeout: generation streams stay open for as long as the
	// provider produces output.
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if !s.auth.Enabled() && s.cfg.Gateway.Bind != "loopback" {
		s.log.Warn().Msg("gateway auth is disabled on a non-loopback bind")
	}

	s.startedAt = time.Now()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Bool("auth", s.auth.Enabled()).
		Str("version", version.Version).
		Msg("gateway server ready")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}
