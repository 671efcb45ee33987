// Package api is the operational HTTP surface: the chat ingress, the SOC
// JSON endpoints, the live WebSocket event feed, and the Prometheus
// metrics endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/selairgi/socagents/internal/auth"
	"github.com/selairgi/socagents/internal/bus"
	"github.com/selairgi/socagents/internal/metrics"
	"github.com/selairgi/socagents/internal/pipeline"
)

// Server is the SOC API server.
type Server struct {
	pipeline   *pipeline.Pipeline
	tokens     *auth.TokenManager
	wsHub      *WebSocketHub
	mux        *http.ServeMux
	httpServer *http.Server
	cors       bool
	logger     *slog.Logger
}

// NewServer creates the API server over a wired pipeline. tokens may be
// nil, in which case the API accepts unauthenticated requests.
func NewServer(p *pipeline.Pipeline, tokens *auth.TokenManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline: p,
		tokens:   tokens,
		wsHub:    NewWebSocketHub(logger, p.Config.Server.CORS),
		mux:      http.NewServeMux(),
		cors:     p.Config.Server.CORS,
		logger:   logger.With("component", "api.Server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Ingress
	s.mux.HandleFunc("POST /api/chat", s.handleChat)

	// Alerts and playbooks
	s.mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	s.mux.HandleFunc("GET /api/alerts/{id}", s.handleGetAlert)
	s.mux.HandleFunc("GET /api/playbooks", s.handleListPlaybooks)
	s.mux.HandleFunc("GET /api/playbooks/{id}", s.handleGetPlaybook)

	// Approvals
	s.mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	s.mux.HandleFunc("POST /api/approvals/{id}/dry-run", s.handleDryRun)
	s.mux.HandleFunc("POST /api/approvals/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/approvals/{id}/reject", s.handleReject)

	// Learning
	s.mux.HandleFunc("POST /api/learning/report-miss", s.handleReportMiss)
	s.mux.HandleFunc("GET /api/learning/metrics", s.handleLearningMetrics)
	s.mux.HandleFunc("GET /api/learning/variations", s.handleExportVariations)

	// Audit
	s.mux.HandleFunc("GET /api/audit/verify", s.handleVerifyAudit)
	s.mux.HandleFunc("POST /api/audit/acknowledge", s.handleAcknowledgeAudit)

	// Policies
	s.mux.HandleFunc("POST /api/policies/reload", s.handleReloadPolicies)

	// System, health is always public
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// WebSocket event feed + Prometheus
	s.mux.HandleFunc("GET /api/ws/events", s.wsHub.HandleWebSocket)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// Handler returns the HTTP handler with the auth and CORS layers applied.
func (s *Server) Handler() http.Handler {
	h := s.authMiddleware(s.mux)
	if s.cors {
		return corsMiddleware(h)
	}
	return h
}

// authMiddleware enforces bearer-token auth when a token manager is
// configured. Health and metrics stay open for probes and scrapes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || secret == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := s.tokens.ValidateToken(secret, clientIP(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !auth.HasPermission(token.Role, permissionFor(r)) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// permissionFor maps a request to the permission it requires.
func permissionFor(r *http.Request) string {
	if r.Method == http.MethodGet {
		return auth.PermRead
	}
	switch {
	case r.URL.Path == "/api/chat":
		return auth.PermChat
	case r.URL.Path == "/api/audit/acknowledge":
		return auth.PermAuditAck
	case strings.HasSuffix(r.URL.Path, "/approve"), strings.HasSuffix(r.URL.Path, "/reject"):
		return auth.PermApprove
	default:
		// report-miss, dry-run, and any future mutation default to the
		// operator level.
		return auth.PermLearn
	}
}

// Start serves until Shutdown. It also relays bus events to the
// WebSocket hub.
func (s *Server) Start(ctx context.Context) error {
	go s.relayEvents(ctx, bus.TopicAlerts, "alert")
	go s.relayEvents(ctx, bus.TopicDecisions, "decision")
	go s.relayEvents(ctx, bus.TopicRemediations, "remediation")

	addr := fmt.Sprintf(":%d", s.pipeline.Config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// relayEvents forwards one bus topic to the WebSocket clients.
func (s *Server) relayEvents(ctx context.Context, topic, kind string) {
	events := s.pipeline.Bus.Subscribe(topic)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			s.wsHub.Broadcast(kind, env.Payload)
		}
	}
}

// corsMiddleware adds permissive CORS headers for development setups.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
