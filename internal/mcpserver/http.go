package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/gate"
)

// apiKeyHeader carries the caller's credential on HTTP transports.
const apiKeyHeader = "X-API-Key"

// HTTPHandler builds the HTTP frontend: the MCP streamable transport at
// /mcp, an unauthenticated health endpoint and an authenticated Prometheus
// endpoint. Per-call authentication still happens in the gate; the
// middleware only moves the header into the context.
func (s *Server) HTTPHandler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.withCredential(mcpHandler))
	mux.HandleFunc("/health", s.serveHealth)
	mux.Handle("/metrics", s.requireMetricsKey(s.deps.Metrics.Handler()))
	return mux
}

// withCredential lifts the API key header into the request context for the
// gate. Missing headers pass through; the gate rejects them per call.
func (s *Server) withCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get(apiKeyHeader); key != "" {
			r = r.WithContext(gate.WithCredential(r.Context(), key))
		}
		next.ServeHTTP(w, r)
	})
}

// serveHealth reports liveness without authentication so orchestrators can
// probe it. 200 when healthy, 503 otherwise.
func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h := s.deps.Health()
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("encode health response", zap.Error(err))
	}
}

// requireMetricsKey guards the metrics endpoint with a key allowed to call
// the pseudo-tool "metrics".
func (s *Server) requireMetricsKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := s.deps.Keys.Authenticate(r.Header.Get(apiKeyHeader))
		if err != nil {
			http.Error(w, "unauthorized", fault.HTTPStatus(fault.Unauthenticated))
			return
		}
		if !key.Can("metrics") {
			http.Error(w, "forbidden", fault.HTTPStatus(fault.Forbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}
